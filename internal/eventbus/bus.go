package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
)

// Handler consumes the raw payload of one pub/sub message.
type Handler func(channel string, payload []byte)

// Bus fans events out across server instances over Redis pub/sub.
// Each instance carries a random id; updates it publishes come back
// stamped with that id and are dropped on receipt, since local
// delivery already happened before the publish.
type Bus struct {
	rdb *redis.Client
	id  string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func New(rdb *redis.Client) *Bus {
	return &Bus{
		rdb:  rdb,
		id:   uuid.NewString(),
		subs: make(map[string]*subscription),
	}
}

// InstanceID returns the random id stamped onto publishes from this
// process.
func (b *Bus) InstanceID() string { return b.id }

// PublishUpdate stamps the update with this instance's id and fans it
// out. Local subscribers were already served; remote instances deliver.
func (b *Bus) PublishUpdate(ctx context.Context, upd GameUpdate) error {
	upd.SourceID = b.id
	return b.publishJSON(ctx, GameChannel(upd.GameID), upd)
}

// PublishSystemUpdate publishes without a source id, so every
// instance, including this one, delivers it to its local sockets.
func (b *Bus) PublishSystemUpdate(ctx context.Context, upd GameUpdate) error {
	upd.SourceID = ""
	return b.publishJSON(ctx, GameChannel(upd.GameID), upd)
}

// PublishConnection announces a presence change on the game's
// connection channel.
func (b *Bus) PublishConnection(ctx context.Context, ev ConnectionEvent) error {
	ev.SourceID = b.id
	return b.publishJSON(ctx, ConnectionChannel(ev.GameID), ev)
}

// PublishChallenge broadcasts a challenge state change to all waiting
// clients.
func (b *Bus) PublishChallenge(ctx context.Context, upd ChallengeUpdate) error {
	return b.publishJSON(ctx, ChallengeChannel, upd)
}

func (b *Bus) publishJSON(ctx context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, raw).Err()
}

// Subscribe attaches a handler to a channel. One pub/sub connection
// and one dispatch goroutine per channel; resubscribing an already
// subscribed channel is a no-op.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel]; ok {
		return nil
	}

	ps := b.rdb.Subscribe(ctx, channel)
	// 구독 확인이 끝나야 publish 유실이 없다.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	b.subs[channel] = sub

	go b.dispatch(runCtx, sub, channel, h)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription, channel string, h Handler) {
	defer close(sub.done)
	ch := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if b.selfEcho([]byte(msg.Payload)) {
				continue
			}
			h(msg.Channel, []byte(msg.Payload))
		}
	}
}

// selfEcho reports whether the payload carries this instance's own
// source id. Empty source ids are system-origin and always delivered.
func (b *Bus) selfEcho(payload []byte) bool {
	var probe struct {
		SourceID string `json:"source_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		obslog.L().Warn("eventbus_bad_payload", zap.Error(err))
		return false
	}
	return probe.SourceID != "" && probe.SourceID == b.id
}

// Unsubscribe tears down the channel's pub/sub connection and waits
// for its dispatcher to drain.
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if ok {
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	_ = sub.ps.Close()
	<-sub.done
}

// Close tears down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		_ = sub.ps.Close()
		<-sub.done
	}
}
