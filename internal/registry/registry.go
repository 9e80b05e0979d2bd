package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
)

// DefaultGrace is how long a disconnected player may be absent before
// the game is abandoned in their name.
const DefaultGrace = 10 * time.Second

// Conn is one live client socket. Send must be safe for concurrent
// use; the gateway's writer serializes frames underneath.
type Conn interface {
	Send(ctx context.Context, msg eventbus.StateMessage) error
	Close() error
}

type playerKey struct {
	gameID   int64
	playerID int64
}

// Registry tracks which sockets are attached to which games on this
// instance, fans remote bus traffic out to them, and arms the
// disconnect-grace timer that abandons games nobody came back to.
type Registry struct {
	bus   *eventbus.Bus
	store store.Store
	grace time.Duration

	mu     sync.Mutex
	byGame map[int64]map[Conn]int64 // conn → player id
	byKey  map[playerKey]Conn
	timers map[playerKey]*time.Timer
}

func New(bus *eventbus.Bus, st store.Store, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		bus:    bus,
		store:  st,
		grace:  grace,
		byGame: make(map[int64]map[Conn]int64),
		byKey:  make(map[playerKey]Conn),
		timers: make(map[playerKey]*time.Timer),
	}
}

// Connect registers a socket for a player and subscribes this
// instance to the game's fanout channels. A subscribe failure does not
// reject the socket: local play keeps working and the next Connect
// retries the subscription. A reconnect inside the grace window
// cancels the pending abandonment and announces the return.
func (r *Registry) Connect(ctx context.Context, gameID, playerID int64, c Conn) {
	key := playerKey{gameID, playerID}

	r.mu.Lock()
	conns, ok := r.byGame[gameID]
	if !ok {
		conns = make(map[Conn]int64)
		r.byGame[gameID] = conns
	}
	if prev, dup := r.byKey[key]; dup && prev != c {
		// 같은 플레이어의 새 소켓이 이전 소켓을 대체한다.
		delete(conns, prev)
		_ = prev.Close()
	}
	conns[c] = playerID
	r.byKey[key] = c
	timer, wasPending := r.timers[key]
	if wasPending {
		timer.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()

	// Subscribe는 이미 구독 중이면 no-op.
	if err := r.subscribeGame(ctx, gameID); err != nil {
		obslog.L().Warn("registry_subscribe_degraded",
			zap.Int64("game_id", gameID), zap.Error(err))
	}

	if err := r.bus.PublishConnection(ctx, eventbus.ConnectionEvent{
		GameID:    gameID,
		PlayerID:  playerID,
		Action:    eventbus.ConnActionReconnect,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		obslog.L().Warn("registry_publish_connect_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
	}

	if wasPending {
		obslog.L().Info("registry_reconnect_within_grace",
			zap.Int64("game_id", gameID), zap.Int64("player_id", playerID))
		r.announcePresence(ctx, gameID, playerID, eventbus.TypePlayerReconnected)
	}
}

// Disconnect drops a socket and, when the player has no other socket
// on this instance, arms the grace timer that will abandon the game.
func (r *Registry) Disconnect(ctx context.Context, gameID, playerID int64, c Conn) {
	key := playerKey{gameID, playerID}

	r.mu.Lock()
	conns := r.byGame[gameID]
	delete(conns, c)
	replaced := r.byKey[key] != c && r.byKey[key] != nil
	if r.byKey[key] == c {
		delete(r.byKey, key)
	}
	lastForGame := len(conns) == 0
	if lastForGame {
		delete(r.byGame, gameID)
	}
	if !replaced {
		if old, ok := r.timers[key]; ok {
			old.Stop()
		}
		r.timers[key] = time.AfterFunc(r.grace, func() { r.graceExpired(gameID, playerID) })
	}
	r.mu.Unlock()

	if replaced {
		return
	}

	if lastForGame {
		r.unsubscribeGame(gameID)
	}

	if err := r.bus.PublishConnection(ctx, eventbus.ConnectionEvent{
		GameID:    gameID,
		PlayerID:  playerID,
		Action:    eventbus.ConnActionDisconnect,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		obslog.L().Warn("registry_publish_disconnect_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
	}
	r.announcePresence(ctx, gameID, playerID, eventbus.TypePlayerDisconnected)
}

func (r *Registry) announcePresence(ctx context.Context, gameID, playerID int64, typ string) {
	msg, err := eventbus.NewStateMessage(typ, map[string]any{"player_id": playerID})
	if err != nil {
		return
	}
	r.BroadcastLocal(ctx, gameID, msg)
	if err := r.bus.PublishUpdate(ctx, eventbus.GameUpdate{GameID: gameID, Message: msg}); err != nil {
		obslog.L().Warn("registry_publish_presence_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
	}
}

// graceExpired runs on the timer goroutine. Only the instance whose
// timer is still registered performs the abandonment, so a reconnect
// anywhere that reached this instance's Connect wins the race.
func (r *Registry) graceExpired(gameID, playerID int64) {
	key := playerKey{gameID, playerID}
	r.mu.Lock()
	if _, ok := r.timers[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.timers, key)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, err := r.store.GetGame(ctx, gameID)
	if err != nil {
		obslog.L().Error("registry_abandon_load_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
		return
	}
	if g.Status.Terminal() {
		return
	}
	color, ok := g.PlayerColor(playerID)
	if !ok {
		return
	}
	g.Status = game.AbandonedBy(color)
	if err := r.store.SaveGame(ctx, g); err != nil {
		obslog.L().Error("registry_abandon_save_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
		return
	}

	obslog.L().Info("registry_game_abandoned",
		zap.Int64("game_id", gameID),
		zap.Int64("player_id", playerID),
		zap.String("status", string(g.Status)))

	msg, err := eventbus.NewStateMessage(eventbus.TypeGameAbandoned, map[string]any{
		"player_id": playerID,
		"status":    g.Status,
	})
	if err != nil {
		return
	}
	r.BroadcastLocal(ctx, gameID, msg)
	// 다른 인스턴스는 접속 채널로 최종 프레임을 받아 전달하고 닫는다.
	if err := r.bus.PublishConnection(ctx, eventbus.ConnectionEvent{
		GameID:    gameID,
		PlayerID:  playerID,
		Action:    eventbus.ConnActionAbandoned,
		Message:   &msg,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		obslog.L().Warn("registry_publish_abandon_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
	}
	r.CloseGame(gameID)
}

// BroadcastLocal delivers a message to every socket attached to the
// game on this instance.
func (r *Registry) BroadcastLocal(ctx context.Context, gameID int64, msg eventbus.StateMessage) {
	for _, c := range r.gameConns(gameID) {
		if err := c.Send(ctx, msg); err != nil {
			obslog.L().Debug("registry_send_failed",
				zap.Int64("game_id", gameID), zap.Error(err))
		}
	}
}

// SendTo delivers a message to one player's socket, if attached here.
func (r *Registry) SendTo(ctx context.Context, gameID, playerID int64, msg eventbus.StateMessage) {
	r.mu.Lock()
	c := r.byKey[playerKey{gameID, playerID}]
	r.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Send(ctx, msg); err != nil {
		obslog.L().Debug("registry_send_failed",
			zap.Int64("game_id", gameID), zap.Int64("player_id", playerID), zap.Error(err))
	}
}

// CloseGame closes and forgets every socket for a game on this
// instance and drops its fanout subscriptions.
func (r *Registry) CloseGame(gameID int64) {
	r.mu.Lock()
	conns := r.byGame[gameID]
	delete(r.byGame, gameID)
	for key := range r.byKey {
		if key.gameID == gameID {
			delete(r.byKey, key)
		}
	}
	for key, timer := range r.timers {
		if key.gameID == gameID {
			timer.Stop()
			delete(r.timers, key)
		}
	}
	r.mu.Unlock()

	for c := range conns {
		_ = c.Close()
	}
	r.unsubscribeGame(gameID)
}

func (r *Registry) gameConns(gameID int64) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.byGame[gameID]))
	for c := range r.byGame[gameID] {
		out = append(out, c)
	}
	return out
}

// LocalCount reports how many sockets this instance holds for a game.
func (r *Registry) LocalCount(gameID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byGame[gameID])
}

func (r *Registry) subscribeGame(ctx context.Context, gameID int64) error {
	if err := r.bus.Subscribe(ctx, eventbus.GameChannel(gameID), r.onGameUpdate); err != nil {
		return err
	}
	if err := r.bus.Subscribe(ctx, eventbus.ConnectionChannel(gameID), r.onConnectionEvent); err != nil {
		r.bus.Unsubscribe(eventbus.GameChannel(gameID))
		return err
	}
	return nil
}

func (r *Registry) unsubscribeGame(gameID int64) {
	r.bus.Unsubscribe(eventbus.GameChannel(gameID))
	r.bus.Unsubscribe(eventbus.ConnectionChannel(gameID))
}

// onGameUpdate relays updates published by other instances (or by the
// timer service) to this instance's sockets. Self-echo never reaches
// here; the bus drops it.
func (r *Registry) onGameUpdate(_ string, payload []byte) {
	var upd eventbus.GameUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		obslog.L().Warn("registry_bad_update", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.BroadcastLocal(ctx, upd.GameID, upd.Message)
}

// onConnectionEvent reacts to presence changes published by other
// instances: a reconnect elsewhere cancels the pending grace timer, an
// abandonment delivers the final frame and closes the local sockets.
func (r *Registry) onConnectionEvent(_ string, payload []byte) {
	var ev eventbus.ConnectionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		obslog.L().Warn("registry_bad_connection_event", zap.Error(err))
		return
	}
	switch ev.Action {
	case eventbus.ConnActionReconnect:
		key := playerKey{ev.GameID, ev.PlayerID}
		r.mu.Lock()
		if timer, ok := r.timers[key]; ok {
			timer.Stop()
			delete(r.timers, key)
			obslog.L().Info("registry_grace_cancelled_remote",
				zap.Int64("game_id", ev.GameID), zap.Int64("player_id", ev.PlayerID))
		}
		r.mu.Unlock()
	case eventbus.ConnActionAbandoned:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ev.Message != nil {
			r.BroadcastLocal(ctx, ev.GameID, *ev.Message)
		}
		r.CloseGame(ev.GameID)
	}
}
