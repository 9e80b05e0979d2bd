package timersvc

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
)

const (
	leaderKey      = "timer_service_leader"
	expiredChannel = "__keyevent@0__:expired"
	timerKeyPrefix = "timer:"
)

// Defaults for the leader lease. The lease outlives several missed
// heartbeats before a standby takes over.
const (
	DefaultLeaseTTL          = 120 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultElectionInterval  = 40 * time.Second
)

// Options tune the election cadence. Zero values take the defaults.
type Options struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	ElectionInterval  time.Duration
}

func (o *Options) fill() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ElectionInterval <= 0 {
		o.ElectionInterval = DefaultElectionInterval
	}
}

// Service enforces game clocks across instances. Every instance may
// arm and cancel timer leases, but only the elected leader consumes
// key-expiry notifications and declares timeouts, so each expiry is
// processed once.
type Service struct {
	rdb   *redis.Client
	store store.Store
	bus   *eventbus.Bus
	opts  Options

	workerID string

	mu       sync.Mutex
	leader   bool
	stopHB   context.CancelFunc
	expirySC *redis.PubSub

	// OnTimeout, when set, runs after a timeout is persisted and
	// broadcast. Used to trigger result notifications.
	OnTimeout func(g *game.Game)

	stopped chan struct{}
	cancel  context.CancelFunc
}

func New(rdb *redis.Client, st store.Store, bus *eventbus.Bus, opts Options) *Service {
	opts.fill()
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Service{
		rdb:      rdb,
		store:    st,
		bus:      bus,
		opts:     opts,
		workerID: host + ":" + uuid.NewString(),
	}
}

// WorkerID identifies this instance in the leader lease.
func (s *Service) WorkerID() string { return s.workerID }

// IsLeader reports whether this instance currently holds the lease.
func (s *Service) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func timerKey(gameID int64, c baduk.Color) string {
	return fmt.Sprintf("%s%d:%s", timerKeyPrefix, gameID, colorToken(c))
}

func colorToken(c baduk.Color) string {
	if c == baduk.Black {
		return "black"
	}
	return "white"
}

func parseTimerKey(key string) (int64, baduk.Color, bool) {
	rest, ok := strings.CutPrefix(key, timerKeyPrefix)
	if !ok {
		return 0, baduk.Empty, false
	}
	idPart, colorPart, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, baduk.Empty, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, baduk.Empty, false
	}
	switch colorPart {
	case "black":
		return id, baduk.Black, true
	case "white":
		return id, baduk.White, true
	}
	return 0, baduk.Empty, false
}

// SetTimer arms (or rewinds) the expiry lease for a color's remaining
// clock. Remaining time is rounded up and never below one second, so
// the lease cannot fire before the lazy check would.
func (s *Service) SetTimer(ctx context.Context, gameID int64, c baduk.Color, remaining time.Duration) error {
	secs := int64(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return s.rdb.Set(ctx, timerKey(gameID, c), "1", time.Duration(secs)*time.Second).Err()
}

// CancelTimer drops a color's expiry lease.
func (s *Service) CancelTimer(ctx context.Context, gameID int64, c baduk.Color) error {
	return s.rdb.Del(ctx, timerKey(gameID, c)).Err()
}

// CancelGameTimers drops both leases, used when a game ends.
func (s *Service) CancelGameTimers(ctx context.Context, gameID int64) {
	_ = s.CancelTimer(ctx, gameID, baduk.Black)
	_ = s.CancelTimer(ctx, gameID, baduk.White)
}

// Start runs the election loop until Stop or ctx cancellation. It
// contends immediately, then on every election tick.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.electionLoop(runCtx)
}

// Stop demotes and halts the service.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stopped != nil {
		<-s.stopped
	}
}

func (s *Service) electionLoop(ctx context.Context) {
	defer close(s.stopped)
	defer s.demote()

	s.tryElect(ctx)
	ticker := time.NewTicker(s.opts.ElectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryElect(ctx)
		}
	}
}

// tryElect takes the lease if free, then confirms who holds it. A
// holder that is no longer us means our lease was lost and we demote.
func (s *Service) tryElect(ctx context.Context) {
	ok, err := s.rdb.SetNX(ctx, leaderKey, s.workerID, s.opts.LeaseTTL).Result()
	if err != nil {
		obslog.L().Warn("timersvc_election_failed", zap.Error(err))
		return
	}
	holder, err := s.rdb.Get(ctx, leaderKey).Result()
	if err != nil && err != redis.Nil {
		obslog.L().Warn("timersvc_leader_read_failed", zap.Error(err))
		return
	}

	if holder == s.workerID {
		if ok {
			obslog.L().Info("timersvc_elected", zap.String("worker_id", s.workerID))
		}
		s.promote(ctx)
		return
	}
	s.demote()
}

func (s *Service) promote(ctx context.Context) {
	s.mu.Lock()
	if s.leader {
		s.mu.Unlock()
		return
	}
	s.leader = true

	hbCtx, cancel := context.WithCancel(ctx)
	s.stopHB = cancel

	// Expired-key events need keyspace notifications; a Redis that
	// refuses CONFIG SET may already have them enabled elsewhere.
	if err := s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		obslog.L().Warn("timersvc_config_set_failed", zap.Error(err))
	}
	ps := s.rdb.Subscribe(ctx, expiredChannel)
	s.expirySC = ps
	s.mu.Unlock()

	go s.heartbeatLoop(hbCtx)
	go s.expiryLoop(ps)
}

func (s *Service) demote() {
	s.mu.Lock()
	if !s.leader {
		s.mu.Unlock()
		return
	}
	s.leader = false
	stopHB := s.stopHB
	ps := s.expirySC
	s.stopHB = nil
	s.expirySC = nil
	s.mu.Unlock()

	if stopHB != nil {
		stopHB()
	}
	if ps != nil {
		_ = ps.Close()
	}
	obslog.L().Info("timersvc_demoted", zap.String("worker_id", s.workerID))
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 리스는 현재 보유자일 때만 갱신한다.
			holder, err := s.rdb.Get(ctx, leaderKey).Result()
			if err != nil || holder != s.workerID {
				s.demote()
				return
			}
			if err := s.rdb.Expire(ctx, leaderKey, s.opts.LeaseTTL).Err(); err != nil {
				obslog.L().Warn("timersvc_heartbeat_failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) expiryLoop(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		s.handleExpiredKey(msg.Payload)
	}
}

// handleExpiredKey validates an expired timer lease against current
// game state before declaring a timeout. Stale leases for games that
// already moved on, or for the color not on the move, are dropped.
func (s *Service) handleExpiredKey(key string) {
	// 강등과 구독 해제 사이에 버퍼에 남은 이벤트는 새 리더 몫이다.
	if !s.IsLeader() {
		return
	}
	gameID, color, ok := parseTimerKey(key)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		obslog.L().Warn("timersvc_expiry_load_failed",
			zap.Int64("game_id", gameID), zap.Error(err))
		return
	}
	if g.Status.Terminal() || !g.Timed() {
		return
	}
	if g.ColorToMove() != color {
		// Lease survived a move that handed the turn over.
		return
	}
	s.processTimeout(ctx, g, color)
}

func (s *Service) processTimeout(ctx context.Context, g *game.Game, loser baduk.Color) {
	g.Status = game.WonByTimeout(loser)
	if err := s.store.SaveGame(ctx, g); err != nil {
		obslog.L().Error("timersvc_timeout_save_failed",
			zap.Int64("game_id", g.ID), zap.Error(err))
		return
	}
	s.CancelGameTimers(ctx, g.ID)

	obslog.L().Info("timersvc_timeout",
		zap.Int64("game_id", g.ID),
		zap.String("loser", colorToken(loser)),
		zap.String("status", string(g.Status)))

	msg, err := eventbus.NewStateMessage(eventbus.TypeTimeout, map[string]any{
		"loser":     loser,
		"status":    g.Status,
		"winner_id": g.WinnerID(),
	})
	if err != nil {
		return
	}
	// 시스템 발신이므로 모든 인스턴스가 전달한다.
	if err := s.bus.PublishSystemUpdate(ctx, eventbus.GameUpdate{GameID: g.ID, Message: msg}); err != nil {
		obslog.L().Warn("timersvc_timeout_publish_failed",
			zap.Int64("game_id", g.ID), zap.Error(err))
	}
	if s.OnTimeout != nil {
		s.OnTimeout(g)
	}
}
