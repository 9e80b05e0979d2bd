package match

import (
	"context"
	"crypto/rand"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
	"github.com/park285/Tonsil-Baduk-server/internal/session"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
)

// Defaults for the stale-challenge sweeper. Open challenges that
// nobody took within the window are deleted.
const (
	DefaultStaleWindow   = 10 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Service pairs players into games. Open challenges form a pool keyed
// by board size and time control; the oldest compatible one wins.
type Service struct {
	store    store.Store
	bus      *eventbus.Bus
	sessions *session.Manager

	staleWindow   time.Duration
	sweepInterval time.Duration
}

type Option func(*Service)

func WithStaleWindow(d time.Duration) Option {
	return func(s *Service) { s.staleWindow = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) { s.sweepInterval = d }
}

func New(st store.Store, bus *eventbus.Bus, sessions *session.Manager, opts ...Option) *Service {
	s := &Service{
		store:         st,
		bus:           bus,
		sessions:      sessions,
		staleWindow:   DefaultStaleWindow,
		sweepInterval: DefaultSweepInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result of a matchmaking request: either an immediate game or a
// waiting challenge.
type Result struct {
	Game      *game.Game
	Challenge *game.Challenge
}

// Seek pairs the player with the oldest compatible open challenge, or
// parks a new open challenge when the pool is empty.
func (s *Service) Seek(ctx context.Context, playerID int64, boardSize, timeControl int, anonymous bool) (*Result, error) {
	if !baduk.ValidSize(boardSize) {
		return nil, game.ErrBadBoardSize
	}

	other, err := s.store.MatchOpenChallenge(ctx, boardSize, timeControl, playerID, anonymous)
	if err != nil {
		return nil, err
	}
	if other != nil {
		g, err := s.pair(ctx, other, playerID)
		if err != nil {
			return nil, err
		}
		return &Result{Game: g}, nil
	}

	c := &game.Challenge{
		ChallengerID: playerID,
		BoardSize:    boardSize,
		TimeControl:  timeControl,
		Status:       game.ChallengeOpen,
		IsAnonymous:  anonymous,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}
	obslog.L().Info("match_challenge_parked",
		zap.Int64("challenge_id", c.ID),
		zap.Int64("player_id", playerID),
		zap.Int("board_size", boardSize))
	return &Result{Challenge: c}, nil
}

// Direct creates a challenge aimed at one specific opponent.
func (s *Service) Direct(ctx context.Context, challengerID, challengedID int64, boardSize, timeControl int) (*game.Challenge, error) {
	if !baduk.ValidSize(boardSize) {
		return nil, game.ErrBadBoardSize
	}
	c := &game.Challenge{
		ChallengerID: challengerID,
		ChallengedID: &challengedID,
		BoardSize:    boardSize,
		TimeControl:  timeControl,
		Status:       game.ChallengeOpen,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept takes a challenge. Direct challenges only admit their
// addressee; open ones admit anyone but the challenger.
func (s *Service) Accept(ctx context.Context, challengeID, playerID int64) (*game.Game, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status != game.ChallengeOpen {
		return nil, game.ErrChallengeNotOpen
	}
	if c.ChallengerID == playerID {
		return nil, game.ErrChallengeNotOpen
	}
	if c.ChallengedID != nil && *c.ChallengedID != playerID {
		return nil, game.ErrChallengeNotOpen
	}
	return s.pair(ctx, c, playerID)
}

// Cancel withdraws an open challenge; only the challenger may.
func (s *Service) Cancel(ctx context.Context, challengeID, playerID int64) error {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if c.ChallengerID != playerID {
		return game.ErrNotAParticipant
	}
	if c.Status != game.ChallengeOpen {
		return game.ErrChallengeNotOpen
	}
	return s.store.DeleteChallenge(ctx, challengeID)
}

// Status reports a challenge for the gateway's waiting stream.
func (s *Service) Status(ctx context.Context, challengeID int64) (*game.Challenge, error) {
	return s.store.GetChallenge(ctx, challengeID)
}

// pair marks the challenge matched, rolls colors and creates the
// game, then tells the waiting challenger where to go.
func (s *Service) pair(ctx context.Context, c *game.Challenge, joiner int64) (*game.Game, error) {
	c.Status = game.ChallengeMatched
	if err := s.store.SaveChallenge(ctx, c); err != nil {
		return nil, err
	}

	black, white := rollColors(c.ChallengerID, joiner)
	g, err := s.sessions.Create(ctx, black, white, c.BoardSize, c.TimeControl)
	if err != nil {
		// 매칭 실패 시 도전을 되돌린다.
		c.Status = game.ChallengeOpen
		_ = s.store.SaveChallenge(ctx, c)
		return nil, err
	}

	c.GameID = &g.ID
	if err := s.store.SaveChallenge(ctx, c); err != nil {
		obslog.L().Warn("match_backref_failed", zap.Int64("challenge_id", c.ID), zap.Error(err))
	}

	obslog.L().Info("match_paired",
		zap.Int64("challenge_id", c.ID),
		zap.Int64("game_id", g.ID),
		zap.Int64("black", black),
		zap.Int64("white", white))

	if err := s.bus.PublishChallenge(ctx, eventbus.ChallengeUpdate{
		ChallengeID: c.ID,
		Status:      string(game.ChallengeMatched),
		GameID:      g.ID,
	}); err != nil {
		obslog.L().Warn("match_publish_failed", zap.Int64("challenge_id", c.ID), zap.Error(err))
	}
	return g, nil
}

// rollColors assigns sides by coin flip.
func rollColors(a, b int64) (black, white int64) {
	var buf [1]byte
	if _, err := rand.Read(buf[:]); err == nil && buf[0]%2 == 0 {
		return a, b
	}
	return b, a
}

// RunSweeper deletes stale open challenges until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteStaleChallenges(ctx, time.Now().UTC().Add(-s.staleWindow))
			if err != nil {
				obslog.L().Warn("match_sweep_failed", zap.Error(err))
				continue
			}
			if n > 0 {
				obslog.L().Info("match_swept_stale", zap.Int64("count", n))
			}
		}
	}
}
