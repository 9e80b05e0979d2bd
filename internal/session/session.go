package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
	"github.com/park285/Tonsil-Baduk-server/internal/registry"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
	"github.com/park285/Tonsil-Baduk-server/internal/timersvc"
)

// Notifier receives finished games for out-of-band delivery. Wired to
// the webhook client in production; nil disables it.
type Notifier interface {
	GameOver(ctx context.Context, g *game.Game)
}

// Manager orchestrates every mutation of a live game: rule checks,
// clock accounting, persistence, timer leases and fanout. The stored
// row is the single source of truth; Manager re-reads it on every
// operation.
type Manager struct {
	store    store.Store
	bus      *eventbus.Bus
	registry *registry.Registry
	timers   *timersvc.Service
	notifier Notifier

	// now is swappable for clock tests.
	now func() time.Time
}

func NewManager(st store.Store, bus *eventbus.Bus, reg *registry.Registry, timers *timersvc.Service, n Notifier) *Manager {
	return &Manager{
		store:    st,
		bus:      bus,
		registry: reg,
		timers:   timers,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create starts a game between two players. For timed games the
// opening side's expiry lease is armed with the full budget.
func (m *Manager) Create(ctx context.Context, blackID, whiteID int64, boardSize, timeControl int) (*game.Game, error) {
	if !baduk.ValidSize(boardSize) {
		return nil, game.ErrBadBoardSize
	}
	now := m.now()
	g := &game.Game{
		BlackPlayerID: blackID,
		WhitePlayerID: whiteID,
		BoardSize:     boardSize,
		TimeControl:   timeControl,
		Board:         baduk.New(boardSize),
		Status:        game.StatusActive,
		CreatedAt:     now,
		LastMoveAt:    now,
	}
	if err := m.store.CreateGame(ctx, g); err != nil {
		return nil, err
	}
	if g.Timed() && m.timers != nil {
		if err := m.timers.SetTimer(ctx, g.ID, baduk.White, time.Duration(g.TimeControl)*time.Second); err != nil {
			obslog.L().Warn("session_arm_timer_failed", zap.Int64("game_id", g.ID), zap.Error(err))
		}
	}
	obslog.L().Info("session_game_created",
		zap.Int64("game_id", g.ID),
		zap.Int64("black", blackID),
		zap.Int64("white", whiteID),
		zap.Int("board_size", boardSize),
		zap.Int("time_control", timeControl))
	return g, nil
}

// Get loads a game.
func (m *Manager) Get(ctx context.Context, gameID int64) (*game.Game, error) {
	return m.store.GetGame(ctx, gameID)
}

// StatePayload is the client-facing snapshot of a game.
type StatePayload struct {
	GameID         int64     `json:"game_id"`
	BlackPlayerID  int64     `json:"black_player_id"`
	WhitePlayerID  int64     `json:"white_player_id"`
	BoardSize      int       `json:"board_size"`
	Board          [][]int   `json:"board"`
	MoveCount      int       `json:"move_count"`
	ColorToMove    int       `json:"color_to_move"`
	BlackCaptures  int       `json:"black_captures"`
	WhiteCaptures  int       `json:"white_captures"`
	TimeControl    int       `json:"time_control"`
	BlackRemaining int       `json:"black_remaining"`
	WhiteRemaining int       `json:"white_remaining"`
	Status         string    `json:"status"`
	DrawOfferedBy  *int64    `json:"draw_offered_by,omitempty"`
	BlackPoints    int       `json:"black_points,omitempty"`
	WhitePoints    int       `json:"white_points,omitempty"`
	LastMoveAt     time.Time `json:"last_move_at"`
}

func snapshot(g *game.Game) StatePayload {
	return StatePayload{
		GameID:         g.ID,
		BlackPlayerID:  g.BlackPlayerID,
		WhitePlayerID:  g.WhitePlayerID,
		BoardSize:      g.BoardSize,
		Board:          g.Board.Ints(),
		MoveCount:      g.MoveCount,
		ColorToMove:    int(g.ColorToMove()),
		BlackCaptures:  g.BlackCaptures,
		WhiteCaptures:  g.WhiteCaptures,
		TimeControl:    g.TimeControl,
		BlackRemaining: g.Remaining(baduk.Black),
		WhiteRemaining: g.Remaining(baduk.White),
		Status:         string(g.Status),
		DrawOfferedBy:  g.DrawOfferedBy,
		BlackPoints:    g.BlackPoints,
		WhitePoints:    g.WhitePoints,
		LastMoveAt:     g.LastMoveAt,
	}
}

// StateMessage builds the game_state frame sent on connect, resync
// and after every accepted mutation.
func (m *Manager) StateMessage(ctx context.Context, gameID int64) (eventbus.StateMessage, error) {
	g, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return eventbus.StateMessage{}, err
	}
	return eventbus.NewStateMessage(eventbus.TypeGameState, snapshot(g))
}

// broadcast delivers to local sockets first, then fans out to the
// other instances with this instance's source id.
func (m *Manager) broadcast(ctx context.Context, gameID int64, msg eventbus.StateMessage) {
	if m.registry != nil {
		m.registry.BroadcastLocal(ctx, gameID, msg)
	}
	if err := m.bus.PublishUpdate(ctx, eventbus.GameUpdate{GameID: gameID, Message: msg}); err != nil {
		obslog.L().Warn("session_publish_failed", zap.Int64("game_id", gameID), zap.Error(err))
	}
}

func (m *Manager) broadcastState(ctx context.Context, g *game.Game) {
	msg, err := eventbus.NewStateMessage(eventbus.TypeGameState, snapshot(g))
	if err != nil {
		obslog.L().Warn("session_snapshot_failed", zap.Int64("game_id", g.ID), zap.Error(err))
		return
	}
	m.broadcast(ctx, g.ID, msg)
}

// finishGame tears down the clock leases and hands the result to the
// notifier. Callers have already persisted the terminal status.
func (m *Manager) finishGame(ctx context.Context, g *game.Game) {
	if m.timers != nil {
		m.timers.CancelGameTimers(ctx, g.ID)
	}
	if m.notifier != nil {
		m.notifier.GameOver(ctx, g)
	}
	obslog.L().Info("session_game_over",
		zap.Int64("game_id", g.ID),
		zap.String("status", string(g.Status)),
		zap.Int64("winner_id", g.WinnerID()))
}

// loadActive fetches the game and checks that playerID may act on it.
func (m *Manager) loadActive(ctx context.Context, gameID, playerID int64) (*game.Game, baduk.Color, error) {
	g, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, baduk.Empty, err
	}
	color, ok := g.PlayerColor(playerID)
	if !ok {
		return nil, baduk.Empty, game.ErrNotAParticipant
	}
	if g.Status.Terminal() {
		return nil, baduk.Empty, game.ErrGameNotActive
	}
	return g, color, nil
}
