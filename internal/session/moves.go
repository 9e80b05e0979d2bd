package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
)

// ErrOutOfTime is returned to the mover whose lazy clock check ended
// the game before the move was applied.
var ErrOutOfTime = staticErr("flag fell before the move")

type staticErr string

func (e staticErr) Error() string { return string(e) }

// checkClock performs the lazy timeout check before a mutation is
// considered. When the mover's projected usage blows the budget, the
// game ends in the opponent's favor right here, independently of the
// leader's expiry leases.
func (m *Manager) checkClock(ctx context.Context, g *game.Game, mover baduk.Color, now time.Time) error {
	if !g.Timed() || g.MoveCount <= 1 {
		return nil
	}
	var oppStamp *time.Time
	if mover == baduk.Black {
		oppStamp = g.WhiteLastMoveAt
	} else {
		oppStamp = g.BlackLastMoveAt
	}
	if oppStamp == nil {
		return nil
	}
	pending := int(now.Sub(*oppStamp).Seconds())
	if pending < 0 {
		pending = 0
	}
	if g.TimeUsed(mover)+pending < g.TimeControl {
		return nil
	}

	g.Status = game.WonByTimeout(mover)
	if err := m.store.SaveGame(ctx, g); err != nil {
		return err
	}
	obslog.L().Info("session_flag_fell",
		zap.Int64("game_id", g.ID),
		zap.String("loser", mover.String()))

	msg, err := eventbus.NewStateMessage(eventbus.TypeTimeout, map[string]any{
		"loser":     mover,
		"status":    g.Status,
		"winner_id": g.WinnerID(),
	})
	if err == nil {
		m.broadcast(ctx, g.ID, msg)
	}
	m.finishGame(ctx, g)
	return ErrOutOfTime
}

// SubmitMove applies one stone placement. Order is fixed: liveness,
// participation, clock, rules, then the atomic apply+persist. Any
// rule rejection leaves the stored game untouched.
func (m *Manager) SubmitMove(ctx context.Context, gameID, playerID int64, x, y int) (*game.Game, error) {
	g, color, err := m.loadActive(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	if g.ColorToMove() != color {
		return nil, game.ErrNotYourTurn
	}
	now := m.now()
	if err := m.checkClock(ctx, g, color, now); err != nil {
		return nil, err
	}

	last, err := m.store.LastMove(ctx, gameID)
	if err != nil {
		return nil, err
	}
	res, err := baduk.ProcessMove(g.Board, x, y, color, last.Prev())
	if err != nil {
		return nil, err
	}

	g.Board = res.Board
	g.BlackCaptures += res.BlackCaptures
	g.WhiteCaptures += res.WhiteCaptures
	// 착수를 세기 전에 시간을 정산한다. 양쪽의 첫 수는 무료.
	g.ChargeElapsed(color, now)
	g.MoveCount++
	g.ClearDrawOffer()
	g.LastMoveAt = now

	mv := &game.Move{
		GameID:     gameID,
		MoveNumber: g.MoveCount,
		X:          x,
		Y:          y,
		Color:      color,
		Captured:   res.Captured,
		Board:      res.Board.Ints(),
		PlayedAt:   now,
	}
	if err := m.store.AppendMove(ctx, mv); err != nil {
		return nil, err
	}
	if err := m.store.SaveGame(ctx, g); err != nil {
		return nil, err
	}

	m.rearmLeases(ctx, g, color)
	m.broadcastState(ctx, g)

	obslog.L().Info("session_move",
		zap.Int64("game_id", gameID),
		zap.Int("move_number", mv.MoveNumber),
		zap.String("color", color.String()),
		zap.Int("x", x), zap.Int("y", y),
		zap.Int("captured", len(res.Captured)))
	return g, nil
}

// rearmLeases drops the mover's lease and arms the opponent's with
// their remaining budget.
func (m *Manager) rearmLeases(ctx context.Context, g *game.Game, mover baduk.Color) {
	if !g.Timed() || m.timers == nil {
		return
	}
	_ = m.timers.CancelTimer(ctx, g.ID, mover)
	opp := mover.Opponent()
	if err := m.timers.SetTimer(ctx, g.ID, opp, time.Duration(g.Remaining(opp))*time.Second); err != nil {
		obslog.L().Warn("session_arm_timer_failed", zap.Int64("game_id", g.ID), zap.Error(err))
	}
}

// Pass records a turn skip. Two passes in a row close the game and
// score it by area: territory plus captures per side.
func (m *Manager) Pass(ctx context.Context, gameID, playerID int64) (*game.Game, error) {
	g, color, err := m.loadActive(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	if g.ColorToMove() != color {
		return nil, game.ErrNotYourTurn
	}
	now := m.now()
	if err := m.checkClock(ctx, g, color, now); err != nil {
		return nil, err
	}

	last, err := m.store.LastMove(ctx, gameID)
	if err != nil {
		return nil, err
	}
	doublePass := last != nil && last.IsPass

	g.ChargeElapsed(color, now)
	g.MoveCount++
	g.ClearDrawOffer()
	g.LastMoveAt = now

	mv := &game.Move{
		GameID:     gameID,
		MoveNumber: g.MoveCount,
		X:          -1,
		Y:          -1,
		Color:      color,
		Board:      g.Board.Ints(),
		IsPass:     true,
		PlayedAt:   now,
	}
	if err := m.store.AppendMove(ctx, mv); err != nil {
		return nil, err
	}

	if doublePass {
		m.scoreGame(g)
		if err := m.store.SaveGame(ctx, g); err != nil {
			return nil, err
		}
		m.broadcastGameOver(ctx, g)
		m.finishGame(ctx, g)
		return g, nil
	}

	if err := m.store.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	m.rearmLeases(ctx, g, color)

	msg, merr := eventbus.NewStateMessage(eventbus.TypePass, map[string]any{
		"color":      color,
		"move_count": g.MoveCount,
	})
	if merr == nil {
		m.broadcast(ctx, gameID, msg)
	}
	m.broadcastState(ctx, g)
	return g, nil
}

// scoreGame fills territory and final points and derives the result.
func (m *Manager) scoreGame(g *game.Game) {
	terr := baduk.Territory(g.Board)
	g.BlackTerritory = terr.Black
	g.WhiteTerritory = terr.White
	g.BlackPoints = terr.Black + g.BlackCaptures
	g.WhitePoints = terr.White + g.WhiteCaptures
	switch {
	case g.BlackPoints > g.WhitePoints:
		g.Status = game.StatusBlackWon
	case g.WhitePoints > g.BlackPoints:
		g.Status = game.StatusWhiteWon
	default:
		g.Status = game.StatusDraw
	}
}

func (m *Manager) broadcastGameOver(ctx context.Context, g *game.Game) {
	msg, err := eventbus.NewStateMessage(eventbus.TypeGameOver, map[string]any{
		"status":          g.Status,
		"winner_id":       g.WinnerID(),
		"black_points":    g.BlackPoints,
		"white_points":    g.WhitePoints,
		"black_territory": g.BlackTerritory,
		"white_territory": g.WhiteTerritory,
	})
	if err != nil {
		return
	}
	m.broadcast(ctx, g.ID, msg)
	m.broadcastState(ctx, g)
}
