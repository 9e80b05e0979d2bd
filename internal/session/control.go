package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
)

// Resign ends the game in the opponent's favor.
func (m *Manager) Resign(ctx context.Context, gameID, playerID int64) (*game.Game, error) {
	g, color, err := m.loadActive(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	g.Status = game.WonByResignation(color)
	g.ClearDrawOffer()
	if err := m.store.SaveGame(ctx, g); err != nil {
		return nil, err
	}

	obslog.L().Info("session_resign",
		zap.Int64("game_id", gameID),
		zap.Int64("player_id", playerID),
		zap.String("color", color.String()))

	msg, merr := eventbus.NewStateMessage(eventbus.TypeResign, map[string]any{
		"color":     color,
		"status":    g.Status,
		"winner_id": g.WinnerID(),
	})
	if merr == nil {
		m.broadcast(ctx, gameID, msg)
	}
	m.broadcastState(ctx, g)
	m.finishGame(ctx, g)
	return g, nil
}

// FinalizeScore closes the game with counts both players agreed on.
// Used when the players settle dead stones by hand instead of letting
// the double-pass area count stand.
func (m *Manager) FinalizeScore(ctx context.Context, gameID int64, blackPoints, whitePoints int) (*game.Game, error) {
	g, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return nil, game.ErrGameNotActive
	}
	g.BlackPoints = blackPoints
	g.WhitePoints = whitePoints
	switch {
	case blackPoints > whitePoints:
		g.Status = game.StatusBlackWon
	case whitePoints > blackPoints:
		g.Status = game.StatusWhiteWon
	default:
		g.Status = game.StatusDraw
	}
	g.ClearDrawOffer()
	if err := m.store.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	m.broadcastGameOver(ctx, g)
	m.finishGame(ctx, g)
	return g, nil
}

// OfferDraw records a pending draw offer. A newer offer replaces the
// older one; offering twice is harmless.
func (m *Manager) OfferDraw(ctx context.Context, gameID, playerID int64) (*game.Game, error) {
	g, _, err := m.loadActive(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	g.SetDrawOffer(playerID, m.now())
	if err := m.store.SaveGame(ctx, g); err != nil {
		return nil, err
	}

	msg, merr := eventbus.NewStateMessage(eventbus.TypeDrawOffer, map[string]any{
		"offered_by": playerID,
	})
	if merr == nil {
		m.broadcast(ctx, gameID, msg)
	}
	return g, nil
}

// AcceptDraw closes the game as a draw. Only the non-offering
// participant may accept, and only while an offer is pending.
func (m *Manager) AcceptDraw(ctx context.Context, gameID, playerID int64) (*game.Game, error) {
	g, _, err := m.loadActive(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	if !g.HasDrawOffer() {
		return nil, game.ErrNoDrawOffer
	}
	if *g.DrawOfferedBy == playerID {
		return nil, game.ErrOwnDrawOffer
	}
	g.Status = game.StatusDraw
	g.ClearDrawOffer()
	if err := m.store.SaveGame(ctx, g); err != nil {
		return nil, err
	}

	obslog.L().Info("session_draw_accepted",
		zap.Int64("game_id", gameID),
		zap.Int64("player_id", playerID))

	msg, merr := eventbus.NewStateMessage(eventbus.TypeDrawAccepted, map[string]any{
		"accepted_by": playerID,
	})
	if merr == nil {
		m.broadcast(ctx, gameID, msg)
	}
	m.broadcastState(ctx, g)
	m.finishGame(ctx, g)
	return g, nil
}
