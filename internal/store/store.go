package store

import (
	"context"
	"time"

	"github.com/park285/Tonsil-Baduk-server/internal/game"
)

// Store is the transactional persistence collaborator for games, moves
// and challenges. A successful save acknowledges durability; move
// submission relies on load→mutate→save against the game row.
type Store interface {
	CreateGame(ctx context.Context, g *game.Game) error
	GetGame(ctx context.Context, id int64) (*game.Game, error)
	SaveGame(ctx context.Context, g *game.Game) error

	AppendMove(ctx context.Context, m *game.Move) error
	LastMove(ctx context.Context, gameID int64) (*game.Move, error)

	CreateChallenge(ctx context.Context, c *game.Challenge) error
	GetChallenge(ctx context.Context, id int64) (*game.Challenge, error)
	SaveChallenge(ctx context.Context, c *game.Challenge) error
	DeleteChallenge(ctx context.Context, id int64) error
	// MatchOpenChallenge returns the oldest OPEN challenge compatible
	// with the given parameters, excluding the challenger's own.
	MatchOpenChallenge(ctx context.Context, boardSize, timeControl int, excludeChallenger int64, anonymous bool) (*game.Challenge, error)
	DeleteStaleChallenges(ctx context.Context, cutoff time.Time) (int64, error)
}
