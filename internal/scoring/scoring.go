package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Submissions live five minutes; an unanswered proposal simply lapses
// and play (or a fresh proposal) continues.
const submissionTTL = 5 * time.Minute

// Proposal is one player's claimed final count.
type Proposal struct {
	BlackPoints int `json:"black_points"`
	WhitePoints int `json:"white_points"`
}

func (p Proposal) equal(o Proposal) bool {
	return p.BlackPoints == o.BlackPoints && p.WhitePoints == o.WhitePoints
}

// Service collects per-player score proposals in Redis so agreement
// survives instance restarts and works across instances.
type Service struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Service { return &Service{rdb: rdb} }

func key(gameID, playerID int64) string {
	return fmt.Sprintf("scoring:%d:%d", gameID, playerID)
}

// Submit stores one player's proposal, replacing any earlier one.
func (s *Service) Submit(ctx context.Context, gameID, playerID int64, p Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(gameID, playerID), raw, submissionTTL).Err()
}

// Get returns a player's pending proposal, or nil.
func (s *Service) Get(ctx context.Context, gameID, playerID int64) (*Proposal, error) {
	raw, err := s.rdb.Get(ctx, key(gameID, playerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Agreement returns the shared proposal when both players submitted
// identical counts.
func (s *Service) Agreement(ctx context.Context, gameID, blackID, whiteID int64) (*Proposal, error) {
	a, err := s.Get(ctx, gameID, blackID)
	if err != nil {
		return nil, err
	}
	b, err := s.Get(ctx, gameID, whiteID)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil || !a.equal(*b) {
		return nil, nil
	}
	return a, nil
}

// Clear drops both submissions, after finalization or on dispute.
func (s *Service) Clear(ctx context.Context, gameID, blackID, whiteID int64) error {
	return s.rdb.Del(ctx, key(gameID, blackID), key(gameID, whiteID)).Err()
}
