package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
)

// Mem is an in-memory Store twin used by tests and local runs without
// Postgres. Returned values are deep copies so callers cannot mutate
// stored state behind the mutex.
type Mem struct {
	mu         sync.Mutex
	games      map[int64]*game.Game
	moves      map[int64][]*game.Move
	challenges map[int64]*game.Challenge
	nextGame   int64
	nextMove   int64
	nextChal   int64
}

func NewMem() *Mem {
	return &Mem{
		games:      make(map[int64]*game.Game),
		moves:      make(map[int64][]*game.Move),
		challenges: make(map[int64]*game.Challenge),
	}
}

func copyGame(g *game.Game) *game.Game {
	cp := *g
	cp.Board = g.Board.Clone()
	if g.BlackLastMoveAt != nil {
		t := *g.BlackLastMoveAt
		cp.BlackLastMoveAt = &t
	}
	if g.WhiteLastMoveAt != nil {
		t := *g.WhiteLastMoveAt
		cp.WhiteLastMoveAt = &t
	}
	if g.DrawOfferedBy != nil {
		v := *g.DrawOfferedBy
		cp.DrawOfferedBy = &v
	}
	if g.DrawOfferedAt != nil {
		t := *g.DrawOfferedAt
		cp.DrawOfferedAt = &t
	}
	return &cp
}

func copyMove(m *game.Move) *game.Move {
	cp := *m
	cp.Captured = append([]baduk.Point(nil), m.Captured...)
	if m.Board != nil {
		cp.Board = make([][]int, len(m.Board))
		for i, row := range m.Board {
			cp.Board[i] = append([]int(nil), row...)
		}
	}
	return &cp
}

func copyChallenge(c *game.Challenge) *game.Challenge {
	cp := *c
	if c.ChallengedID != nil {
		v := *c.ChallengedID
		cp.ChallengedID = &v
	}
	if c.GameID != nil {
		v := *c.GameID
		cp.GameID = &v
	}
	return &cp
}

func (s *Mem) CreateGame(_ context.Context, g *game.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGame++
	g.ID = s.nextGame
	s.games[g.ID] = copyGame(g)
	return nil
}

func (s *Mem) GetGame(_ context.Context, id int64) (*game.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return nil, game.ErrGameNotFound
	}
	return copyGame(g), nil
}

func (s *Mem) SaveGame(_ context.Context, g *game.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.games[g.ID]; !ok {
		return game.ErrGameNotFound
	}
	s.games[g.ID] = copyGame(g)
	return nil
}

func (s *Mem) AppendMove(_ context.Context, m *game.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMove++
	m.ID = s.nextMove
	s.moves[m.GameID] = append(s.moves[m.GameID], copyMove(m))
	return nil
}

func (s *Mem) LastMove(_ context.Context, gameID int64) (*game.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.moves[gameID]
	if len(ms) == 0 {
		return nil, nil
	}
	return copyMove(ms[len(ms)-1]), nil
}

func (s *Mem) CreateChallenge(_ context.Context, c *game.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChal++
	c.ID = s.nextChal
	s.challenges[c.ID] = copyChallenge(c)
	return nil
}

func (s *Mem) GetChallenge(_ context.Context, id int64) (*game.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, game.ErrChallengeNotFound
	}
	return copyChallenge(c), nil
}

func (s *Mem) SaveChallenge(_ context.Context, c *game.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.ID]; !ok {
		return game.ErrChallengeNotFound
	}
	s.challenges[c.ID] = copyChallenge(c)
	return nil
}

func (s *Mem) DeleteChallenge(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}

func (s *Mem) MatchOpenChallenge(_ context.Context, boardSize, timeControl int, excludeChallenger int64, anonymous bool) (*game.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*game.Challenge
	for _, c := range s.challenges {
		if c.Status != game.ChallengeOpen {
			continue
		}
		if c.ChallengedID != nil {
			continue
		}
		if c.BoardSize != boardSize || c.TimeControl != timeControl {
			continue
		}
		if c.ChallengerID == excludeChallenger || c.IsAnonymous != anonymous {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return copyChallenge(candidates[0]), nil
}

func (s *Mem) DeleteStaleChallenges(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.challenges {
		if c.Status == game.ChallengeOpen && c.CreatedAt.Before(cutoff) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}
