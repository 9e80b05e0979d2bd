package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureSchema creates the tables this service owns when they do not
// exist yet. Player identities are managed by the auth collaborator;
// only their ids appear here.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id BIGSERIAL PRIMARY KEY,
			black_player_id BIGINT NOT NULL,
			white_player_id BIGINT NOT NULL,
			board_size INT NOT NULL,
			time_control INT NOT NULL DEFAULT 0,
			board_state JSONB NOT NULL,
			move_count INT NOT NULL DEFAULT 0,
			black_captures INT NOT NULL DEFAULT 0,
			white_captures INT NOT NULL DEFAULT 0,
			black_time_used INT NOT NULL DEFAULT 0,
			white_time_used INT NOT NULL DEFAULT 0,
			black_last_move_at TIMESTAMPTZ,
			white_last_move_at TIMESTAMPTZ,
			black_territory INT NOT NULL DEFAULT 0,
			white_territory INT NOT NULL DEFAULT 0,
			black_points INT NOT NULL DEFAULT 0,
			white_points INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			draw_offered_by BIGINT,
			draw_offered_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_move_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS moves (
			id BIGSERIAL PRIMARY KEY,
			game_id BIGINT NOT NULL REFERENCES games(id),
			move_number INT NOT NULL,
			x INT NOT NULL,
			y INT NOT NULL,
			color SMALLINT NOT NULL,
			captured_positions JSONB NOT NULL DEFAULT '[]',
			resulting_board_state JSONB NOT NULL,
			is_pass BOOLEAN NOT NULL DEFAULT FALSE,
			played_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (game_id, move_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_moves_game ON moves (game_id, move_number DESC)`,
		`CREATE TABLE IF NOT EXISTS challenges (
			id BIGSERIAL PRIMARY KEY,
			challenger_id BIGINT NOT NULL,
			challenged_id BIGINT,
			board_size INT NOT NULL,
			time_control INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
			game_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_open ON challenges (status, board_size, time_control)`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) CreateGame(ctx context.Context, g *game.Game) error {
	board, err := json.Marshal(g.Board.Ints())
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	const q = `INSERT INTO games (
		black_player_id, white_player_id, board_size, time_control,
		board_state, status, created_at, last_move_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`
	return p.db.QueryRowContext(ctx, q,
		g.BlackPlayerID, g.WhitePlayerID, g.BoardSize, g.TimeControl,
		board, g.Status, g.CreatedAt, g.LastMoveAt,
	).Scan(&g.ID)
}

func (p *Postgres) GetGame(ctx context.Context, id int64) (*game.Game, error) {
	const q = `SELECT id, black_player_id, white_player_id, board_size, time_control,
		board_state, move_count, black_captures, white_captures,
		black_time_used, white_time_used, black_last_move_at, white_last_move_at,
		black_territory, white_territory, black_points, white_points,
		status, draw_offered_by, draw_offered_at, created_at, last_move_at
	FROM games WHERE id = $1`
	row := p.db.QueryRowContext(ctx, q, id)

	var g game.Game
	var board []byte
	err := row.Scan(&g.ID, &g.BlackPlayerID, &g.WhitePlayerID, &g.BoardSize, &g.TimeControl,
		&board, &g.MoveCount, &g.BlackCaptures, &g.WhiteCaptures,
		&g.BlackTimeUsed, &g.WhiteTimeUsed, &g.BlackLastMoveAt, &g.WhiteLastMoveAt,
		&g.BlackTerritory, &g.WhiteTerritory, &g.BlackPoints, &g.WhitePoints,
		&g.Status, &g.DrawOfferedBy, &g.DrawOfferedAt, &g.CreatedAt, &g.LastMoveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	var raw [][]int
	if err := json.Unmarshal(board, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal board: %w", err)
	}
	g.Board = baduk.FromInts(raw)
	return &g, nil
}

func (p *Postgres) SaveGame(ctx context.Context, g *game.Game) error {
	board, err := json.Marshal(g.Board.Ints())
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	const q = `UPDATE games SET
		board_state=$2, move_count=$3, black_captures=$4, white_captures=$5,
		black_time_used=$6, white_time_used=$7,
		black_last_move_at=$8, white_last_move_at=$9,
		black_territory=$10, white_territory=$11, black_points=$12, white_points=$13,
		status=$14, draw_offered_by=$15, draw_offered_at=$16, last_move_at=$17
	WHERE id=$1`
	res, err := p.db.ExecContext(ctx, q, g.ID,
		board, g.MoveCount, g.BlackCaptures, g.WhiteCaptures,
		g.BlackTimeUsed, g.WhiteTimeUsed,
		g.BlackLastMoveAt, g.WhiteLastMoveAt,
		g.BlackTerritory, g.WhiteTerritory, g.BlackPoints, g.WhitePoints,
		g.Status, g.DrawOfferedBy, g.DrawOfferedAt, g.LastMoveAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return game.ErrGameNotFound
	}
	return nil
}

func (p *Postgres) AppendMove(ctx context.Context, m *game.Move) error {
	captured, err := json.Marshal(m.Captured)
	if err != nil {
		return fmt.Errorf("marshal captured: %w", err)
	}
	board, err := json.Marshal(m.Board)
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	const q = `INSERT INTO moves (
		game_id, move_number, x, y, color,
		captured_positions, resulting_board_state, is_pass, played_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`
	return p.db.QueryRowContext(ctx, q,
		m.GameID, m.MoveNumber, m.X, m.Y, m.Color,
		captured, board, m.IsPass, m.PlayedAt,
	).Scan(&m.ID)
}

func (p *Postgres) LastMove(ctx context.Context, gameID int64) (*game.Move, error) {
	const q = `SELECT id, game_id, move_number, x, y, color,
		captured_positions, resulting_board_state, is_pass, played_at
	FROM moves WHERE game_id=$1 ORDER BY move_number DESC LIMIT 1`
	row := p.db.QueryRowContext(ctx, q, gameID)

	var m game.Move
	var captured, board []byte
	err := row.Scan(&m.ID, &m.GameID, &m.MoveNumber, &m.X, &m.Y, &m.Color,
		&captured, &board, &m.IsPass, &m.PlayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(captured, &m.Captured); err != nil {
		return nil, fmt.Errorf("unmarshal captured: %w", err)
	}
	if err := json.Unmarshal(board, &m.Board); err != nil {
		return nil, fmt.Errorf("unmarshal board: %w", err)
	}
	return &m, nil
}

func (p *Postgres) CreateChallenge(ctx context.Context, c *game.Challenge) error {
	const q = `INSERT INTO challenges (
		challenger_id, challenged_id, board_size, time_control, status, is_anonymous, game_id, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`
	return p.db.QueryRowContext(ctx, q,
		c.ChallengerID, c.ChallengedID, c.BoardSize, c.TimeControl, c.Status, c.IsAnonymous, c.GameID, c.CreatedAt,
	).Scan(&c.ID)
}

func (p *Postgres) GetChallenge(ctx context.Context, id int64) (*game.Challenge, error) {
	const q = `SELECT id, challenger_id, challenged_id, board_size, time_control, status, is_anonymous, game_id, created_at
	FROM challenges WHERE id=$1`
	var c game.Challenge
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.ChallengerID, &c.ChallengedID, &c.BoardSize, &c.TimeControl, &c.Status, &c.IsAnonymous, &c.GameID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) SaveChallenge(ctx context.Context, c *game.Challenge) error {
	const q = `UPDATE challenges SET status=$2, game_id=$3 WHERE id=$1`
	res, err := p.db.ExecContext(ctx, q, c.ID, c.Status, c.GameID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return game.ErrChallengeNotFound
	}
	return nil
}

func (p *Postgres) DeleteChallenge(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM challenges WHERE id=$1`, id)
	return err
}

func (p *Postgres) MatchOpenChallenge(ctx context.Context, boardSize, timeControl int, excludeChallenger int64, anonymous bool) (*game.Challenge, error) {
	const q = `SELECT id, challenger_id, challenged_id, board_size, time_control, status, is_anonymous, game_id, created_at
	FROM challenges
	WHERE status='open' AND board_size=$1 AND time_control=$2
	  AND challenger_id <> $3 AND is_anonymous = $4 AND challenged_id IS NULL
	ORDER BY created_at ASC LIMIT 1`
	var c game.Challenge
	err := p.db.QueryRowContext(ctx, q, boardSize, timeControl, excludeChallenger, anonymous).Scan(
		&c.ID, &c.ChallengerID, &c.ChallengedID, &c.BoardSize, &c.TimeControl, &c.Status, &c.IsAnonymous, &c.GameID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) DeleteStaleChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE status='open' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
