package game

import (
	"time"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
)

// Status represents a game lifecycle state. Every non-ACTIVE status is
// terminal and absorbing.
type Status string

const (
	StatusActive              Status = "ACTIVE"
	StatusBlackWon            Status = "BLACK_WON"
	StatusWhiteWon            Status = "WHITE_WON"
	StatusDraw                Status = "DRAW"
	StatusBlackAbandoned      Status = "BLACK_ABANDONED"
	StatusWhiteAbandoned      Status = "WHITE_ABANDONED"
	StatusBlackWonTimeout     Status = "BLACK_WON_TIMEOUT"
	StatusWhiteWonTimeout     Status = "WHITE_WON_TIMEOUT"
	StatusBlackWonResignation Status = "BLACK_WON_RESIGNATION"
	StatusWhiteWonResignation Status = "WHITE_WON_RESIGNATION"
)

func (s Status) Terminal() bool { return s != StatusActive && s != "" }

// WonByTimeout returns the status for loser's clock running out.
func WonByTimeout(loser baduk.Color) Status {
	if loser == baduk.Black {
		return StatusWhiteWonTimeout
	}
	return StatusBlackWonTimeout
}

// WonByResignation returns the status for resigner giving up.
func WonByResignation(resigner baduk.Color) Status {
	if resigner == baduk.Black {
		return StatusWhiteWonResignation
	}
	return StatusBlackWonResignation
}

// AbandonedBy returns the status for c walking away mid-game.
func AbandonedBy(c baduk.Color) Status {
	if c == baduk.Black {
		return StatusBlackAbandoned
	}
	return StatusWhiteAbandoned
}

// Time controls, seconds per side. Zero means untimed.
const (
	ControlNone           = 0
	ControlBlitz          = 300
	ControlRapid          = 600
	ControlNormal         = 1200
	ControlLong           = 1800
	ControlCorrespondence = 259200 // 3 days
)

// Game is the persisted aggregate for one match. The persisted row is
// the single source of truth; mutation goes through the session
// orchestrator only.
type Game struct {
	ID            int64       `json:"id"`
	BlackPlayerID int64       `json:"black_player_id"`
	WhitePlayerID int64       `json:"white_player_id"`
	BoardSize     int         `json:"board_size"`
	TimeControl   int         `json:"time_control"`
	Board         baduk.Board `json:"board"`

	MoveCount     int `json:"move_count"`
	BlackCaptures int `json:"black_captures"`
	WhiteCaptures int `json:"white_captures"`

	BlackTimeUsed   int        `json:"black_time_used"`
	WhiteTimeUsed   int        `json:"white_time_used"`
	BlackLastMoveAt *time.Time `json:"black_last_move_at,omitempty"`
	WhiteLastMoveAt *time.Time `json:"white_last_move_at,omitempty"`

	BlackTerritory int `json:"black_territory"`
	WhiteTerritory int `json:"white_territory"`
	BlackPoints    int `json:"black_points"`
	WhitePoints    int `json:"white_points"`

	Status        Status     `json:"status"`
	DrawOfferedBy *int64     `json:"draw_offered_by,omitempty"`
	DrawOfferedAt *time.Time `json:"draw_offered_at,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastMoveAt time.Time `json:"last_move_at"`
}

// ColorToMove follows the authoritative turn rule: WHITE opens, colors
// alternate strictly.
func (g *Game) ColorToMove() baduk.Color {
	if g.MoveCount%2 == 0 {
		return baduk.White
	}
	return baduk.Black
}

// PlayerColor resolves a participant id to its color.
func (g *Game) PlayerColor(playerID int64) (baduk.Color, bool) {
	switch playerID {
	case g.BlackPlayerID:
		return baduk.Black, true
	case g.WhitePlayerID:
		return baduk.White, true
	}
	return baduk.Empty, false
}

// PlayerFor returns the id of the participant playing c.
func (g *Game) PlayerFor(c baduk.Color) int64 {
	if c == baduk.Black {
		return g.BlackPlayerID
	}
	return g.WhitePlayerID
}

func (g *Game) IsParticipant(playerID int64) bool {
	_, ok := g.PlayerColor(playerID)
	return ok
}

// Timed reports whether per-color clock leases apply: real-time games
// only, never untimed or correspondence play.
func (g *Game) Timed() bool {
	return g.TimeControl > 0 && g.TimeControl != ControlCorrespondence
}

func (g *Game) TimeUsed(c baduk.Color) int {
	if c == baduk.Black {
		return g.BlackTimeUsed
	}
	return g.WhiteTimeUsed
}

// Remaining returns the seconds left in c's budget, never negative.
func (g *Game) Remaining(c baduk.Color) int {
	r := g.TimeControl - g.TimeUsed(c)
	if r < 0 {
		return 0
	}
	return r
}

// OutOfTime reports whether c has exhausted its budget.
func (g *Game) OutOfTime(c baduk.Color) bool {
	return g.Timed() && g.TimeUsed(c) >= g.TimeControl
}

func (g *Game) HasDrawOffer() bool { return g.DrawOfferedBy != nil }

func (g *Game) SetDrawOffer(playerID int64, at time.Time) {
	g.DrawOfferedBy = &playerID
	g.DrawOfferedAt = &at
}

func (g *Game) ClearDrawOffer() {
	g.DrawOfferedBy = nil
	g.DrawOfferedAt = nil
}

// WinnerID resolves the winning participant, or 0 for draws and
// still-active games.
func (g *Game) WinnerID() int64 {
	switch g.Status {
	case StatusBlackWon, StatusBlackWonTimeout, StatusBlackWonResignation, StatusWhiteAbandoned:
		return g.BlackPlayerID
	case StatusWhiteWon, StatusWhiteWonTimeout, StatusWhiteWonResignation, StatusBlackAbandoned:
		return g.WhitePlayerID
	}
	return 0
}

// Move is an immutable, append-only record. MoveNumber is 1-based and
// strictly monotonic per game.
type Move struct {
	ID         int64         `json:"id"`
	GameID     int64         `json:"game_id"`
	MoveNumber int           `json:"move_number"`
	X          int           `json:"x"`
	Y          int           `json:"y"`
	Color      baduk.Color   `json:"color"`
	Captured   []baduk.Point `json:"captured_positions"`
	Board      [][]int       `json:"resulting_board_state"`
	IsPass     bool          `json:"is_pass"`
	PlayedAt   time.Time     `json:"played_at"`
}

// Prev adapts the move for ko checking. Pass moves capture nothing and
// never establish a ko.
func (m *Move) Prev() *baduk.Prev {
	if m == nil {
		return nil
	}
	return &baduk.Prev{Color: m.Color, Captured: m.Captured}
}

// ChallengeStatus is the matchmaking lifecycle of a Challenge.
type ChallengeStatus string

const (
	ChallengeOpen    ChallengeStatus = "open"
	ChallengeMatched ChallengeStatus = "matched"
	ChallengeExpired ChallengeStatus = "expired"
)

// Challenge is an ephemeral matchmaking record; expired challenges are
// deleted, matched ones are superseded by a Game.
type Challenge struct {
	ID           int64           `json:"id"`
	ChallengerID int64           `json:"challenger_id"`
	ChallengedID *int64          `json:"challenged_id,omitempty"`
	BoardSize    int             `json:"board_size"`
	TimeControl  int             `json:"time_control"`
	Status       ChallengeStatus `json:"status"`
	IsAnonymous  bool            `json:"is_anonymous"`
	GameID       *int64          `json:"game_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
