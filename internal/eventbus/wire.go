package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateMessage types carried inside a GameUpdate. The type string is
// what browser clients switch on, so it stays lowercase snake.
const (
	TypeGameState          = "game_state"
	TypeTimeout            = "timeout"
	TypeResign             = "resign"
	TypeDrawOffer          = "draw_offer"
	TypeDrawAccepted       = "draw_accepted"
	TypeGameOver           = "game_over"
	TypePass               = "pass"
	TypeGameAbandoned      = "game_abandoned"
	TypePlayerDisconnected = "player_disconnected"
	TypePlayerReconnected  = "player_reconnected"
	TypeError              = "error"
	TypePong               = "pong"
)

// StateMessage is the envelope delivered to clients over WebSocket.
type StateMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewStateMessage(typ string, data any) (StateMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return StateMessage{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return StateMessage{Type: typ, Data: raw}, nil
}

// GameUpdate is the cross-instance fanout frame. SourceID identifies
// the publishing process so it can skip its own echo; system-origin
// publishes (timer expiry) leave it empty and every instance delivers.
type GameUpdate struct {
	GameID   int64        `json:"game_id"`
	Message  StateMessage `json:"message"`
	SourceID string       `json:"source_id,omitempty"`
}

// ConnectionEvent announces presence changes on the per-game
// connection channel. Abandonment carries the final client frame in
// Message so remote instances can deliver it before closing.
type ConnectionEvent struct {
	GameID    int64         `json:"game_id"`
	PlayerID  int64         `json:"player_id"`
	Action    string        `json:"action"`
	Message   *StateMessage `json:"message,omitempty"`
	SourceID  string        `json:"source_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	ConnActionReconnect  = "player_reconnect"
	ConnActionDisconnect = "player_disconnect"
	ConnActionAbandoned  = "game_abandoned"
)

// ChallengeUpdate is broadcast on the shared challenge channel when a
// challenge changes state, so waiting clients learn their game id.
type ChallengeUpdate struct {
	ChallengeID int64  `json:"challenge_id"`
	Status      string `json:"status"`
	GameID      int64  `json:"game_id,omitempty"`
}

func GameChannel(gameID int64) string       { return fmt.Sprintf("game_updates:%d", gameID) }
func ConnectionChannel(gameID int64) string { return fmt.Sprintf("game_connections:%d", gameID) }

// ChallengeChannel is shared by all open challenges.
const ChallengeChannel = "challenge_updates"
