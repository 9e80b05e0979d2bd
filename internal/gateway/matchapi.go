package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
)

// matchRequest covers every matchmaking action; unused fields stay
// zero.
type matchRequest struct {
	BoardSize    int   `json:"board_size"`
	TimeControl  int   `json:"time_control"`
	Anonymous    bool  `json:"anonymous"`
	ChallengedID int64 `json:"challenged_id"`
	ChallengeID  int64 `json:"challenge_id"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	playerID, req, ok := s.matchAuth(w, r)
	if !ok {
		return
	}
	res, err := s.matches.Seek(r.Context(), playerID, req.BoardSize, req.TimeControl, req.Anonymous)
	if err != nil {
		matchError(w, err)
		return
	}
	body := map[string]any{}
	if res.Game != nil {
		body["game_id"] = res.Game.ID
	}
	if res.Challenge != nil {
		body["challenge_id"] = res.Challenge.ID
		body["status"] = string(res.Challenge.Status)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	playerID, req, ok := s.matchAuth(w, r)
	if !ok {
		return
	}
	c, err := s.matches.Direct(r.Context(), playerID, req.ChallengedID, req.BoardSize, req.TimeControl)
	if err != nil {
		matchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": c.ID,
		"status":       string(c.Status),
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	playerID, req, ok := s.matchAuth(w, r)
	if !ok {
		return
	}
	g, err := s.matches.Accept(r.Context(), req.ChallengeID, playerID)
	if err != nil {
		matchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game_id": g.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	playerID, req, ok := s.matchAuth(w, r)
	if !ok {
		return
	}
	if err := s.matches.Cancel(r.Context(), req.ChallengeID, playerID); err != nil {
		matchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

// matchAuth authenticates a matchmaking POST and decodes its body.
func (s *Server) matchAuth(w http.ResponseWriter, r *http.Request) (int64, matchRequest, bool) {
	var req matchRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return 0, req, false
	}
	playerID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return 0, req, false
	}
	return playerID, req, true
}

func matchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrChallengeNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, game.ErrChallengeNotOpen):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		obslog.L().Debug("gateway_write_json_failed", zap.Error(err))
	}
}
