package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/match"
	"github.com/park285/Tonsil-Baduk-server/internal/msgcat"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
	"github.com/park285/Tonsil-Baduk-server/internal/registry"
	"github.com/park285/Tonsil-Baduk-server/internal/scoring"
	"github.com/park285/Tonsil-Baduk-server/internal/session"
)

// Authenticator resolves the player behind an upgrade request. The
// auth collaborator owns identities; this service only needs the id.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

// HeaderAuth trusts the identity header stamped by the fronting auth
// proxy. 실제 인증은 앞단에서 끝난 상태로 들어온다.
type HeaderAuth struct {
	Header string // empty means X-Player-ID
}

func (a HeaderAuth) Authenticate(r *http.Request) (int64, error) {
	name := a.Header
	if name == "" {
		name = "X-Player-ID"
	}
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(name)), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("missing player identity")
	}
	return id, nil
}

// challengePollInterval drives the waiting stream for parked
// challenges; waiters give up after challengeWaitLimit.
const (
	challengePollInterval = time.Second
	challengeWaitLimit    = 10 * time.Second
)

// Server terminates WebSocket traffic and routes client commands into
// the session and matchmaking layers.
type Server struct {
	sessions *session.Manager
	matches  *match.Service
	scores   *scoring.Service
	registry *registry.Registry
	auth     Authenticator
	catalog  *msgcat.Catalog
}

type Option func(*Server)

// WithCatalog localizes rejection frames through the message catalog.
func WithCatalog(c *msgcat.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

func NewServer(sessions *session.Manager, matches *match.Service, scores *scoring.Service, reg *registry.Registry, auth Authenticator, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		matches:  matches,
		scores:   scores,
		registry: reg,
		auth:     auth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler exposes the WebSocket routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/game/", s.handleGame)
	mux.HandleFunc("/ws/challenge/", s.handleChallenge)
	mux.HandleFunc("/match/seek", s.handleSeek)
	mux.HandleFunc("/match/direct", s.handleDirect)
	mux.HandleFunc("/match/accept", s.handleAccept)
	mux.HandleFunc("/match/cancel", s.handleCancel)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func pathID(path, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(rest, "/"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// command is one inbound client frame on a game socket.
type command struct {
	Action      string `json:"action"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	MoveNumber  int    `json:"move_number"`
	BlackPoints int    `json:"black_points"`
	WhitePoints int    `json:"white_points"`
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(r.URL.Path, "/ws/game/")
	if !ok {
		http.Error(w, "bad game id", http.StatusBadRequest)
		return
	}
	playerID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g, err := s.sessions.Get(r.Context(), gameID)
	if err != nil {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}
	if !g.IsParticipant(playerID) {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("gateway_accept_failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws)

	ctx := context.Background()
	if g.Status.Terminal() {
		// 끝난 대국은 최종 국면만 보내고 닫는다.
		_ = s.resync(ctx, conn, gameID)
		_ = ws.Close(websocket.StatusNormalClosure, "game over")
		return
	}
	s.registry.Connect(ctx, gameID, playerID, conn)
	defer s.registry.Disconnect(ctx, gameID, playerID, conn)

	// First frame is always the full snapshot.
	if err := s.resync(ctx, conn, gameID); err != nil {
		return
	}

	obslog.L().Info("gateway_socket_open",
		zap.Int64("game_id", gameID), zap.Int64("player_id", playerID))
	s.readLoop(ctx, ws, conn, gameID, playerID)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, gameID, playerID int64) {
	for {
		var cmd command
		if err := wsjson.Read(ctx, ws, &cmd); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 || status == websocket.StatusGoingAway || status == websocket.StatusNormalClosure {
				return
			}
			obslog.L().Debug("gateway_read_failed", zap.Error(err))
			return
		}
		s.dispatch(ctx, conn, gameID, playerID, cmd)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, gameID, playerID int64, cmd command) {
	var err error
	switch cmd.Action {
	case "move":
		_, err = s.sessions.SubmitMove(ctx, gameID, playerID, cmd.X, cmd.Y)
	case "pass":
		_, err = s.sessions.Pass(ctx, gameID, playerID)
	case "resign":
		_, err = s.sessions.Resign(ctx, gameID, playerID)
	case "offer_draw":
		_, err = s.sessions.OfferDraw(ctx, gameID, playerID)
	case "accept_draw":
		_, err = s.sessions.AcceptDraw(ctx, gameID, playerID)
	case "submit_score":
		err = s.submitScore(ctx, gameID, playerID, cmd)
	case "ping":
		err = s.pong(ctx, conn, gameID, cmd.MoveNumber)
	default:
		s.sendError(ctx, conn, "unknown_action", cmd.Action)
		return
	}
	if err != nil {
		s.reject(ctx, conn, gameID, cmd, err)
	}
}

// pong answers a keepalive. A client reporting an older move number
// than the server's also gets the full snapshot to catch up.
func (s *Server) pong(ctx context.Context, conn *wsConn, gameID int64, moveNumber int) error {
	if msg, err := eventbus.NewStateMessage(eventbus.TypePong, map[string]any{"t": time.Now().Unix()}); err == nil {
		_ = conn.Send(ctx, msg)
	}
	g, err := s.sessions.Get(ctx, gameID)
	if err != nil {
		return err
	}
	if moveNumber >= g.MoveCount {
		return nil
	}
	return s.resync(ctx, conn, gameID)
}

// submitScore records a manual count and finalizes once both players
// agree.
func (s *Server) submitScore(ctx context.Context, gameID, playerID int64, cmd command) error {
	g, err := s.sessions.Get(ctx, gameID)
	if err != nil {
		return err
	}
	if !g.IsParticipant(playerID) {
		return game.ErrNotAParticipant
	}
	if err := s.scores.Submit(ctx, gameID, playerID, scoring.Proposal{
		BlackPoints: cmd.BlackPoints,
		WhitePoints: cmd.WhitePoints,
	}); err != nil {
		return err
	}
	agreed, err := s.scores.Agreement(ctx, gameID, g.BlackPlayerID, g.WhitePlayerID)
	if err != nil || agreed == nil {
		return err
	}
	if _, err := s.sessions.FinalizeScore(ctx, gameID, agreed.BlackPoints, agreed.WhitePoints); err != nil {
		return err
	}
	return s.scores.Clear(ctx, gameID, g.BlackPlayerID, g.WhitePlayerID)
}

// reject answers a refused command: the reason, then the unchanged
// snapshot so the client can repaint.
func (s *Server) reject(ctx context.Context, conn *wsConn, gameID int64, cmd command, err error) {
	kind, key := rejectionKey(err)
	reason := err.Error()
	if s.catalog != nil && key != "" {
		// 메시지 카탈로그가 있으면 사람이 읽을 문구로 바꾼다.
		if rendered, rerr := s.catalog.Render(key, map[string]any{
			"X": cmd.X, "Y": cmd.Y,
		}); rerr == nil {
			reason = rendered
		}
	}
	s.sendError(ctx, conn, kind, reason)
	_ = s.resync(ctx, conn, gameID)
}

// rejectionKey classifies a refused command for the error frame and
// picks the matching catalog template, when one exists.
func rejectionKey(err error) (kind, key string) {
	if re := baduk.AsRule(err); re != nil {
		kind = string(re.Kind)
		return kind, "rules." + kind
	}
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		return "not_your_turn", "rules.not_your_turn"
	case errors.Is(err, game.ErrGameNotActive):
		return "game_not_active", "session.not_active"
	case errors.Is(err, game.ErrNotAParticipant):
		return "not_a_participant", "session.not_participant"
	case errors.Is(err, session.ErrOutOfTime):
		return "out_of_time", "session.out_of_time"
	case errors.Is(err, game.ErrNoDrawOffer):
		return "no_draw_offer", "session.no_draw_offer"
	case errors.Is(err, game.ErrOwnDrawOffer):
		return "own_draw_offer", "session.own_draw_offer"
	}
	return "invalid_request", ""
}

func (s *Server) sendError(ctx context.Context, conn *wsConn, kind, reason string) {
	msg, err := eventbus.NewStateMessage(eventbus.TypeError, map[string]any{
		"kind":   kind,
		"reason": reason,
	})
	if err != nil {
		return
	}
	_ = conn.Send(ctx, msg)
}

func (s *Server) resync(ctx context.Context, conn *wsConn, gameID int64) error {
	msg, err := s.sessions.StateMessage(ctx, gameID)
	if err != nil {
		return err
	}
	return conn.Send(ctx, msg)
}

// handleChallenge streams the status of a parked challenge until it
// matches, lapses, or the wait limit passes.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := pathID(r.URL.Path, "/ws/challenge/")
	if !ok {
		http.Error(w, "bad challenge id", http.StatusBadRequest)
		return
	}
	if _, err := s.auth.Authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	ctx, cancel := context.WithTimeout(r.Context(), challengeWaitLimit)
	defer cancel()

	ticker := time.NewTicker(challengePollInterval)
	defer ticker.Stop()
	for {
		c, err := s.matches.Status(ctx, challengeID)
		if errors.Is(err, game.ErrChallengeNotFound) {
			_ = wsjson.Write(ctx, ws, map[string]any{"status": string(game.ChallengeExpired)})
			return
		}
		if err != nil {
			return
		}
		frame := map[string]any{"challenge_id": c.ID, "status": string(c.Status)}
		if c.GameID != nil {
			frame["game_id"] = *c.GameID
		}
		if err := wsjson.Write(ctx, ws, frame); err != nil {
			return
		}
		if c.Status != game.ChallengeOpen {
			return
		}
		select {
		case <-ctx.Done():
			_ = wsjson.Write(context.Background(), ws, map[string]any{"status": string(game.ChallengeExpired)})
			return
		case <-ticker.C:
		}
	}
}
