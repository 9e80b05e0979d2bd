package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/match"
	"github.com/park285/Tonsil-Baduk-server/internal/msgcat"
	"github.com/park285/Tonsil-Baduk-server/internal/registry"
	"github.com/park285/Tonsil-Baduk-server/internal/scoring"
	"github.com/park285/Tonsil-Baduk-server/internal/session"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
)

type testRig struct {
	srv      *httptest.Server
	store    *store.Mem
	sessions *session.Manager
	matches  *match.Service
}

func newRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })

	bus := eventbus.New(rdb)
	t.Cleanup(bus.Close)
	st := store.NewMem()
	reg := registry.New(bus, st, time.Second)
	sessions := session.NewManager(st, bus, reg, nil, nil)
	matches := match.New(st, bus, sessions)
	scores := scoring.New(rdb)

	gw := NewServer(sessions, matches, scores, reg, HeaderAuth{}, opts...)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testRig{srv: srv, store: st, sessions: sessions, matches: matches}
}

func (r *testRig) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + path
}

func dialGame(t *testing.T, r *testRig, gameID, playerID int64) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := http.Header{}
	h.Set("X-Player-ID", strconv.FormatInt(playerID, 10))
	c, _, err := websocket.Dial(ctx, r.wsURL(fmt.Sprintf("/ws/game/%d", gameID)), &websocket.DialOptions{
		HTTPHeader: h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) eventbus.StateMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg eventbus.StateMessage
	if err := wsjson.Read(ctx, c, &msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func readUntil(t *testing.T, c *websocket.Conn, typ string) eventbus.StateMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFrame(t, c)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("frame of type %q never arrived", typ)
	return eventbus.StateMessage{}
}

func send(t *testing.T, c *websocket.Conn, cmd command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, cmd); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestGameSocketSendsInitialSnapshot(t *testing.T) {
	r := newRig(t)
	g, err := r.sessions.Create(context.Background(), 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialGame(t, r, g.ID, 1)
	msg := readFrame(t, c)
	if msg.Type != eventbus.TypeGameState {
		t.Fatalf("first frame type = %s", msg.Type)
	}
	var snap map[string]any
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if int64(snap["game_id"].(float64)) != g.ID {
		t.Fatalf("snapshot for wrong game: %v", snap["game_id"])
	}
}

func TestMoveFlowsToBothPlayers(t *testing.T) {
	r := newRig(t)
	g, err := r.sessions.Create(context.Background(), 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	black := dialGame(t, r, g.ID, 1)
	white := dialGame(t, r, g.ID, 2)
	readFrame(t, black)
	readFrame(t, white)

	send(t, white, command{Action: "move", X: 2, Y: 2})

	for _, c := range []*websocket.Conn{black, white} {
		msg := readUntil(t, c, eventbus.TypeGameState)
		var snap map[string]any
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if snap["move_count"].(float64) != 1 {
			t.Fatalf("move_count = %v", snap["move_count"])
		}
	}
}

func TestRejectedMoveGetsErrorThenResync(t *testing.T) {
	r := newRig(t)
	g, err := r.sessions.Create(context.Background(), 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	black := dialGame(t, r, g.ID, 1)
	readFrame(t, black)

	// Black cannot open; white moves first.
	send(t, black, command{Action: "move", X: 2, Y: 2})
	errMsg := readUntil(t, black, eventbus.TypeError)
	var payload map[string]any
	if err := json.Unmarshal(errMsg.Data, &payload); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if payload["kind"] == "" {
		t.Fatalf("error frame missing kind: %v", payload)
	}
	state := readUntil(t, black, eventbus.TypeGameState)
	var snap map[string]any
	if err := json.Unmarshal(state.Data, &snap); err != nil {
		t.Fatalf("unmarshal resync: %v", err)
	}
	if snap["move_count"].(float64) != 0 {
		t.Fatal("resync shows a mutated game")
	}
}

func TestCatalogLocalizesRejection(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := newRig(t, WithCatalog(cat))
	g, err := r.sessions.Create(context.Background(), 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	black := dialGame(t, r, g.ID, 1)
	readFrame(t, black)

	send(t, black, command{Action: "move", X: 5, Y: 5})
	errMsg := readUntil(t, black, eventbus.TypeError)
	var payload map[string]any
	if err := json.Unmarshal(errMsg.Data, &payload); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	want, err := cat.Render("rules.not_your_turn", map[string]any{"X": 5, "Y": 5})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if payload["reason"] != want {
		t.Fatalf("reason = %v, want %q", payload["reason"], want)
	}
}

func TestPingAnswersPongAndResyncsStaleClient(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	g, err := r.sessions.Create(ctx, 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.sessions.SubmitMove(ctx, g.ID, 2, 4, 4); err != nil {
		t.Fatalf("move: %v", err)
	}

	c := dialGame(t, r, g.ID, 1)
	readFrame(t, c)

	// 최신 클라이언트는 pong만 받는다.
	send(t, c, command{Action: "ping", MoveNumber: 1})
	if msg := readFrame(t, c); msg.Type != eventbus.TypePong {
		t.Fatalf("frame = %s, want pong", msg.Type)
	}

	// 뒤처진 클라이언트는 전체 국면도 받는다.
	send(t, c, command{Action: "ping", MoveNumber: 0})
	if msg := readFrame(t, c); msg.Type != eventbus.TypePong {
		t.Fatalf("frame = %s, want pong", msg.Type)
	}
	if msg := readFrame(t, c); msg.Type != eventbus.TypeGameState {
		t.Fatalf("frame = %s, want game_state", msg.Type)
	}
}

func TestScoreAgreementFinalizesGame(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	g, err := r.sessions.Create(ctx, 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	black := dialGame(t, r, g.ID, 1)
	white := dialGame(t, r, g.ID, 2)
	readFrame(t, black)
	readFrame(t, white)

	send(t, black, command{Action: "submit_score", BlackPoints: 30, WhitePoints: 25})
	send(t, white, command{Action: "submit_score", BlackPoints: 30, WhitePoints: 25})

	readUntil(t, black, eventbus.TypeGameOver)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.store.GetGame(ctx, g.ID)
		if err == nil && got.Status == game.StatusBlackWon {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("agreed score never finalized the game")
}

func TestUpgradeGuards(t *testing.T) {
	r := newRig(t)
	g, err := r.sessions.Create(context.Background(), 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// No identity header.
	resp, err := http.Get(r.srv.URL + fmt.Sprintf("/ws/game/%d", g.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// Outsider.
	req, _ := http.NewRequest(http.MethodGet, r.srv.URL+fmt.Sprintf("/ws/game/%d", g.ID), nil)
	req.Header.Set("X-Player-ID", "999")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	// Unknown game.
	req, _ = http.NewRequest(http.MethodGet, r.srv.URL+"/ws/game/424242", nil)
	req.Header.Set("X-Player-ID", "1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func postMatch(t *testing.T, r *testRig, path string, playerID int64, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, r.srv.URL+path, strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Player-ID", strconv.FormatInt(playerID, 10))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestMatchAPISeekParksAndPairs(t *testing.T) {
	r := newRig(t)

	resp, first := postMatch(t, r, "/match/seek", 1, map[string]any{"board_size": 9, "time_control": 0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seek status = %d", resp.StatusCode)
	}
	if first["status"] != string(game.ChallengeOpen) {
		t.Fatalf("first seek should park: %v", first)
	}

	resp, second := postMatch(t, r, "/match/seek", 2, map[string]any{"board_size": 9, "time_control": 0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seek status = %d", resp.StatusCode)
	}
	if _, ok := second["game_id"]; !ok {
		t.Fatalf("second seek should pair: %v", second)
	}
}

func TestMatchAPIDirectAcceptCancel(t *testing.T) {
	r := newRig(t)

	_, direct := postMatch(t, r, "/match/direct", 1, map[string]any{
		"board_size": 9, "time_control": 0, "challenged_id": 2,
	})
	challengeID := int64(direct["challenge_id"].(float64))

	resp, accepted := postMatch(t, r, "/match/accept", 2, map[string]any{"challenge_id": challengeID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status = %d", resp.StatusCode)
	}
	if _, ok := accepted["game_id"]; !ok {
		t.Fatalf("accept should return a game: %v", accepted)
	}

	// Accepting the same challenge again must conflict.
	resp, _ = postMatch(t, r, "/match/accept", 2, map[string]any{"challenge_id": challengeID})
	if resp.StatusCode == http.StatusOK {
		t.Fatal("double accept should fail")
	}

	// Cancel needs a live challenge owned by the caller.
	_, parked := postMatch(t, r, "/match/seek", 3, map[string]any{"board_size": 13, "time_control": 0})
	parkedID := int64(parked["challenge_id"].(float64))
	resp, _ = postMatch(t, r, "/match/cancel", 4, map[string]any{"challenge_id": parkedID})
	if resp.StatusCode == http.StatusOK {
		t.Fatal("cancel by a stranger should fail")
	}
	resp, _ = postMatch(t, r, "/match/cancel", 3, map[string]any{"challenge_id": parkedID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
}

func TestMatchAPIRequiresAuthAndPost(t *testing.T) {
	r := newRig(t)

	resp, err := http.Post(r.srv.URL+"/match/seek", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, r.srv.URL+"/match/seek", nil)
	req.Header.Set("X-Player-ID", "1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestChallengeStreamReportsMatch(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	res, err := r.matches.Seek(ctx, 1, 9, 0, false)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}

	h := http.Header{}
	h.Set("X-Player-ID", "1")
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(dialCtx, r.wsURL(fmt.Sprintf("/ws/challenge/%d", res.Challenge.ID)), &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	// First frame: still open.
	var frame map[string]any
	readCtx, rcancel := context.WithTimeout(ctx, 3*time.Second)
	defer rcancel()
	if err := wsjson.Read(readCtx, c, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame["status"] != string(game.ChallengeOpen) {
		t.Fatalf("status = %v", frame["status"])
	}

	// Another player takes the challenge; the stream must report the
	// game id on its next poll.
	paired, err := r.matches.Seek(ctx, 2, 9, 0, false)
	if err != nil {
		t.Fatalf("seek 2: %v", err)
	}

	readCtx2, rcancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel2()
	for {
		if err := wsjson.Read(readCtx2, c, &frame); err != nil {
			t.Fatalf("read matched frame: %v", err)
		}
		if frame["status"] == string(game.ChallengeMatched) {
			if int64(frame["game_id"].(float64)) != paired.Game.ID {
				t.Fatalf("wrong game id: %v", frame["game_id"])
			}
			return
		}
	}
}

func TestFinishedGameSocketClosesAfterFinalState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	g, err := r.sessions.Create(ctx, 1, 2, 9, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.sessions.Resign(ctx, g.ID, 1); err != nil {
		t.Fatalf("resign: %v", err)
	}

	c := dialGame(t, r, g.ID, 1)
	msg := readFrame(t, c)
	if msg.Type != eventbus.TypeGameState {
		t.Fatalf("first frame type = %s", msg.Type)
	}
	var snap map[string]any
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap["status"] != string(game.StatusWhiteWonResignation) {
		t.Fatalf("snapshot status = %v", snap["status"])
	}

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var discard eventbus.StateMessage
	rerr := wsjson.Read(rctx, c, &discard)
	if rerr == nil {
		t.Fatalf("extra frame after final state: %s", discard.Type)
	}
	if websocket.CloseStatus(rerr) != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v", websocket.CloseStatus(rerr))
	}
}
