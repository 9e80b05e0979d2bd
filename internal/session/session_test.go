package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
	"github.com/park285/Tonsil-Baduk-server/internal/timersvc"
)

const (
	blackID int64 = 101
	whiteID int64 = 202
)

type recordingNotifier struct {
	games []*game.Game
}

func (n *recordingNotifier) GameOver(_ context.Context, g *game.Game) {
	n.games = append(n.games, g)
}

type env struct {
	mr      *miniredis.Miniredis
	store   *store.Mem
	manager *Manager
	timers  *timersvc.Service
	notify  *recordingNotifier
}

func newEnv(t *testing.T) *env {
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
	timers := timersvc.New(rdb, st, bus, timersvc.Options{})
	n := &recordingNotifier{}
	m := NewManager(st, bus, nil, timers, n)
	return &env{mr: mr, store: st, manager: m, timers: timers, notify: n}
}

func (e *env) createGame(t *testing.T, timeControl int) *game.Game {
	t.Helper()
	g, err := e.manager.Create(context.Background(), blackID, whiteID, 9, timeControl)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return g
}

func TestCreateRejectsBadBoardSize(t *testing.T) {
	e := newEnv(t)
	if _, err := e.manager.Create(context.Background(), blackID, whiteID, 10, 0); err != game.ErrBadBoardSize {
		t.Fatalf("expected ErrBadBoardSize, got %v", err)
	}
}

func TestCreateArmsOpeningLease(t *testing.T) {
	e := newEnv(t)
	g := e.createGame(t, game.ControlBlitz)
	key := fmt.Sprintf("timer:%d:white", g.ID)
	if !e.mr.Exists(key) {
		t.Fatal("white's opening lease not armed")
	}
	if ttl := e.mr.TTL(key); ttl != 300*time.Second {
		t.Fatalf("lease ttl = %v, want 300s", ttl)
	}
}

func TestUntimedGameArmsNoLease(t *testing.T) {
	e := newEnv(t)
	g := e.createGame(t, game.ControlNone)
	if e.mr.Exists(fmt.Sprintf("timer:%d:white", g.ID)) {
		t.Fatal("untimed game must not arm a lease")
	}
}

func TestSubmitMoveHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, game.ControlBlitz)

	got, err := e.manager.SubmitMove(ctx, g.ID, whiteID, 2, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.MoveCount != 1 {
		t.Fatalf("move count = %d", got.MoveCount)
	}
	if got.Board.At(2, 2) != baduk.White {
		t.Fatal("stone missing from board")
	}

	last, err := e.store.LastMove(ctx, g.ID)
	if err != nil || last == nil {
		t.Fatalf("last move: %v %v", last, err)
	}
	if last.MoveNumber != 1 || last.Color != baduk.White {
		t.Fatalf("unexpected move record: %+v", last)
	}

	// Lease handoff: white's lease dropped, black's armed.
	if e.mr.Exists(fmt.Sprintf("timer:%d:white", g.ID)) {
		t.Fatal("mover's lease should be cancelled")
	}
	if !e.mr.Exists(fmt.Sprintf("timer:%d:black", g.ID)) {
		t.Fatal("opponent's lease should be armed")
	}
}

func TestSubmitMoveOutOfTurn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, 0)

	if _, err := e.manager.SubmitMove(ctx, g.ID, blackID, 2, 2); err != game.ErrNotYourTurn {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	got, _ := e.store.GetGame(ctx, g.ID)
	if got.MoveCount != 0 {
		t.Fatal("rejected move mutated the game")
	}
}

func TestSubmitMoveRuleRejectionLeavesStateUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, 0)

	if _, err := e.manager.SubmitMove(ctx, g.ID, whiteID, 3, 3); err != nil {
		t.Fatalf("first move: %v", err)
	}
	_, err := e.manager.SubmitMove(ctx, g.ID, blackID, 3, 3)
	re := baduk.AsRule(err)
	if re == nil || re.Kind != baduk.KindOccupied {
		t.Fatalf("expected occupied rejection, got %v", err)
	}
	got, _ := e.store.GetGame(ctx, g.ID)
	if got.MoveCount != 1 {
		t.Fatalf("move count = %d after rejection", got.MoveCount)
	}
}

func TestSubmitMoveByOutsider(t *testing.T) {
	e := newEnv(t)
	g := e.createGame(t, 0)
	if _, err := e.manager.SubmitMove(context.Background(), g.ID, 999, 2, 2); err != game.ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestLazyTimeoutEndsGameOnMoveAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, game.ControlBlitz)

	base := time.Now().UTC()
	e.manager.now = func() time.Time { return base }
	if _, err := e.manager.SubmitMove(ctx, g.ID, whiteID, 2, 2); err != nil {
		t.Fatalf("white opening: %v", err)
	}
	if _, err := e.manager.SubmitMove(ctx, g.ID, blackID, 3, 3); err != nil {
		t.Fatalf("black opening: %v", err)
	}

	// White sits past the whole budget before moving again.
	e.manager.now = func() time.Time { return base.Add(time.Duration(game.ControlBlitz+5) * time.Second) }
	if _, err := e.manager.SubmitMove(ctx, g.ID, whiteID, 4, 4); err != ErrOutOfTime {
		t.Fatalf("expected ErrOutOfTime, got %v", err)
	}

	got, _ := e.store.GetGame(ctx, g.ID)
	if got.Status != game.StatusBlackWonTimeout {
		t.Fatalf("status = %s", got.Status)
	}
	if len(e.notify.games) != 1 {
		t.Fatalf("notifier calls = %d", len(e.notify.games))
	}
}

func TestClockBillingAcrossMoves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, game.ControlRapid)

	base := time.Now().UTC()
	e.manager.now = func() time.Time { return base }
	mustMove := func(pid int64, x, y int) *game.Game {
		t.Helper()
		got, err := e.manager.SubmitMove(ctx, g.ID, pid, x, y)
		if err != nil {
			t.Fatalf("move (%d,%d): %v", x, y, err)
		}
		return got
	}

	mustMove(whiteID, 2, 2)
	e.manager.now = func() time.Time { return base.Add(3 * time.Second) }
	mustMove(blackID, 3, 3)
	e.manager.now = func() time.Time { return base.Add(10 * time.Second) }
	got := mustMove(whiteID, 4, 4)

	// Openings are free; white's second move is billed from black's
	// stamp at +3s to now at +10s.
	if got.BlackTimeUsed != 0 {
		t.Fatalf("black time used = %d", got.BlackTimeUsed)
	}
	if got.WhiteTimeUsed != 7 {
		t.Fatalf("white time used = %d, want 7", got.WhiteTimeUsed)
	}
}

func TestDoublePassScoresGame(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, 0)

	// Each side walls off one corner point; the rest of the board
	// touches both colors and stays neutral.
	moves := []struct {
		pid  int64
		x, y int
	}{
		{whiteID, 1, 0}, {blackID, 8, 7},
		{whiteID, 0, 1}, {blackID, 7, 8},
	}
	for _, mv := range moves {
		if _, err := e.manager.SubmitMove(ctx, g.ID, mv.pid, mv.x, mv.y); err != nil {
			t.Fatalf("move (%d,%d): %v", mv.x, mv.y, err)
		}
	}

	if _, err := e.manager.Pass(ctx, g.ID, whiteID); err != nil {
		t.Fatalf("white pass: %v", err)
	}
	mid, _ := e.store.GetGame(ctx, g.ID)
	if mid.Status != game.StatusActive {
		t.Fatalf("single pass ended the game: %s", mid.Status)
	}

	got, err := e.manager.Pass(ctx, g.ID, blackID)
	if err != nil {
		t.Fatalf("black pass: %v", err)
	}
	if got.Status.Terminal() == false {
		t.Fatalf("double pass should end the game, status %s", got.Status)
	}
	// One corner point each, no captures: drawn.
	if got.WhiteTerritory != 1 || got.BlackTerritory != 1 {
		t.Fatalf("territory black=%d white=%d", got.BlackTerritory, got.WhiteTerritory)
	}
	if got.Status != game.StatusDraw {
		t.Fatalf("status = %s, want DRAW", got.Status)
	}
	if len(e.notify.games) != 1 {
		t.Fatalf("notifier calls = %d", len(e.notify.games))
	}
}

func TestResign(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, game.ControlBlitz)

	got, err := e.manager.Resign(ctx, g.ID, blackID)
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if got.Status != game.StatusWhiteWonResignation {
		t.Fatalf("status = %s", got.Status)
	}
	if got.WinnerID() != whiteID {
		t.Fatalf("winner = %d", got.WinnerID())
	}
	// Game over clears clock leases.
	if e.mr.Exists(fmt.Sprintf("timer:%d:white", g.ID)) {
		t.Fatal("lease survived game over")
	}
	if _, err := e.manager.Resign(ctx, g.ID, whiteID); err != game.ErrGameNotActive {
		t.Fatalf("resign on finished game: %v", err)
	}
}

func TestDrawOfferLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, 0)

	if _, err := e.manager.AcceptDraw(ctx, g.ID, blackID); err != game.ErrNoDrawOffer {
		t.Fatalf("accept without offer: %v", err)
	}
	if _, err := e.manager.OfferDraw(ctx, g.ID, whiteID); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := e.manager.AcceptDraw(ctx, g.ID, whiteID); err != game.ErrOwnDrawOffer {
		t.Fatalf("accept own offer: %v", err)
	}
	got, err := e.manager.AcceptDraw(ctx, g.ID, blackID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != game.StatusDraw {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestMoveClearsPendingDrawOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, 0)

	if _, err := e.manager.OfferDraw(ctx, g.ID, whiteID); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := e.manager.SubmitMove(ctx, g.ID, whiteID, 2, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	got, _ := e.store.GetGame(ctx, g.ID)
	if got.HasDrawOffer() {
		t.Fatal("move should void the pending draw offer")
	}
	if _, err := e.manager.AcceptDraw(ctx, g.ID, blackID); err != game.ErrNoDrawOffer {
		t.Fatalf("accept after void: %v", err)
	}
}

func TestStateMessageSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.createGame(t, game.ControlRapid)

	msg, err := e.manager.StateMessage(ctx, g.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if msg.Type != eventbus.TypeGameState {
		t.Fatalf("type = %s", msg.Type)
	}
	if len(msg.Data) == 0 {
		t.Fatal("empty snapshot payload")
	}
}
