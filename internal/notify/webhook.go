package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
)

// Webhook posts finished-game results to an external collaborator
// (ratings, history, notifications). An empty URL disables it.
type Webhook struct {
	url  string
	http *fasthttp.Client

	timeout  time.Duration
	retryMax int
}

type Option func(*Webhook)

func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) { w.timeout = d }
}

func WithRetry(max int) Option {
	return func(w *Webhook) { w.retryMax = max }
}

func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:      strings.TrimSpace(url),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		timeout:  10 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enabled reports whether a destination is configured.
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

type gameOverPayload struct {
	Event         string    `json:"event"`
	GameID        int64     `json:"game_id"`
	BlackPlayerID int64     `json:"black_player_id"`
	WhitePlayerID int64     `json:"white_player_id"`
	Status        string    `json:"status"`
	WinnerID      int64     `json:"winner_id,omitempty"`
	BlackPoints   int       `json:"black_points"`
	WhitePoints   int       `json:"white_points"`
	MoveCount     int       `json:"move_count"`
	FinishedAt    time.Time `json:"finished_at"`
}

// GameOver implements session.Notifier. Delivery is best-effort and
// never blocks game flow; failures are logged and dropped.
func (w *Webhook) GameOver(ctx context.Context, g *game.Game) {
	if !w.Enabled() {
		return
	}
	payload := gameOverPayload{
		Event:         "game_over",
		GameID:        g.ID,
		BlackPlayerID: g.BlackPlayerID,
		WhitePlayerID: g.WhitePlayerID,
		Status:        string(g.Status),
		WinnerID:      g.WinnerID(),
		BlackPoints:   g.BlackPoints,
		WhitePoints:   g.WhitePoints,
		MoveCount:     g.MoveCount,
		FinishedAt:    time.Now().UTC(),
	}
	if err := w.postJSON(ctx, payload); err != nil {
		obslog.L().Warn("notify_webhook_failed",
			zap.Int64("game_id", g.ID), zap.Error(err))
		return
	}
	obslog.L().Debug("notify_webhook_sent", zap.Int64("game_id", g.ID))
}

func (w *Webhook) postJSON(ctx context.Context, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(w.url)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	attempts := w.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := time.Now().Add(w.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := w.http.DoDeadline(req, resp, deadline); err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else if status := resp.StatusCode(); status < 200 || status >= 300 {
			lastErr = fmt.Errorf("webhook status=%d", status)
			if status >= 400 && status < 500 {
				return lastErr
			}
		} else {
			return nil
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}
	return lastErr
}
