package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	NotifyWebhookURL string

	DisconnectGrace time.Duration

	TimerLeaseTTL          time.Duration
	TimerHeartbeatInterval time.Duration
	TimerElectionInterval  time.Duration

	ChallengeStaleWindow   time.Duration
	ChallengeSweepInterval time.Duration

	MessageTemplateDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:             ":8080",
		DisconnectGrace:        10 * time.Second,
		TimerLeaseTTL:          120 * time.Second,
		TimerHeartbeatInterval: 20 * time.Second,
		TimerElectionInterval:  40 * time.Second,
		ChallengeStaleWindow:   10 * time.Second,
		ChallengeSweepInterval: 30 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.MessageTemplateDir = strings.TrimSpace(os.Getenv("MESSAGE_TEMPLATE_DIR"))

	loadSeconds := func(env string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = time.Duration(n) * time.Second
			}
		}
	}
	loadSeconds("DISCONNECT_GRACE_SEC", &cfg.DisconnectGrace)
	loadSeconds("TIMER_LEASE_TTL_SEC", &cfg.TimerLeaseTTL)
	loadSeconds("TIMER_HEARTBEAT_SEC", &cfg.TimerHeartbeatInterval)
	loadSeconds("TIMER_ELECTION_SEC", &cfg.TimerElectionInterval)
	loadSeconds("CHALLENGE_STALE_SEC", &cfg.ChallengeStaleWindow)
	loadSeconds("CHALLENGE_SWEEP_SEC", &cfg.ChallengeSweepInterval)

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}
