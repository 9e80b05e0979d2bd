package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/park285/Tonsil-Baduk-server/internal/config"
	"github.com/park285/Tonsil-Baduk-server/internal/eventbus"
	"github.com/park285/Tonsil-Baduk-server/internal/game"
	"github.com/park285/Tonsil-Baduk-server/internal/gateway"
	"github.com/park285/Tonsil-Baduk-server/internal/match"
	"github.com/park285/Tonsil-Baduk-server/internal/msgcat"
	"github.com/park285/Tonsil-Baduk-server/internal/notify"
	"github.com/park285/Tonsil-Baduk-server/internal/obslog"
	"github.com/park285/Tonsil-Baduk-server/internal/registry"
	"github.com/park285/Tonsil-Baduk-server/internal/scoring"
	"github.com/park285/Tonsil-Baduk-server/internal/session"
	"github.com/park285/Tonsil-Baduk-server/internal/store"
	"github.com/park285/Tonsil-Baduk-server/internal/timersvc"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis_url_invalid", zap.Error(err))
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("redis_unreachable", zap.Error(err))
	}
	cancel()

	// DATABASE_URL 없으면 메모리 저장소로 뜬다 (개발/테스트용).
	var st store.Store
	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres_connect_failed", zap.Error(err))
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("postgres_schema_failed", zap.Error(err))
		}
		st = pg
	} else {
		logger.Warn("using_memory_store")
		st = store.NewMem()
	}

	catalog, err := msgcat.New(cfg.MessageTemplateDir)
	if err != nil {
		logger.Fatal("message_catalog_failed", zap.Error(err))
	}

	bus := eventbus.New(rdb)
	reg := registry.New(bus, st, cfg.DisconnectGrace)

	timers := timersvc.New(rdb, st, bus, timersvc.Options{
		LeaseTTL:          cfg.TimerLeaseTTL,
		HeartbeatInterval: cfg.TimerHeartbeatInterval,
		ElectionInterval:  cfg.TimerElectionInterval,
	})

	webhook := notify.NewWebhook(cfg.NotifyWebhookURL)
	timers.OnTimeout = func(g *game.Game) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		webhook.GameOver(ctx, g)
	}

	sessions := session.NewManager(st, bus, reg, timers, webhook)
	matches := match.New(st, bus, sessions,
		match.WithStaleWindow(cfg.ChallengeStaleWindow),
		match.WithSweepInterval(cfg.ChallengeSweepInterval),
	)
	scores := scoring.New(rdb)

	runCtx, stop := context.WithCancel(context.Background())
	timers.Start(runCtx)
	go matches.RunSweeper(runCtx)

	gw := gateway.NewServer(sessions, matches, scores, reg, gateway.HeaderAuth{},
		gateway.WithCatalog(catalog))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server_listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server_failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown_begin")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server_shutdown_failed", zap.Error(err))
	}
	shutCancel()

	stop()
	timers.Stop()
	bus.Close()
	_ = rdb.Close()
	if pg != nil {
		_ = pg.Close()
	}
	logger.Info("shutdown_complete")
}
