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

	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/archive"
	appcfg "github.com/chesslink/chesslink/internal/config"
	"github.com/chesslink/chesslink/internal/hotstore"
	"github.com/chesslink/chesslink/internal/httpapi"
	"github.com/chesslink/chesslink/internal/lifecycle"
	"github.com/chesslink/chesslink/internal/msgcat"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/protocol"
	"github.com/chesslink/chesslink/internal/session"
	"github.com/chesslink/chesslink/internal/sweeper"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	// Startup order: hot store, durable store, state, connection layer.
	// Teardown runs in reverse on SIGTERM/SIGINT.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := hotstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		obslog.L().Fatal("redis init error", zap.Error(err))
	}

	repo, err := archive.NewRepository(cfg.DatabaseURL)
	if err != nil {
		obslog.L().Fatal("archive init error", zap.Error(err))
	}
	if err := repo.Migrate(ctx); err != nil {
		obslog.L().Fatal("archive migrate error", zap.Error(err))
	}

	store := session.New(rdb, cfg.MaxActiveGamesPerIP)
	store.AttachArchiver(repo)

	fc := lifecycle.New(store, lifecycle.Config{
		ClaimWinTimeoutSec:    cfg.ClaimWinTimeoutSeconds,
		AbandonmentTimeoutSec: cfg.AbandonmentTimeoutSeconds,
	})

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		obslog.L().Fatal("message catalog error", zap.Error(err))
	}

	disp := protocol.New(fc, cat)

	sw := sweeper.New(rdb, store, sweeper.Config{
		Interval:              time.Duration(cfg.SweepIntervalMs) * time.Millisecond,
		WaitingMaxAge:         time.Duration(cfg.WaitingGameMaxAgeMs) * time.Millisecond,
		AbandonmentTimeoutSec: cfg.AbandonmentTimeoutSeconds,
	})
	go sw.Run(ctx)
	go disp.Hub().RunHeartbeat(ctx)

	api := httpapi.New(cfg, fc, disp, repo, rdb)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	obslog.L().Info("shutdown_begin")

	// Stop tickers, close peers with 1001, then the listener and stores.
	cancel()
	disp.Hub().Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = repo.Close()
	_ = rdb.Close()
	obslog.L().Info("shutdown_done")
}
