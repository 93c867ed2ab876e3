// Package main is the entrypoint for the credential worker.
//
// The worker owns everything that makes session credentials exist on time:
// the delayed-job consumer pool, the three sweep tiers behind it, and the
// daily agenda batch timer.
//
// Cold start:
//  1. Initialize structured logger.
//  2. Load configuration and the platform timezone.
//  3. Open the PostgreSQL pool and the broker connection manager.
//  4. Assemble minter, executor, resolver, scheduler, sweepers.
//  5. Run all loops under one errgroup until SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"estacao/internal/broker"
	"estacao/internal/config"
	"estacao/internal/db"
	"estacao/internal/external"
	"estacao/internal/scheduler"
	"estacao/internal/tokens"
	"estacao/internal/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(".env")
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	logger = logger.With("service", cfg.Service, "env", cfg.Environment)

	location, err := cfg.Location()
	if err != nil {
		logger.Error("platform timezone unavailable", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("database pool initialization failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	clock := types.RealClock{}
	manager := broker.NewManager(cfg.Redis, clock, logger)
	defer manager.Close()

	sessions := db.NewSessionRepo(pool)
	platform := db.NewPlatformConfigRepo(pool)

	minter := external.NewRTCMinter(cfg.RTC, clock)
	executor := tokens.NewExecutor(sessions, minter, logger)
	resolver := scheduler.NewResolver(sessions, location)
	tokenScheduler := scheduler.NewTokenScheduler(
		sessions, resolver, executor, manager.CredentialQueue(), clock, logger,
	)

	handler := func(ctx context.Context, job *broker.Job) error {
		var payload types.CredentialJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			logger.ErrorContext(ctx, "credential job payload undecodable", "job_id", job.ID, "error", err)
			return nil
		}
		return executor.Generate(ctx, payload.SessionID)
	}
	worker := broker.NewWorker(manager.CredentialQueue(), handler, cfg.Scheduler.CredentialConcurrency, logger)

	tiers := []*scheduler.Sweeper{
		scheduler.NewSweeper(scheduler.PrimaryCatchupTier(), sessions, executor, tokenScheduler, location, clock, logger),
		scheduler.NewSweeper(scheduler.SecondaryNetTier(), sessions, executor, tokenScheduler, location, clock, logger),
		scheduler.NewSweeper(scheduler.VerificationTier(), sessions, executor, tokenScheduler, location, clock, logger),
	}

	dailyBatch := scheduler.NewDailyBatch(platform, manager.AgendaQueue(), location, clock, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	for _, tier := range tiers {
		g.Go(func() error { return tier.Run(gctx) })
	}
	g.Go(func() error { return dailyBatch.Run(gctx) })
	g.Go(func() error { return serveHealth(gctx, logger) })

	logger.Info("credential worker running",
		"concurrency", cfg.Scheduler.CredentialConcurrency,
		"timezone", cfg.Timezone,
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("credential worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("credential worker stopped")
}

// serveHealth exposes a liveness probe for the orchestrator.
func serveHealth(ctx context.Context, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: ":8081", Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("health endpoint listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
