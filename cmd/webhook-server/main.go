// Package main is the entrypoint for the webhook receiver.
//
// The receiver accepts billing-provider deliveries, verifies them, persists an
// event row, books the processing job, and acknowledges with 200. Processing
// itself runs in the webhook-worker binary.
//
// Cold start:
//  1. Initialize structured logger.
//  2. Load configuration from the environment.
//  3. Open the PostgreSQL pool and the broker connection manager.
//  4. Assemble verifiers, ingestion service, and the HTTP chassis.
//  5. Serve until SIGINT/SIGTERM, then drain.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"estacao/internal/api"
	"estacao/internal/broker"
	"estacao/internal/config"
	"estacao/internal/db"
	"estacao/internal/external"
	"estacao/internal/types"
	"estacao/internal/webhooks"
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

	eventRepo := db.NewWebhookEventRepo(pool)
	service := webhooks.NewService(eventRepo, manager.WebhookQueue(), clock, logger)

	receiver := api.NewReceiver(
		service,
		external.NewVindiVerifier(cfg.Webhook.VindiSecret),
		external.NewStripeVerifier(cfg.Webhook.StripeSecret),
		api.ReceiverConfig{MaxBodyBytes: cfg.Webhook.MaxBodyBytes},
		logger,
	)
	server := api.NewServer(cfg.Server, receiver, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server drain failed", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("webhook receiver stopped")
}
