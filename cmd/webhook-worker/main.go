// Package main is the entrypoint for the webhook worker.
//
// The worker consumes webhook processing jobs recorded by the receiver, runs
// the per-event state machine, and drives the follow-up queue that carries
// the deferred half of settled payments.
//
// Cold start:
//  1. Initialize structured logger.
//  2. Load configuration.
//  3. Open the PostgreSQL pool and the broker connection manager.
//  4. Assemble the processor and follow-up handler with the billing client.
//  5. Run both worker pools under one errgroup until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

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
	billingRepo := db.NewBillingRepo(pool)

	var billFetcher webhooks.BillFetcher
	if cfg.Billing.VindiAPIKey.Unmask() != "" {
		base := external.NewBaseClient(
			&http.Client{Timeout: 15 * time.Second},
			"vindi",
			external.DefaultRetryPolicy(),
			"estacao-core/1.0",
		)
		billFetcher = external.NewVindiClient(cfg.Billing, base)
	}

	processor := webhooks.NewProcessor(
		eventRepo,
		billingRepo,
		manager.FollowUpQueue(),
		manager.RenewalQueue(),
		billFetcher,
		clock,
		logger,
	)
	followUp := webhooks.NewFollowUp(
		billingRepo,
		eventRepo,
		billFetcher,
		cfg.Webhook.ArchiveAfter,
		clock,
		logger,
	)

	processingWorker := broker.NewWorker(manager.WebhookQueue(), processor.Handle, cfg.Webhook.Concurrency, logger)
	followUpWorker := broker.NewWorker(manager.FollowUpQueue(), followUp.Handle, cfg.Webhook.FollowUpConcurrency, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processingWorker.Run(gctx) })
	g.Go(func() error { return followUpWorker.Run(gctx) })

	logger.Info("webhook worker running",
		"processing_concurrency", cfg.Webhook.Concurrency,
		"followup_concurrency", cfg.Webhook.FollowUpConcurrency,
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("webhook worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("webhook worker stopped")
}
