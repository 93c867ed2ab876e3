package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"estacao/internal/types"
)

// GenerationTimeSource reads the platform's configured daily generation time
// as "HH:mm".
type GenerationTimeSource interface {
	DailyGenerationTime(ctx context.Context) (string, error)
}

// DailyBatch arms the unrelated daily agenda-generation job at the civil time
// configured in platform settings. It shares the credential scheduler's
// broker but nothing else.
type DailyBatch struct {
	source   GenerationTimeSource
	queue    DelayedEnqueuer
	location *time.Location
	clock    types.Clock
	logger   *slog.Logger
}

// NewDailyBatch builds the daily batch scheduler.
func NewDailyBatch(
	source GenerationTimeSource,
	queue DelayedEnqueuer,
	location *time.Location,
	clock types.Clock,
	logger *slog.Logger,
) *DailyBatch {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyBatch{
		source:   source,
		queue:    queue,
		location: location,
		clock:    clock,
		logger:   logger,
	}
}

// NextRunDelay computes how long until the next configured run. A time
// already past today rolls to tomorrow.
func (d *DailyBatch) NextRunDelay(ctx context.Context) (time.Duration, error) {
	raw, err := d.source.DailyGenerationTime(ctx)
	if err != nil {
		return 0, err
	}

	at, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("platform daily generation time %q is not HH:mm", raw),
			err,
		)
	}

	now := d.clock.Now().In(d.location)
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, d.location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now), nil
}

// Run books the agenda job for the next configured time, then re-arms itself
// after each firing until ctx is canceled.
func (d *DailyBatch) Run(ctx context.Context) error {
	for {
		delay, err := d.NextRunDelay(ctx)
		if err != nil {
			d.logger.ErrorContext(ctx, "cannot arm daily generation, retrying in an hour", "error", err)
			delay = time.Hour
		} else {
			jobID := "agenda:" + d.clock.Now().In(d.location).Add(delay).Format("2006-01-02")
			if err := d.queue.EnqueueDelayed(ctx, types.JobGenerateAgenda, jobID, struct{}{}, delay); err != nil {
				d.logger.ErrorContext(ctx, "failed to book daily generation job", "error", err)
			} else {
				d.logger.InfoContext(ctx, "daily generation booked", "delay", delay)
			}
		}

		timer := time.NewTimer(delay + time.Minute)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
