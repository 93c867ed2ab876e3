package broker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one job delivery. A nil return acknowledges the job; an
// error hands it back to the queue for backoff and redelivery until the
// attempt cap.
type Handler func(ctx context.Context, job *Job) error

// Worker drives a queue: one promoter goroutine moves due delayed jobs onto
// the ready list, and a pool of consumers pops and runs them.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger

	promoteEvery time.Duration
	popTimeout   time.Duration
	promoteBatch int
	reclaimEvery time.Duration
	stalledAfter time.Duration
}

// NewWorker builds a worker for the queue with the given consumer pool size.
func NewWorker(queue *Queue, handler Handler, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        queue,
		handler:      handler,
		concurrency:  concurrency,
		logger:       logger.With("queue", queue.Name()),
		promoteEvery: time.Second,
		popTimeout:   5 * time.Second,
		promoteBatch: 100,
		reclaimEvery: 30 * time.Second,
		stalledAfter: 30 * time.Second,
	}
}

// Run blocks until ctx is canceled, then drains the pool and returns.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.promoteLoop(ctx)
	})
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.consumeLoop(ctx)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	return err
}

func (w *Worker) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.promoteEvery)
	defer ticker.Stop()
	reclaim := time.NewTicker(w.reclaimEvery)
	defer reclaim.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, w.promoteBatch); err != nil {
				w.logger.WarnContext(ctx, "promoting delayed jobs failed", "error", err)
			}
		case <-reclaim.C:
			if _, err := w.queue.ReclaimStalled(ctx, w.stalledAfter); err != nil {
				w.logger.WarnContext(ctx, "reclaiming stalled jobs failed", "error", err)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.queue.Dequeue(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WarnContext(ctx, "dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	if err := w.handler(ctx, job); err != nil {
		log.WarnContext(ctx, "job attempt failed", "error", err)
		if rerr := w.queue.RetryOrFail(ctx, job, err); rerr != nil {
			log.ErrorContext(ctx, "failed to reschedule job", "error", rerr)
		}
		return
	}
	if err := w.queue.Complete(ctx, job); err != nil {
		log.WarnContext(ctx, "failed to finalize completed job", "error", err)
	}
}
