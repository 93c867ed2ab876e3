// Package webhooks implements the ingestion and processing pipeline for
// billing provider events. A delivery is persisted before anything else
// happens to it; processing then runs asynchronously against the stored row,
// with the row's status as the single source of truth for dedupe and retry.
package webhooks

import (
	"context"
	"log/slog"
	"time"

	"estacao/internal/types"
)

// EventStore is the persistence surface of the pipeline.
type EventStore interface {
	Insert(ctx context.Context, ev *types.WebhookEvent) error
	Get(ctx context.Context, id string) (*types.WebhookEvent, error)
	BeginAttempt(ctx context.Context, id string, at time.Time) error
	MarkSucceeded(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time, lastError string) error
}

// Enqueuer books processing jobs on the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind types.JobKind, jobID string, payload any) error
}

// Service handles the synchronous half of the pipeline: record the delivery,
// book its processing, acknowledge the provider.
type Service struct {
	store  EventStore
	queue  Enqueuer
	clock  types.Clock
	logger *slog.Logger
}

// NewService builds the ingestion service.
func NewService(store EventStore, queue Enqueuer, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, queue: queue, clock: clock, logger: logger}
}

// Ingest records one verified delivery and books its processing job. The row
// is written first: a delivery that reached us must survive even if the
// broker is down, in which case the row stays PENDING until a later enqueue
// or an operator replay picks it up. Enqueue failure is therefore logged, not
// returned.
func (s *Service) Ingest(ctx context.Context, provider types.WebhookProvider, eventType string, payload []byte) (*types.WebhookEvent, error) {
	ev := &types.WebhookEvent{
		Provider:   provider,
		EventType:  eventType,
		Payload:    payload,
		Status:     types.WebhookStatusPending,
		ReceivedAt: s.clock.Now().UTC(),
	}
	if err := s.store.Insert(ctx, ev); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "webhook delivery recorded",
		"event_id", ev.ID,
		"provider", provider,
		"event_type", eventType,
	)

	if err := s.EnqueueProcessing(ctx, ev.ID); err != nil {
		s.logger.ErrorContext(ctx, "webhook recorded but processing enqueue failed",
			"event_id", ev.ID,
			"error", err,
		)
	}
	return ev, nil
}

// EnqueueProcessing books (or re-books) the processing job for a stored
// event. Also the replay entry point for rows stranded in PENDING.
func (s *Service) EnqueueProcessing(ctx context.Context, eventID string) error {
	return s.queue.Enqueue(ctx, types.JobProcessWebhook, "webhook:"+eventID,
		types.WebhookJobPayload{EventID: eventID})
}
