package db

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/gzip"

	"estacao/internal/types"
)

// WebhookEventRepo provides data access for the webhook_events table and its
// archive. The row is the durable record of an inbound delivery and is always
// written before any processing job is enqueued.
type WebhookEventRepo struct {
	db DBTX
}

// NewWebhookEventRepo creates a WebhookEventRepo backed by the given connection.
func NewWebhookEventRepo(db DBTX) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// Insert persists a newly received event. Assigns an id when the event has
// none. Attempts starts at zero; status starts PENDING.
func (r *WebhookEventRepo) Insert(ctx context.Context, ev *types.WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Status == "" {
		ev.Status = types.WebhookStatusPending
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events
		   (id, provider, event_type, payload, status, attempts, received_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		ev.ID, string(ev.Provider), ev.EventType, ev.Payload, string(ev.Status), ev.ReceivedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to insert webhook event", err)
	}
	return nil
}

// Get loads an event by id.
func (r *WebhookEventRepo) Get(ctx context.Context, id string) (*types.WebhookEvent, error) {
	var ev types.WebhookEvent
	err := r.db.QueryRow(ctx,
		`SELECT id, provider, event_type, payload, status, attempts,
		        last_attempt_at, processed_at, received_at
		 FROM webhook_events WHERE id = $1`,
		id,
	).Scan(&ev.ID, &ev.Provider, &ev.EventType, &ev.Payload, &ev.Status,
		&ev.Attempts, &ev.LastAttemptAt, &ev.ProcessedAt, &ev.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeWebhookEventNotFound, "webhook event not found", err)
		}
		return nil, types.NewAppError(types.ErrCodePersistenceRead, "failed to load webhook event", err)
	}
	return &ev, nil
}

// BeginAttempt stamps the start of a processing attempt: status PENDING,
// attempts incremented, last_attempt_at set. Called before the handler runs
// so the counter reflects attempts started, not attempts finished.
func (r *WebhookEventRepo) BeginAttempt(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET status = $2, attempts = attempts + 1, last_attempt_at = $3
		 WHERE id = $1`,
		id, string(types.WebhookStatusPending), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to stamp webhook attempt", err)
	}
	return nil
}

// MarkSucceeded transitions the event to SUCCESS and stamps processed_at.
// The guard keeps the transition idempotent: a redelivered event that already
// succeeded keeps its original processed_at.
func (r *WebhookEventRepo) MarkSucceeded(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET status = $2, processed_at = $3
		 WHERE id = $1 AND status <> $2`,
		id, string(types.WebhookStatusSuccess), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to mark webhook event succeeded", err)
	}
	return nil
}

// MarkFailed transitions the event to terminal FAILED, recording the last
// error. Only the final allowed processing attempt does this; earlier
// failures leave the row PENDING for the broker's retry to pick up.
func (r *WebhookEventRepo) MarkFailed(ctx context.Context, id string, at time.Time, lastError string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET status = $2, last_attempt_at = $3, last_error = $4
		 WHERE id = $1 AND status <> $5`,
		id, string(types.WebhookStatusFailed), at, lastError, string(types.WebhookStatusSuccess),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to mark webhook event failed", err)
	}
	return nil
}

// ArchiveProcessed moves SUCCESS events older than the cutoff into
// webhook_event_archive with a gzip-compressed payload, then deletes the live
// rows. Returns the number of events archived. Bounded by limit per call so
// the maintenance pass never monopolizes the table.
func (r *WebhookEventRepo) ArchiveProcessed(ctx context.Context, before time.Time, limit int) (int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, provider, event_type, payload, attempts, processed_at, received_at
		 FROM webhook_events
		 WHERE status = $1 AND processed_at < $2
		 ORDER BY processed_at
		 LIMIT $3`,
		string(types.WebhookStatusSuccess), before, limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodePersistenceRead, "failed to query archivable webhook events", err)
	}

	type archiveRow struct {
		id          string
		provider    string
		eventType   string
		payload     []byte
		attempts    int
		processedAt *time.Time
		receivedAt  time.Time
	}
	var batch []archiveRow
	for rows.Next() {
		var a archiveRow
		if err := rows.Scan(&a.id, &a.provider, &a.eventType, &a.payload,
			&a.attempts, &a.processedAt, &a.receivedAt); err != nil {
			rows.Close()
			return 0, types.NewAppError(types.ErrCodePersistenceRead, "failed to scan archivable event", err)
		}
		batch = append(batch, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, types.NewAppError(types.ErrCodePersistenceRead, "archivable event iteration failed", err)
	}

	archived := 0
	for _, a := range batch {
		compressed, err := gzipBytes(a.payload)
		if err != nil {
			return archived, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress webhook payload", err)
		}
		_, err = r.db.Exec(ctx,
			`INSERT INTO webhook_event_archive
			   (id, provider, event_type, payload_gz, attempts, processed_at, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			a.id, a.provider, a.eventType, compressed, a.attempts, a.processedAt, a.receivedAt,
		)
		if err != nil {
			return archived, types.NewAppError(types.ErrCodePersistenceWrite, "failed to archive webhook event", err)
		}
		if _, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE id = $1`, a.id); err != nil {
			return archived, types.NewAppError(types.ErrCodePersistenceWrite, "failed to delete archived webhook event", err)
		}
		archived++
	}
	return archived, nil
}

// gzipBytes compresses a payload for archival.
func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
