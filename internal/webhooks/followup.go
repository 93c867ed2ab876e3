package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"estacao/internal/broker"
	"estacao/internal/external"
	"estacao/internal/types"
)

// LedgerStore records settled bills for bookkeeping.
type LedgerStore interface {
	InsertLedgerEntry(ctx context.Context, s types.BillSettlement, eventID string, recordedAt time.Time) error
}

// Archiver compacts old processed event rows.
type Archiver interface {
	ArchiveProcessed(ctx context.Context, before time.Time, limit int) (int, error)
}

// BillFetcher reads a bill back from the billing provider.
type BillFetcher interface {
	GetBill(ctx context.Context, billID int64) (*external.VindiBill, error)
}

// FollowUp runs the deferred half of a settled payment: write the ledger
// entry, reconcile against the provider's view of the bill, and opportunistic
// archival of old processed rows. Nothing here can undo the settlement; every
// step is either idempotent or advisory.
type FollowUp struct {
	ledger       LedgerStore
	archiver     Archiver
	billing      BillFetcher
	archiveAfter time.Duration
	clock        types.Clock
	logger       *slog.Logger
}

// NewFollowUp builds the follow-up handler. billing may be nil when provider
// reconciliation is disabled.
func NewFollowUp(
	ledger LedgerStore,
	archiver Archiver,
	billing BillFetcher,
	archiveAfter time.Duration,
	clock types.Clock,
	logger *slog.Logger,
) *FollowUp {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowUp{
		ledger:       ledger,
		archiver:     archiver,
		billing:      billing,
		archiveAfter: archiveAfter,
		clock:        clock,
		logger:       logger,
	}
}

// Handle is the broker handler for follow-up jobs.
func (f *FollowUp) Handle(ctx context.Context, job *broker.Job) error {
	var payload types.WebhookFollowUpPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		f.logger.ErrorContext(ctx, "follow-up payload undecodable", "job_id", job.ID, "error", err)
		return nil
	}

	log := f.logger.With("event_id", payload.EventID, "invoice_code", payload.Extracted.InvoiceCode)

	if err := f.ledger.InsertLedgerEntry(ctx, payload.Extracted, payload.EventID, f.clock.Now().UTC()); err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "ledger entry failed", err)
	}

	f.reconcile(ctx, payload.Extracted, log)

	// Archival is housekeeping piggybacked on follow-up traffic; failure is
	// logged and the job still succeeds.
	if f.archiveAfter > 0 {
		before := f.clock.Now().UTC().Add(-f.archiveAfter)
		if n, err := f.archiver.ArchiveProcessed(ctx, before, 500); err != nil {
			log.WarnContext(ctx, "event archival failed", "error", err)
		} else if n > 0 {
			log.InfoContext(ctx, "archived processed webhook events", "count", n)
		}
	}
	return nil
}

// reconcile compares the webhook-reported settlement with the provider's
// current view of the bill. Disagreement is logged for operators, never acted
// on automatically.
func (f *FollowUp) reconcile(ctx context.Context, s types.BillSettlement, log *slog.Logger) {
	if f.billing == nil {
		return
	}
	bill, err := f.billing.GetBill(ctx, s.BillID)
	if err != nil {
		log.WarnContext(ctx, "bill reconciliation lookup failed", "bill_id", s.BillID, "error", err)
		return
	}
	if !bill.Paid() {
		log.WarnContext(ctx, "provider disputes settled bill",
			"bill_id", s.BillID,
			"provider_status", bill.Status,
		)
	}
}
