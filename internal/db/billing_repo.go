package db

import (
	"context"
	"time"

	"estacao/internal/types"
)

// BillingRepo applies payment effects against the collaborator's invoice and
// session rows. It is deliberately tiny: the only business effect the core
// owns is "this bill settled, unlock what it pays for".
type BillingRepo struct {
	db DBTX
}

// NewBillingRepo creates a BillingRepo backed by the given connection.
func NewBillingRepo(db DBTX) *BillingRepo {
	return &BillingRepo{db: db}
}

// ApplyBillPaid settles the invoice identified by the extracted settlement
// and unlocks every session it pays for. Both the fast path and the generic
// path call this single routine, which is what keeps their observable end
// state identical.
//
// The operation is naturally idempotent: re-applying a settlement updates
// zero invoice rows and zero session rows, and the result reports
// AlreadySettled so callers can skip secondary effects.
func (r *BillingRepo) ApplyBillPaid(ctx context.Context, s types.BillSettlement) (*types.SettlementResult, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices
		 SET status = 'settled', paid_at = $2, provider_bill_id = $3
		 WHERE code = $1 AND status <> 'settled'`,
		s.InvoiceCode, s.PaidAt, s.BillID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodePersistenceWrite, "failed to settle invoice", err)
	}
	alreadySettled := tag.RowsAffected() == 0

	unlockTag, err := r.db.Exec(ctx,
		`UPDATE sessions SET paid = TRUE
		 WHERE invoice_code = $1 AND paid = FALSE`,
		s.InvoiceCode,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodePersistenceWrite, "failed to unlock paid sessions", err)
	}

	return &types.SettlementResult{
		InvoiceCode:      s.InvoiceCode,
		SessionsUnlocked: unlockTag.RowsAffected(),
		AlreadySettled:   alreadySettled,
	}, nil
}

// MarkInvoiceStatus records a non-settlement invoice transition (created,
// canceled, charge rejected) coming through the generic path.
func (r *BillingRepo) MarkInvoiceStatus(ctx context.Context, invoiceCode, status string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = $3
		 WHERE code = $1 AND status <> 'settled'`,
		invoiceCode, status, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to update invoice status", err)
	}
	return nil
}

// InsertLedgerEntry records a bookkeeping row for a settled bill. Written by
// the background follow-up job, off the settlement critical path.
func (r *BillingRepo) InsertLedgerEntry(ctx context.Context, s types.BillSettlement, eventID string, recordedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_ledger
		   (event_id, invoice_code, provider_bill_id, customer_ref, amount_cents, paid_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, s.InvoiceCode, s.BillID, s.CustomerRef, s.AmountCents, s.PaidAt, recordedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to insert ledger entry", err)
	}
	return nil
}
