package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"estacao/internal/broker"
	"estacao/internal/types"
)

// BillingStore applies payment effects to the domain tables.
type BillingStore interface {
	ApplyBillPaid(ctx context.Context, s types.BillSettlement) (*types.SettlementResult, error)
	MarkInvoiceStatus(ctx context.Context, invoiceCode, status string, at time.Time) error
}

// Processor runs the asynchronous half of the pipeline: the per-event state
// machine. Payment confirmations take a fast path that touches only what
// unlocking sessions requires; a bill_paid whose payload resists minimal
// extraction goes through the generic path, which reads the bill back from
// the provider to fill what the envelope lacks.
type Processor struct {
	store    EventStore
	billing  BillingStore
	followUp Enqueuer
	renewals Enqueuer
	bills    BillFetcher
	clock    types.Clock
	logger   *slog.Logger
}

// NewProcessor builds the processor. bills may be nil, in which case an
// incomplete bill_paid payload fails without a provider lookup.
func NewProcessor(
	store EventStore,
	billing BillingStore,
	followUp Enqueuer,
	renewals Enqueuer,
	bills BillFetcher,
	clock types.Clock,
	logger *slog.Logger,
) *Processor {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		billing:  billing,
		followUp: followUp,
		renewals: renewals,
		bills:    bills,
		clock:    clock,
		logger:   logger,
	}
}

// Handle is the broker handler for webhook processing jobs. A nil return
// acknowledges the delivery; an error before the attempt cap hands the job
// back for redelivery, and on the final attempt the event row is marked
// FAILED before the error propagates.
func (p *Processor) Handle(ctx context.Context, job *broker.Job) error {
	var payload types.WebhookJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Undeliverable by construction; retrying cannot fix the payload.
		p.logger.ErrorContext(ctx, "webhook job payload undecodable", "job_id", job.ID, "error", err)
		return nil
	}

	ev, err := p.store.Get(ctx, payload.EventID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeWebhookEventNotFound {
			p.logger.WarnContext(ctx, "webhook job references missing event", "event_id", payload.EventID)
			return nil
		}
		return err
	}

	log := p.logger.With("event_id", ev.ID, "provider", ev.Provider, "event_type", ev.EventType)

	if ev.Status == types.WebhookStatusSuccess {
		log.InfoContext(ctx, "webhook already processed, skipping redelivery")
		return nil
	}

	if err := p.store.BeginAttempt(ctx, ev.ID, p.clock.Now().UTC()); err != nil {
		return err
	}

	if err := p.apply(ctx, ev, log); err != nil {
		if job.FinalAttempt() {
			log.ErrorContext(ctx, "webhook processing failed on final attempt", "error", err)
			if mfErr := p.store.MarkFailed(ctx, ev.ID, p.clock.Now().UTC(), err.Error()); mfErr != nil {
				log.ErrorContext(ctx, "failed to mark webhook event FAILED", "error", mfErr)
			}
		}
		return err
	}

	if err := p.store.MarkSucceeded(ctx, ev.ID, p.clock.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// apply dispatches the event to its effect. The switch is exhaustive over the
// closed event-type set; a type not in the set parses to EventUnknown and is
// acknowledged without effect.
func (p *Processor) apply(ctx context.Context, ev *types.WebhookEvent, log *slog.Logger) error {
	switch types.ParseEventType(ev.EventType) {
	case types.EventBillPaid:
		return p.applyBillPaid(ctx, ev, log)
	case types.EventBillCreated:
		// The ingestion row is the record; nothing further to apply.
		return nil
	case types.EventBillCanceled:
		return p.markInvoiceFromPayload(ctx, ev, "canceled", log)
	case types.EventChargeRejected:
		return p.markInvoiceFromPayload(ctx, ev, "rejected", log)
	case types.EventPeriodCreated:
		return p.enqueueRenewal(ctx, ev, log)
	case types.EventSubscriptionCanceled:
		return p.markInvoiceFromPayload(ctx, ev, "subscription_canceled", log)
	case types.EventUnknown:
		log.InfoContext(ctx, "acknowledging webhook of unhandled type")
		return nil
	default:
		log.InfoContext(ctx, "acknowledging webhook of unhandled type")
		return nil
	}
}

// applyBillPaid is the payment fast path: minimal extraction, synchronous
// settlement so sessions unlock before the provider's retry window closes,
// then a background job for everything that can wait. An extraction failure
// falls through to the generic path rather than failing the event.
func (p *Processor) applyBillPaid(ctx context.Context, ev *types.WebhookEvent, log *slog.Logger) error {
	settlement, err := ExtractBillSettlement(ev.Payload)
	if err != nil {
		log.WarnContext(ctx, "fast-path extraction failed, using generic path", "error", err)
		return p.applyBillPaidGeneric(ctx, ev, err, log)
	}
	if settlement.PaidAt.IsZero() {
		settlement.PaidAt = p.clock.Now().UTC()
	}

	result, err := p.billing.ApplyBillPaid(ctx, settlement)
	if err != nil {
		return types.NewAppError(types.ErrCodeWebhookEffect, "bill settlement failed", err)
	}

	log.InfoContext(ctx, "bill settled",
		"invoice_code", settlement.InvoiceCode,
		"sessions_unlocked", result.SessionsUnlocked,
		"already_settled", result.AlreadySettled,
	)

	// Follow-up work is off the critical path; a booking failure here never
	// unwinds the settlement that already happened.
	followUp := types.WebhookFollowUpPayload{
		EventID:    ev.ID,
		RawPayload: ev.Payload,
		Extracted:  settlement,
		ReceivedAt: ev.ReceivedAt,
	}
	if err := p.followUp.Enqueue(ctx, types.JobWebhookFollowUp, "followup:"+ev.ID, followUp); err != nil {
		log.ErrorContext(ctx, "settlement follow-up enqueue failed", "error", err)
	}
	return nil
}

// applyBillPaidGeneric recovers a settlement the envelope alone could not
// yield. The payload names the bill; the provider's view of it supplies the
// fields the envelope lacked. Same settlement routine as the fast path, so
// the two can never disagree about effects.
func (p *Processor) applyBillPaidGeneric(ctx context.Context, ev *types.WebhookEvent, extractErr error, log *slog.Logger) error {
	bill, err := locateBill(ev.Payload)
	if err != nil || bill.ID == 0 {
		return types.NewAppError(
			types.ErrCodeWebhookPayload,
			fmt.Sprintf("bill_paid payload names no bill: %v", extractErr),
			extractErr,
		)
	}
	if p.bills == nil {
		return types.NewAppError(
			types.ErrCodeWebhookPayload,
			fmt.Sprintf("bill_paid payload yields no settlement: %v", extractErr),
			extractErr,
		)
	}

	remote, err := p.bills.GetBill(ctx, bill.ID)
	if err != nil {
		return types.NewAppError(types.ErrCodeWebhookEffect, "bill lookup at provider failed", err)
	}
	if !remote.Paid() {
		return types.NewAppError(
			types.ErrCodeWebhookEffect,
			fmt.Sprintf("provider reports bill %d as %q, not paid", remote.ID, remote.Status),
			nil,
		)
	}
	if remote.Code == "" {
		return types.NewAppError(
			types.ErrCodeWebhookPayload,
			fmt.Sprintf("provider bill %d carries no invoice code", remote.ID),
			nil,
		)
	}

	settlement := types.BillSettlement{
		BillID:      remote.ID,
		InvoiceCode: remote.Code,
		CustomerRef: bill.Customer.Code,
		AmountCents: parseAmountCents(remote.AmountStr),
	}
	switch {
	case settlement.CustomerRef != "":
	case bill.Customer.ID != 0:
		settlement.CustomerRef = strconv.FormatInt(bill.Customer.ID, 10)
	case remote.CustomerID != 0:
		settlement.CustomerRef = strconv.FormatInt(remote.CustomerID, 10)
	}
	if remote.PaidAt != nil {
		settlement.PaidAt = *remote.PaidAt
	} else {
		settlement.PaidAt = p.clock.Now().UTC()
	}

	result, err := p.billing.ApplyBillPaid(ctx, settlement)
	if err != nil {
		return types.NewAppError(types.ErrCodeWebhookEffect, "bill settlement failed", err)
	}
	log.InfoContext(ctx, "bill settled via provider lookup",
		"invoice_code", settlement.InvoiceCode,
		"bill_id", settlement.BillID,
		"sessions_unlocked", result.SessionsUnlocked,
	)
	return nil
}

// markInvoiceFromPayload records a provider-side invoice state change. A
// payload that names no invoice is acknowledged with a warning; the provider
// will not resend a better one.
func (p *Processor) markInvoiceFromPayload(ctx context.Context, ev *types.WebhookEvent, status string, log *slog.Logger) error {
	settlement, err := ExtractBillSettlement(ev.Payload)
	if err != nil {
		log.WarnContext(ctx, "invoice state change names no invoice, acknowledging", "error", err)
		return nil
	}
	if err := p.billing.MarkInvoiceStatus(ctx, settlement.InvoiceCode, status, p.clock.Now().UTC()); err != nil {
		return types.NewAppError(types.ErrCodeWebhookEffect, "invoice status update failed", err)
	}
	log.InfoContext(ctx, "invoice status updated", "invoice_code", settlement.InvoiceCode, "status", status)
	return nil
}

// enqueueRenewal books the plan-renewal job for a new billing period.
func (p *Processor) enqueueRenewal(ctx context.Context, ev *types.WebhookEvent, log *slog.Logger) error {
	if err := p.renewals.Enqueue(ctx, types.JobPlanRenewal, "renewal:"+ev.ID,
		types.WebhookJobPayload{EventID: ev.ID}); err != nil {
		return types.NewAppError(types.ErrCodeWebhookEffect, "plan renewal enqueue failed", err)
	}
	log.InfoContext(ctx, "plan renewal booked")
	return nil
}
