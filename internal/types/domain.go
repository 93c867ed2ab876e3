// Package types defines the shared domain model for the session-credential
// core: sessions and their join credentials, fallback slots, inbound webhook
// events, the error taxonomy, and the queue message envelopes.
package types

import "time"

// SessionStatus is the lifecycle status of a booked session. The status only
// ever advances; no component may move a session backwards.
type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusCanceled   SessionStatus = "canceled"
)

// Rank returns the monotonic ordering of a status. A transition is legal only
// when the target rank is strictly greater than the current one. Unknown
// statuses rank below everything so they can never overwrite real state.
func (s SessionStatus) Rank() int {
	switch s {
	case StatusScheduled:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	case StatusCanceled:
		return 4
	default:
		return 0
	}
}

// Session is the core's view of a booked remote therapy session. The booking
// subsystem owns the row; the core reads the scheduling fields and writes the
// join credentials and status.
//
// ScheduledAt is a civil-time string in the canonical "YYYY-MM-DD HH:mm:ss"
// format, fixed timezone, stored verbatim. Non-round times such as
// "2025-06-01 15:40:17" must survive every read/write untouched.
type Session struct {
	ID                string
	ScheduledAt       *string
	PatientID         string
	PsychologistID    string
	Channel           string
	PatientToken      *string
	PsychologistToken *string
	Status            SessionStatus
	Paid              bool
	InvoiceCode       string
}

// HasCredentials reports whether both join credentials are already populated.
// This is the guard every generation path checks before doing any work.
func (s *Session) HasCredentials() bool {
	return s.PatientToken != nil && *s.PatientToken != "" &&
		s.PsychologistToken != nil && *s.PsychologistToken != ""
}

// FallbackSlot is the coarser date/time pair owned by the booking subsystem.
// It is consulted only when the session has no canonical ScheduledAt.
//
// SlotDate may carry a trailing time component (e.g. "2025-12-26 03:00:00");
// only the leading date part is meaningful. SlotTime is "HH:mm".
type FallbackSlot struct {
	SessionID string
	SlotDate  string
	SlotTime  string
}

// StartString combines the slot's date part and time into the canonical
// "YYYY-MM-DD HH:mm:ss" layout.
func (f *FallbackSlot) StartString() string {
	date := f.SlotDate
	if len(date) > 10 {
		date = date[:10]
	}
	return date + " " + f.SlotTime + ":00"
}

// CredentialPair is one freshly minted set of join credentials for the two
// participants of a session.
type CredentialPair struct {
	Channel           string
	PatientToken      string
	PsychologistToken string
}

// WebhookEventStatus is the processing state of a persisted webhook event.
type WebhookEventStatus string

const (
	WebhookStatusPending WebhookEventStatus = "PENDING"
	WebhookStatusSuccess WebhookEventStatus = "SUCCESS"
	WebhookStatusFailed  WebhookEventStatus = "FAILED"
)

// IsTerminal reports whether the status is final from the pipeline's
// perspective. FAILED events are remediated out of band.
func (s WebhookEventStatus) IsTerminal() bool {
	return s == WebhookStatusSuccess || s == WebhookStatusFailed
}

// WebhookEvent is a durably recorded inbound provider event. The row is
// written before any processing job is enqueued so delivery survives a broker
// outage at receipt time.
type WebhookEvent struct {
	ID            string
	Provider      WebhookProvider
	EventType     string
	Payload       []byte
	Status        WebhookEventStatus
	Attempts      int
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	ReceivedAt    time.Time
}

// BillSettlement is the minimal field set the fast path extracts from a
// bill_paid payload: just enough to unlock the affected paid sessions without
// parsing the full provider envelope.
type BillSettlement struct {
	BillID      int64     `json:"bill_id"`
	InvoiceCode string    `json:"invoice_code"`
	CustomerRef string    `json:"customer_ref"`
	AmountCents int64     `json:"amount_cents"`
	PaidAt      time.Time `json:"paid_at"`
}

// SettlementResult reports what a settlement application touched. Both the
// fast and the generic path produce it from the same routine, which is what
// keeps the two paths observably equivalent.
type SettlementResult struct {
	InvoiceCode      string
	SessionsUnlocked int64
	AlreadySettled   bool
}
