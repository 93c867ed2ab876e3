package types

import (
	"encoding/json"
	"time"
)

// JobKind is the closed set of job kinds carried on the broker. Workers
// dispatch with an exhaustive switch over JobKind, so adding or removing a
// kind is a compile-time-visible change rather than a stringly-typed one.
type JobKind string

const (
	// JobGenerateCredentials mints join credentials for one session at its
	// start instant. Keyed per session so re-scheduling replaces the pending
	// job instead of duplicating it.
	JobGenerateCredentials JobKind = "generate_credentials"
	// JobProcessWebhook runs the webhook state machine for one stored event.
	JobProcessWebhook JobKind = "process_webhook"
	// JobWebhookFollowUp carries the non-critical secondary effects of a
	// settled bill (bookkeeping, archival) off the critical path.
	JobWebhookFollowUp JobKind = "webhook_followup"
	// JobGenerateAgenda is the unrelated daily batch armed from the platform
	// configuration's daily generation time.
	JobGenerateAgenda JobKind = "generate_agenda"
	// JobPlanRenewal renews plan cycles; owned by the billing collaborator,
	// carried here because the queue is shared infrastructure.
	JobPlanRenewal JobKind = "plan_renewal"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobGenerateCredentials, JobProcessWebhook, JobWebhookFollowUp,
		JobGenerateAgenda, JobPlanRenewal:
		return true
	}
	return false
}

// CredentialJobPayload is the minimal payload of a delayed credential job.
type CredentialJobPayload struct {
	SessionID string `json:"session_id"`
}

// WebhookJobPayload is the payload of a webhook processing job. The event row
// is the source of truth; the job carries only its id.
type WebhookJobPayload struct {
	EventID string `json:"event_id"`
}

// WebhookFollowUpPayload is the richer payload handed to the background
// follow-up job after a fast-path settlement succeeds.
type WebhookFollowUpPayload struct {
	EventID    string          `json:"event_id"`
	RawPayload json.RawMessage `json:"raw_payload"`
	Extracted  BillSettlement  `json:"extracted"`
	ReceivedAt time.Time       `json:"received_at"`
}
