package types

// WebhookProvider identifies the origin of an inbound webhook.
type WebhookProvider string

const (
	ProviderVindi  WebhookProvider = "vindi"
	ProviderStripe WebhookProvider = "stripe"
)

// EventType is the closed set of provider event types the processing state
// machine dispatches on. Adding a type here forces every exhaustive switch
// over EventType to be revisited at compile time.
type EventType string

const (
	// EventBillPaid is the single latency-critical type: it unlocks paid
	// sessions and gets the fast path.
	EventBillPaid             EventType = "bill_paid"
	EventBillCreated          EventType = "bill_created"
	EventBillCanceled         EventType = "bill_canceled"
	EventChargeRejected       EventType = "charge_rejected"
	EventPeriodCreated        EventType = "period_created"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	// EventUnknown covers provider types the platform does not act on.
	// They are acknowledged (SUCCESS) so the provider stops redelivering.
	EventUnknown EventType = "unknown"
)

// ParseEventType maps a raw provider event-type string onto the closed enum.
func ParseEventType(raw string) EventType {
	switch EventType(raw) {
	case EventBillPaid, EventBillCreated, EventBillCanceled,
		EventChargeRejected, EventPeriodCreated, EventSubscriptionCanceled:
		return EventType(raw)
	default:
		return EventUnknown
	}
}
