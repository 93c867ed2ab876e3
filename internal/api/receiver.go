package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"estacao/internal/external"
	"estacao/internal/types"
	"estacao/internal/webhooks"
)

// ReceiverConfig carries the receiver's tunables.
type ReceiverConfig struct {
	MaxBodyBytes int64
}

// Receiver accepts provider webhook deliveries. The endpoints are not behind
// auth middleware; each provider authenticates its own way, and the handler
// acknowledges with 200 as soon as the delivery row is durable.
type Receiver struct {
	service  *webhooks.Service
	vindi    external.WebhookVerifier
	stripe   external.WebhookVerifier
	maxBytes int64
	logger   *slog.Logger
}

// NewReceiver builds the receiver.
func NewReceiver(service *webhooks.Service, vindi, stripe external.WebhookVerifier, cfg ReceiverConfig, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 * 1024
	}
	return &Receiver{
		service:  service,
		vindi:    vindi,
		stripe:   stripe,
		maxBytes: cfg.MaxBodyBytes,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoints and the health probe.
func (rc *Receiver) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/vindi", rc.HandleVindi)
	r.Post("/webhooks/stripe", rc.HandleStripe)
	r.Get("/healthz", rc.HandleHealth)
}

// HandleVindi ingests a Vindi delivery. Vindi authenticates with a shared
// secret in the X-Vindi-Secret header.
func (rc *Receiver) HandleVindi(w http.ResponseWriter, r *http.Request) {
	rc.ingest(w, r, types.ProviderVindi, rc.vindi, r.Header.Get("X-Vindi-Secret"))
}

// HandleStripe ingests a Stripe delivery, verified via the Stripe-Signature
// header.
func (rc *Receiver) HandleStripe(w http.ResponseWriter, r *http.Request) {
	rc.ingest(w, r, types.ProviderStripe, rc.stripe, r.Header.Get("Stripe-Signature"))
}

func (rc *Receiver) ingest(w http.ResponseWriter, r *http.Request, provider types.WebhookProvider, verifier external.WebhookVerifier, authHeader string) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, rc.maxBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		rc.logger.WarnContext(ctx, "failed to read webhook body", "provider", provider, "error", err)
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationPayloadTooLarge,
			"failed to read request body",
			err,
		))
		return
	}

	if err := verifier.Verify(payload, authHeader); err != nil {
		rc.logger.WarnContext(ctx, "webhook verification failed", "provider", provider, "error", err)
		Error(w, r, err)
		return
	}

	eventType := webhooks.ExtractEventType(payload)
	ev, err := rc.service.Ingest(ctx, provider, eventType, payload)
	if err != nil {
		// Persisting failed; the provider must retry this delivery.
		rc.logger.ErrorContext(ctx, "webhook ingestion failed", "provider", provider, "error", err)
		Error(w, r, err)
		return
	}

	// 200 immediately: the row is durable and processing runs on the broker.
	JSON(w, r, http.StatusOK, map[string]string{"event_id": ev.ID, "status": string(ev.Status)})
}

// HandleHealth reports process liveness.
func (rc *Receiver) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
