package external

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/stripe/stripe-go/v82/webhook"

	"estacao/internal/types"
)

// WebhookVerifier authenticates an inbound webhook delivery before a row is
// persisted for it.
type WebhookVerifier interface {
	Verify(payload []byte, header string) error
}

// VindiVerifier authenticates Vindi deliveries by comparing the shared secret
// the platform registered with the provider. Vindi has no payload signature;
// the secret travels in a request header.
type VindiVerifier struct {
	secret types.SecretString
}

// NewVindiVerifier builds a verifier around the configured shared secret.
func NewVindiVerifier(secret types.SecretString) *VindiVerifier {
	return &VindiVerifier{secret: secret}
}

// Verify compares the presented header value against the configured secret in
// constant time.
func (v *VindiVerifier) Verify(_ []byte, header string) error {
	want := v.secret.Unmask()
	if want == "" {
		return types.NewAppError(types.ErrCodeWebhookSignature, "webhook shared secret is not configured", nil)
	}
	// hmac.Equal gives constant-time comparison for equal-length inputs.
	wantMAC := hmacDigest(want)
	gotMAC := hmacDigest(header)
	if !hmac.Equal(wantMAC, gotMAC) {
		return types.NewAppError(types.ErrCodeWebhookSignature, "webhook shared secret mismatch", nil)
	}
	return nil
}

func hmacDigest(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// StripeVerifier authenticates Stripe deliveries using stripe-go's signed
// payload validation, which checks both the HMAC signature and the timestamp
// tolerance.
type StripeVerifier struct {
	secret types.SecretString
}

// NewStripeVerifier builds a verifier around the endpoint signing secret.
func NewStripeVerifier(secret types.SecretString) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify validates the payload against the Stripe-Signature header.
func (v *StripeVerifier) Verify(payload []byte, header string) error {
	if err := webhook.ValidatePayload(payload, header, v.secret.Unmask()); err != nil {
		return types.NewAppError(types.ErrCodeWebhookSignature, "stripe signature validation failed", err)
	}
	return nil
}

var (
	_ WebhookVerifier = (*VindiVerifier)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
