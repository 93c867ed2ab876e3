package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components construct AppErrors with these instead of
// hardcoded strings so callers can branch on failure class.
const (
	// Resolution: no start time derivable for a session.
	ErrCodeResolutionNoSource    ErrorCode = "resolution_no_start_time"
	ErrCodeResolutionUnparseable ErrorCode = "resolution_unparseable_start_time"

	// Scheduling: the delayed-job path could not arm a job.
	ErrCodeSchedulingHorizon ErrorCode = "scheduling_delay_beyond_horizon"
	ErrCodeSchedulingBroker  ErrorCode = "scheduling_broker_unavailable"

	// Generation: the credential-minting collaborator failed.
	ErrCodeGenerationMint  ErrorCode = "generation_mint_failed"
	ErrCodeGenerationState ErrorCode = "generation_session_state_invalid"

	// Persistence: collaborator storage reads/writes.
	ErrCodePersistenceRead     ErrorCode = "persistence_read_failed"
	ErrCodePersistenceWrite    ErrorCode = "persistence_write_failed"
	ErrCodePersistenceNotFound ErrorCode = "persistence_not_found"

	// Webhook processing.
	ErrCodeWebhookPayload       ErrorCode = "webhook_malformed_payload"
	ErrCodeWebhookEffect        ErrorCode = "webhook_effect_failed"
	ErrCodeWebhookEventNotFound ErrorCode = "webhook_event_not_found"
	ErrCodeWebhookSignature     ErrorCode = "webhook_invalid_signature"

	// Broker infrastructure.
	ErrCodeBrokerUnavailable ErrorCode = "broker_unavailable"
	ErrCodeBrokerEnqueue     ErrorCode = "broker_enqueue_failed"

	// Upstream providers.
	ErrCodeUpstreamBilling ErrorCode = "upstream_billing_unavailable"

	// Validation (receiver edge).
	ErrCodeValidationPayloadTooLarge ErrorCode = "validation_payload_too_large"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"

	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to the HTTP status the receiver should answer
// with. Only the receiver edge uses this; workers never translate to HTTP.
// Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeWebhookSignature):
		return http.StatusUnauthorized
	case s == string(ErrCodeWebhookPayload):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type for the platform core.
// Domain errors are expressed as AppError so callers can branch on Code and
// logs carry structured detail.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected when the chain carries no AppError.
func CodeOf(err error) ErrorCode {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ErrCodeInternalUnexpected
}
