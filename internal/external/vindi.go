package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"estacao/internal/config"
	"estacao/internal/types"
)

// VindiBill is the subset of the billing provider's bill resource the
// platform reads back when reconciling webhook-reported payments.
type VindiBill struct {
	ID         int64      `json:"id"`
	Code       string     `json:"code"`
	Status     string     `json:"status"`
	AmountStr  string     `json:"amount"`
	PaidAt     *time.Time `json:"paid_at"`
	CustomerID int64      `json:"customer_id"`
}

// Paid reports whether the provider considers the bill settled.
func (b *VindiBill) Paid() bool {
	return b.Status == "paid"
}

// VindiClient calls the Vindi recurring-billing API. All requests go through
// the shared BaseClient so provider outages trip one breaker for the whole
// process.
type VindiClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewVindiClient builds a client from the billing configuration.
func NewVindiClient(cfg config.BillingConfig, base *BaseClient) *VindiClient {
	return &VindiClient{
		base:    base,
		baseURL: cfg.VindiBaseURL,
		apiKey:  cfg.VindiAPIKey,
	}
}

// GetBill fetches a bill by provider ID. Returns persistence_not_found for a
// bill the provider does not know.
func (c *VindiClient) GetBill(ctx context.Context, billID int64) (*VindiBill, error) {
	endpoint, err := url.JoinPath(c.baseURL, "bills", fmt.Sprintf("%d", billID))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "invalid billing base url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build bill request", err)
	}
	// Vindi authenticates with the API key as the basic-auth username.
	req.SetBasicAuth(c.apiKey.Unmask(), "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(
			types.ErrCodePersistenceNotFound,
			fmt.Sprintf("bill %d not found at billing provider", billID),
			nil,
		)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("billing provider returned %d: %s", resp.StatusCode, body),
			nil,
		)
	}

	var envelope struct {
		Bill VindiBill `json:"bill"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode bill response", err)
	}
	return &envelope.Bill, nil
}
