package webhooks

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"estacao/internal/types"
)

// billBody is the bill object as the provider ships it. Amounts arrive as
// decimal strings, ids as numbers.
type billBody struct {
	ID       int64  `json:"id"`
	Amount   string `json:"amount"`
	PaidAt   string `json:"paid_at"`
	Customer struct {
		ID   int64  `json:"id"`
		Code string `json:"code"`
	} `json:"customer"`
	Charges []struct {
		PaidAt string `json:"paid_at"`
	} `json:"charges"`
	Subscription struct {
		Code string `json:"code"`
	} `json:"subscription"`
	Code string `json:"code"`
}

// ExtractBillSettlement pulls the minimal settlement facts out of a bill_paid
// payload. It tolerates the envelope variants the provider has shipped over
// time: {"event":{"data":{"bill":{...}}}}, {"data":{"bill":{...}}}, and a
// bare {"bill":{...}}.
func ExtractBillSettlement(payload []byte) (types.BillSettlement, error) {
	bill, err := locateBill(payload)
	if err != nil {
		return types.BillSettlement{}, err
	}

	invoiceCode := bill.Code
	if invoiceCode == "" {
		invoiceCode = bill.Subscription.Code
	}
	if bill.ID == 0 || invoiceCode == "" {
		return types.BillSettlement{}, types.NewAppError(
			types.ErrCodeWebhookPayload,
			"bill payload is missing id or code",
			nil,
		)
	}

	s := types.BillSettlement{
		BillID:      bill.ID,
		InvoiceCode: invoiceCode,
		CustomerRef: bill.Customer.Code,
		AmountCents: parseAmountCents(bill.Amount),
		PaidAt:      parsePaidAt(bill),
	}
	if s.CustomerRef == "" && bill.Customer.ID != 0 {
		s.CustomerRef = strconv.FormatInt(bill.Customer.ID, 10)
	}
	return s, nil
}

// locateBill walks the known envelope shapes down to the bill object.
func locateBill(payload []byte) (*billBody, error) {
	var outer struct {
		Event *struct {
			Data *struct {
				Bill *billBody `json:"bill"`
			} `json:"data"`
		} `json:"event"`
		Data *struct {
			Bill *billBody `json:"bill"`
		} `json:"data"`
		Bill *billBody `json:"bill"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		return nil, types.NewAppError(types.ErrCodeWebhookPayload, "payload is not valid json", err)
	}

	switch {
	case outer.Event != nil && outer.Event.Data != nil && outer.Event.Data.Bill != nil:
		return outer.Event.Data.Bill, nil
	case outer.Data != nil && outer.Data.Bill != nil:
		return outer.Data.Bill, nil
	case outer.Bill != nil:
		return outer.Bill, nil
	}
	return nil, types.NewAppError(types.ErrCodeWebhookPayload, "payload contains no bill object", nil)
}

// parseAmountCents converts the provider's decimal string ("129.90") to
// integer cents. Unparseable amounts become 0; settlement does not depend on
// the amount, it is bookkeeping.
func parseAmountCents(amount string) int64 {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(amount, ".")
	cents, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	cents *= 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		if f, err := strconv.ParseInt(frac, 10, 64); err == nil {
			if cents < 0 {
				cents -= f
			} else {
				cents += f
			}
		}
	}
	return cents
}

// parsePaidAt prefers the bill-level paid_at, falling back to the first
// charge's. A missing or unparseable timestamp yields the zero time and the
// settlement routine substitutes its own clock.
func parsePaidAt(bill *billBody) time.Time {
	candidates := []string{bill.PaidAt}
	for _, c := range bill.Charges {
		candidates = append(candidates, c.PaidAt)
	}
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ExtractEventType reads the provider's event type field from the envelope
// variants, returning "" when absent.
func ExtractEventType(payload []byte) string {
	var outer struct {
		Event *struct {
			Type string `json:"type"`
		} `json:"event"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		return ""
	}
	if outer.Event != nil && outer.Event.Type != "" {
		return outer.Event.Type
	}
	return outer.Type
}
