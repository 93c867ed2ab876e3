package external

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"estacao/internal/config"
	"estacao/internal/types"
)

func newTestVindiClient(serverURL string) *VindiClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"vindi-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Estacao-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewVindiClient(config.BillingConfig{
		VindiBaseURL: serverURL + "/api/v1",
		VindiAPIKey:  types.SecretString("key_test"),
	}, base)
}

func TestGetBill_Success(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bill":{"id":4411,"code":"INV-42","status":"paid","amount":"129.90","customer_id":77}}`))
	}))
	defer server.Close()

	client := newTestVindiClient(server.URL)

	bill, err := client.GetBill(context.Background(), 4411)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if gotPath != "/api/v1/bills/4411" {
		t.Errorf("unexpected request path: %s", gotPath)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("key_test:"))
	if gotAuth != wantAuth {
		t.Errorf("expected basic auth with api key as username, got %q", gotAuth)
	}

	if bill.ID != 4411 || bill.Code != "INV-42" {
		t.Errorf("unexpected bill: %+v", bill)
	}
	if !bill.Paid() {
		t.Error("status 'paid' must report Paid()")
	}
}

func TestGetBill_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestVindiClient(server.URL)

	_, err := client.GetBill(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for unknown bill")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodePersistenceNotFound {
		t.Errorf("expected error code %s, got %s", types.ErrCodePersistenceNotFound, appErr.Code)
	}
}

func TestGetBill_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors":[{"id":"forbidden"}]}`))
	}))
	defer server.Close()

	client := newTestVindiClient(server.URL)

	_, err := client.GetBill(context.Background(), 4411)
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamBilling {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamBilling, appErr.Code)
	}
}

func TestGetBill_UnpaidStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bill":{"id":4411,"code":"INV-42","status":"pending","amount":"129.90"}}`))
	}))
	defer server.Close()

	client := newTestVindiClient(server.URL)

	bill, err := client.GetBill(context.Background(), 4411)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if bill.Paid() {
		t.Error("status 'pending' must not report Paid()")
	}
}
