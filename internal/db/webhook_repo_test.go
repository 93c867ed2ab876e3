package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"estacao/internal/types"
)

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case **string:
			*v = row[i].(*string)
		case *bool:
			*v = row[i].(bool)
		case *int:
			*v = row[i].(int)
		case *[]byte:
			*v = row[i].([]byte)
		case *time.Time:
			*v = row[i].(time.Time)
		case **time.Time:
			*v = row[i].(*time.Time)
		case *types.SessionStatus:
			*v = row[i].(types.SessionStatus)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- WebhookEventRepo Tests ---

func TestWebhookEventRepo_Insert_AssignsID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	ev := &types.WebhookEvent{
		Provider:   types.ProviderVindi,
		EventType:  "bill_paid",
		Payload:    []byte(`{}`),
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), ev))

	assert.NotEmpty(t, ev.ID)
	_, err := uuid.Parse(ev.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.WebhookStatusPending, ev.Status)
	db.AssertExpectations(t)
}

func TestWebhookEventRepo_Insert_KeepsProvidedID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	ev := &types.WebhookEvent{ID: "evt_fixed", Provider: types.ProviderVindi, ReceivedAt: time.Now().UTC()}
	require.NoError(t, repo.Insert(context.Background(), ev))
	assert.Equal(t, "evt_fixed", ev.ID)
}

func TestWebhookEventRepo_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.Get(context.Background(), "evt_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeWebhookEventNotFound, appErr.Code)
}

func TestWebhookEventRepo_Get_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	received := time.Date(2025, 12, 26, 18, 0, 0, 0, time.UTC)
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "evt_1"
			*dest[1].(*types.WebhookProvider) = types.ProviderVindi
			*dest[2].(*string) = "bill_paid"
			*dest[3].(*[]byte) = []byte(`{"x":1}`)
			*dest[4].(*types.WebhookEventStatus) = types.WebhookStatusPending
			*dest[5].(*int) = 2
			*dest[6].(**time.Time) = nil
			*dest[7].(**time.Time) = nil
			*dest[8].(*time.Time) = received
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	ev, err := repo.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, received, ev.ReceivedAt)
}

func TestWebhookEventRepo_BeginAttempt_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.BeginAttempt(context.Background(), "evt_1", time.Now().UTC()))
	db.AssertExpectations(t)
}

func TestWebhookEventRepo_MarkSucceeded_IdempotentOnRedelivery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	// The status guard makes the second transition touch zero rows.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	require.NoError(t, repo.MarkSucceeded(context.Background(), "evt_1", time.Now().UTC()))
}

func TestWebhookEventRepo_MarkFailed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection reset"))

	err := repo.MarkFailed(context.Background(), "evt_1", time.Now().UTC(), "handler exploded")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodePersistenceWrite, appErr.Code)
}

func TestWebhookEventRepo_ArchiveProcessed_MovesAndDeletes(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	processed := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		{"evt_old", "vindi", "bill_paid", []byte(`{"big":"payload"}`), 1, &processed, processed.Add(-time.Minute)},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Twice()

	n, err := repo.ArchiveProcessed(context.Background(), time.Now().UTC(), 500)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	db.AssertExpectations(t)
}

func TestWebhookEventRepo_ArchiveProcessed_NothingToDo(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(nil), nil)

	n, err := repo.ArchiveProcessed(context.Background(), time.Now().UTC(), 500)
	require.NoError(t, err)
	assert.Zero(t, n)
}
