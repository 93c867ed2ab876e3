package webhooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estacao/internal/types"
)

// orderedStore records the interleaving of persistence and enqueue calls.
type orderedStore struct {
	fakeEventStore
	order     *[]string
	insertErr error
}

func (o *orderedStore) Insert(ctx context.Context, ev *types.WebhookEvent) error {
	if o.insertErr != nil {
		return o.insertErr
	}
	*o.order = append(*o.order, "insert")
	return o.fakeEventStore.Insert(ctx, ev)
}

type orderedEnqueuer struct {
	recordingEnqueuer
	order *[]string
}

func (o *orderedEnqueuer) Enqueue(ctx context.Context, kind types.JobKind, jobID string, payload any) error {
	if o.recordingEnqueuer.err != nil {
		return o.recordingEnqueuer.err
	}
	*o.order = append(*o.order, "enqueue")
	return o.recordingEnqueuer.Enqueue(ctx, kind, jobID, payload)
}

func newTestService(insertErr, enqueueErr error) (*Service, *orderedStore, *orderedEnqueuer, *[]string) {
	order := &[]string{}
	store := &orderedStore{
		fakeEventStore: *newFakeEventStore(),
		order:          order,
		insertErr:      insertErr,
	}
	queue := &orderedEnqueuer{
		recordingEnqueuer: recordingEnqueuer{err: enqueueErr},
		order:             order,
	}
	return NewService(store, queue, testClock, testLogger()), store, queue, order
}

func TestService_IngestPersistsBeforeEnqueue(t *testing.T) {
	svc, store, queue, order := newTestService(nil, nil)

	ev, err := svc.Ingest(context.Background(), types.ProviderVindi, "bill_paid", []byte(`{"x":1}`))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, []string{"insert", "enqueue"}, *order)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, types.WebhookStatusPending, ev.Status)
	assert.Equal(t, testClock.At, ev.ReceivedAt)

	stored := store.events[ev.ID]
	require.NotNil(t, stored)
	assert.Equal(t, types.ProviderVindi, stored.Provider)

	require.Len(t, queue.jobIDs, 1)
	assert.Equal(t, "webhook:"+ev.ID, queue.jobIDs[0])
	assert.Equal(t, types.JobProcessWebhook, queue.kinds[0])
}

func TestService_IngestSurvivesBrokerOutage(t *testing.T) {
	svc, store, _, _ := newTestService(nil, errors.New("broker unreachable"))

	ev, err := svc.Ingest(context.Background(), types.ProviderVindi, "bill_paid", []byte(`{}`))
	require.NoError(t, err, "the provider still gets its acknowledgment")
	require.NotNil(t, ev)

	stored := store.events[ev.ID]
	require.NotNil(t, stored, "the row outlives the failed enqueue")
	assert.Equal(t, types.WebhookStatusPending, stored.Status)
}

func TestService_IngestInsertFailurePropagates(t *testing.T) {
	svc, _, queue, _ := newTestService(errors.New("connection refused"), nil)

	ev, err := svc.Ingest(context.Background(), types.ProviderStripe, "invoice.paid", []byte(`{}`))
	require.Error(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, queue.jobIDs, "nothing is enqueued for an unrecorded delivery")
}

func TestService_EnqueueProcessingReplaysStoredRow(t *testing.T) {
	svc, _, queue, _ := newTestService(nil, nil)

	require.NoError(t, svc.EnqueueProcessing(context.Background(), "evt_stranded"))
	require.Len(t, queue.jobIDs, 1)
	assert.Equal(t, "webhook:evt_stranded", queue.jobIDs[0])
}
