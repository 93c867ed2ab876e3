//go:build integration

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"estacao/internal/config"
	"estacao/internal/types"
)

// startRedis spins up a disposable Redis container and returns a Manager
// wired to it.
func startRedis(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	addr = strings.TrimPrefix(addr, "redis://")

	m := NewManager(config.RedisConfig{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		PingTimeout: 2 * time.Second,
	}, types.RealClock{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { m.Close() })
	return m
}

func testQueue(m *Manager, name string) *Queue {
	return m.Queue(name, QueueOptions{
		MaxAttempts:  3,
		BackoffBase:  50 * time.Millisecond,
		CompletedTTL: time.Hour,
		FailedTTL:    time.Hour,
	})
}

func TestQueue_EnqueueDequeueRoundtrip(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "roundtrip")
	ctx := context.Background()

	payload := types.CredentialJobPayload{SessionID: "sess_1"}
	require.NoError(t, q.Enqueue(ctx, types.JobGenerateCredentials, "credentials:sess_1", payload))

	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "credentials:sess_1", job.ID)
	assert.Equal(t, types.JobGenerateCredentials, job.Kind)
	assert.Equal(t, 1, job.Attempts, "dequeue records the delivery")

	var decoded types.CredentialJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &decoded))
	assert.Equal(t, "sess_1", decoded.SessionID)
}

func TestQueue_DequeueTimeoutReturnsNil(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "empty")

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_DelayedJobPromotesWhenDue(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "delayed")
	ctx := context.Background()

	payload := types.CredentialJobPayload{SessionID: "sess_1"}
	require.NoError(t, q.EnqueueDelayed(ctx, types.JobGenerateCredentials, "credentials:sess_1", payload, 300*time.Millisecond))

	// Not due yet: the promoter moves nothing and the ready list stays empty.
	n, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be delivered before its due time")

	time.Sleep(400 * time.Millisecond)

	n, err = q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "credentials:sess_1", job.ID)
}

func TestQueue_ReenqueueSameIDReplacesPending(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "replace")
	ctx := context.Background()

	first := types.CredentialJobPayload{SessionID: "sess_old"}
	require.NoError(t, q.EnqueueDelayed(ctx, types.JobGenerateCredentials, "credentials:sess_1", first, 10*time.Second))

	// Rescheduling the same session replaces the pending job instead of
	// stacking a duplicate.
	second := types.CredentialJobPayload{SessionID: "sess_new"}
	require.NoError(t, q.EnqueueDelayed(ctx, types.JobGenerateCredentials, "credentials:sess_1", second, 100*time.Millisecond))

	time.Sleep(200 * time.Millisecond)
	n, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "exactly one pending job per ID")

	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	var decoded types.CredentialJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &decoded))
	assert.Equal(t, "sess_new", decoded.SessionID, "the replacement body wins")

	job, err = q.Dequeue(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "no duplicate delivery")
}

func TestQueue_RetryOrFailReschedulesWithBackoff(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "retry")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.JobGenerateCredentials, "credentials:sess_1", types.CredentialJobPayload{SessionID: "sess_1"}))

	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.False(t, job.FinalAttempt())

	require.NoError(t, q.RetryOrFail(ctx, job, errors.New("token mint refused")))

	// The 50ms backoff base puts the retry due almost immediately.
	time.Sleep(200 * time.Millisecond)
	n, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	redelivered, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, 2, redelivered.Attempts)
	assert.Equal(t, "token mint refused", redelivered.LastError)
}

func TestQueue_FinalFailureExpiresBody(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "dead")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.JobGenerateCredentials, "credentials:sess_1", types.CredentialJobPayload{SessionID: "sess_1"}))

	var job *Job
	for i := 0; i < 3; i++ {
		time.Sleep(150 * time.Millisecond)
		_, err := q.PromoteDue(ctx, 100)
		require.NoError(t, err)

		var derr error
		job, derr = q.Dequeue(ctx, 2*time.Second)
		require.NoError(t, derr)
		require.NotNil(t, job)
		require.NoError(t, q.RetryOrFail(ctx, job, errors.New("session is gone")))
	}
	require.True(t, job.FinalAttempt())

	client, err := m.Conn(ctx)
	require.NoError(t, err)
	ttl, err := client.TTL(ctx, q.jobKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl, "dead job body must carry the failed retention TTL")

	raw, err := client.Get(ctx, q.jobKey(job.ID)).Bytes()
	require.NoError(t, err)
	var dead Job
	require.NoError(t, json.Unmarshal(raw, &dead))
	assert.Equal(t, "session is gone", dead.LastError, "dead body records what killed the job")
	assert.Equal(t, 3, dead.Attempts)
}

func TestQueue_CompleteAppliesRetentionTTL(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "done")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.JobGenerateCredentials, "credentials:sess_1", types.CredentialJobPayload{SessionID: "sess_1"}))

	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job))

	client, err := m.Conn(ctx)
	require.NoError(t, err)
	ttl, err := client.TTL(ctx, q.jobKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestQueue_ReclaimStalledRedeliversAbandonedJob(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "stalled")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.JobProcessWebhook, "webhook:evt_1", types.WebhookJobPayload{EventID: "evt_1"}))

	// Claim the job and then walk away, as a consumer that died mid-job
	// would: no Complete, no RetryOrFail.
	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Attempts)

	job2, err := q.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, job2, "a claimed job must not be redelivered while in flight")

	n, err := q.ReclaimStalled(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	redelivered, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "webhook:evt_1", redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts, "the abandoned delivery still counted")
}

func TestQueue_ReclaimStalledSparesLiveClaims(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "inflight")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.JobProcessWebhook, "webhook:evt_1", types.WebhookJobPayload{EventID: "evt_1"}))

	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := q.ReclaimStalled(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh claim is not stalled")
}

func TestQueue_CompleteReleasesProcessingEntry(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "released")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.JobProcessWebhook, "webhook:evt_1", types.WebhookJobPayload{EventID: "evt_1"}))

	job, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job))

	n, err := q.ReclaimStalled(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "a completed job leaves nothing to reclaim")

	client, err := m.Conn(ctx)
	require.NoError(t, err)
	pending, err := client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestQueue_RemoveRecallsPendingDelayedJob(t *testing.T) {
	m := startRedis(t)
	q := testQueue(m, "recall")
	ctx := context.Background()

	require.NoError(t, q.EnqueueDelayed(ctx, types.JobGenerateCredentials, "credentials:sess_1", types.CredentialJobPayload{SessionID: "sess_1"}, 100*time.Millisecond))
	require.NoError(t, q.Remove(ctx, "credentials:sess_1"))

	time.Sleep(200 * time.Millisecond)
	n, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_ConnSurvivesReuse(t *testing.T) {
	m := startRedis(t)
	ctx := context.Background()

	first, err := m.Conn(ctx)
	require.NoError(t, err)
	second, err := m.Conn(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second, "a healthy connection is reused")
}
