package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"estacao/internal/types"
)

// QueueOptions is the retry and retention profile of a queue. Every job
// enqueued on the queue inherits it.
type QueueOptions struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	CompletedTTL time.Duration
	FailedTTL    time.Duration
}

// Job is the unit of work carried by a queue. Attempts counts deliveries
// including the one currently in progress, so a handler can tell whether it
// is running the final attempt. LastError carries the most recent handler
// error and survives on the dead body after the attempt cap; ClaimedAt is
// stamped on dequeue and drives stalled-job reclaim.
type Job struct {
	ID          string          `json:"id"`
	Kind        types.JobKind   `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	ClaimedAt   time.Time       `json:"claimed_at,omitzero"`
	LastError   string          `json:"last_error,omitempty"`
}

// FinalAttempt reports whether no further redelivery will follow this one.
func (j *Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Queue is a named Redis-backed job queue. Ready jobs live on a list and are
// claimed with BLMOVE onto a processing list, so a job in flight keeps a
// durable reference until Complete or RetryOrFail releases it; a consumer
// that dies mid-job leaves its entry behind for ReclaimStalled. Delayed jobs
// live on a sorted set scored by due time and are promoted onto the ready
// list by a worker's promoter loop. Job bodies are stored under their own
// keys so a delayed job re-enqueued under the same ID replaces the pending
// one instead of duplicating it.
type Queue struct {
	manager *Manager
	name    string
	opts    QueueOptions
	clock   types.Clock
	logger  *slog.Logger
}

func newQueue(m *Manager, name string, opts QueueOptions, clock types.Clock, logger *slog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Queue{manager: m, name: name, opts: opts, clock: clock, logger: logger}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey() string      { return "q:" + q.name + ":ready" }
func (q *Queue) delayedKey() string    { return "q:" + q.name + ":delayed" }
func (q *Queue) processingKey() string { return "q:" + q.name + ":processing" }
func (q *Queue) jobKey(id string) string {
	return "q:" + q.name + ":job:" + id
}

// promoteScript moves due jobs from the delayed set to the ready list
// atomically. KEYS[1] delayed zset, KEYS[2] ready list, ARGV[1] now in unix
// milliseconds, ARGV[2] batch limit.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// Enqueue stores the job body and pushes it onto the ready list for immediate
// consumption.
func (q *Queue) Enqueue(ctx context.Context, kind types.JobKind, jobID string, payload any) error {
	return q.enqueue(ctx, kind, jobID, payload, 0)
}

// EnqueueDelayed stores the job body and schedules it for promotion after the
// given delay. Re-enqueueing an ID that is still pending overwrites the body
// and moves the due time, so a rescheduled session ends up with exactly one
// pending job.
func (q *Queue) EnqueueDelayed(ctx context.Context, kind types.JobKind, jobID string, payload any, delay time.Duration) error {
	return q.enqueue(ctx, kind, jobID, payload, delay)
}

func (q *Queue) enqueue(ctx context.Context, kind types.JobKind, jobID string, payload any, delay time.Duration) error {
	if !kind.Valid() {
		return types.NewAppError(types.ErrCodeBrokerEnqueue, fmt.Sprintf("unknown job kind %q", kind), nil)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerEnqueue, "failed to encode job payload", err)
	}

	client, err := q.manager.Conn(ctx)
	if err != nil {
		return err
	}

	job := Job{
		ID:          jobID,
		Kind:        kind,
		Payload:     body,
		Attempts:    0,
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  q.clock.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerEnqueue, "failed to encode job", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, q.jobKey(jobID), encoded, 0)
	if delay > 0 {
		due := q.clock.Now().Add(delay)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.LPush(ctx, q.readyKey(), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewAppError(types.ErrCodeBrokerEnqueue, "failed to enqueue job", err)
	}

	q.logger.DebugContext(ctx, "job enqueued",
		"job_id", jobID,
		"kind", kind,
		"delay", delay,
	)
	return nil
}

// Remove deletes a pending job by ID from both the delayed set and its body
// key. A job already promoted to the ready list is not recalled.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	client, err := q.manager.Conn(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.ZRem(ctx, q.delayedKey(), jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteDue moves up to limit due delayed jobs onto the ready list and
// returns how many moved.
func (q *Queue) PromoteDue(ctx context.Context, limit int) (int, error) {
	client, err := q.manager.Conn(ctx)
	if err != nil {
		return 0, err
	}
	n, err := promoteScript.Run(ctx, client,
		[]string{q.delayedKey(), q.readyKey()},
		q.clock.Now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promoting due jobs on %s: %w", q.name, err)
	}
	return n, nil
}

// Dequeue blocks up to timeout for a ready job, moves its ID onto the
// processing list, loads its body, and records the delivery by incrementing
// Attempts and stamping ClaimedAt before handing the job out. The processing
// entry persists until Complete or RetryOrFail, so a consumer crash leaves a
// reclaimable trace instead of losing the delivery. Returns nil, nil on
// timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	client, err := q.manager.Conn(ctx)
	if err != nil {
		return nil, err
	}

	jobID, err := client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming from %s: %w", q.name, err)
	}

	raw, err := client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Body pruned or removed while the ID sat on the ready list.
			q.logger.WarnContext(ctx, "ready job has no body, dropping", "job_id", jobID)
			_ = client.LRem(ctx, q.processingKey(), 1, jobID).Err()
			return nil, nil
		}
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		q.logger.ErrorContext(ctx, "dropping undecodable job", "job_id", jobID, "error", err)
		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, jobID)
		pipe.Del(ctx, q.jobKey(jobID))
		_, _ = pipe.Exec(ctx)
		return nil, nil
	}

	job.Attempts++
	job.ClaimedAt = q.clock.Now().UTC()
	updated, err := json.Marshal(&job)
	if err == nil {
		_ = client.Set(ctx, q.jobKey(jobID), updated, 0).Err()
	}
	return &job, nil
}

// Complete marks a job finished, releasing its processing entry and leaving
// the body behind under the completed retention TTL for inspection.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	client, err := q.manager.Conn(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.ID)
	if q.opts.CompletedTTL <= 0 {
		pipe.Del(ctx, q.jobKey(job.ID))
	} else {
		pipe.Expire(ctx, q.jobKey(job.ID), q.opts.CompletedTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// RetryOrFail routes a failed delivery, recording cause on the job body so
// the dead record names what killed it. Before the attempt cap the job goes
// back on the delayed set with exponential backoff; at the cap it is left
// dead under the failed retention TTL.
func (q *Queue) RetryOrFail(ctx context.Context, job *Job, cause error) error {
	client, err := q.manager.Conn(ctx)
	if err != nil {
		return err
	}

	if cause != nil {
		job.LastError = cause.Error()
	}
	body, merr := json.Marshal(job)

	if job.FinalAttempt() {
		q.logger.WarnContext(ctx, "job exhausted retries",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempts", job.Attempts,
			"last_error", job.LastError,
		)
		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, job.ID)
		if q.opts.FailedTTL <= 0 {
			pipe.Del(ctx, q.jobKey(job.ID))
		} else {
			if merr == nil {
				pipe.Set(ctx, q.jobKey(job.ID), body, 0)
			}
			pipe.Expire(ctx, q.jobKey(job.ID), q.opts.FailedTTL)
		}
		_, err = pipe.Exec(ctx)
		return err
	}

	backoff := q.opts.BackoffBase * time.Duration(1<<(job.Attempts-1))
	due := q.clock.Now().Add(backoff)
	pipe := client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.ID)
	if merr == nil {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
	}
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rescheduling job %s: %w", job.ID, err)
	}
	q.logger.DebugContext(ctx, "job scheduled for retry",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"backoff", backoff,
	)
	return nil
}

// ReclaimStalled returns processing-list entries whose claim is older than
// stalledAfter to the ready list. A reclaimed job is redelivered with its
// attempt already counted, so a consumer that keeps dying on the same job
// still runs out of attempts. Delivery stays at-least-once: a slow but live
// consumer past the threshold causes a duplicate run, not a loss.
func (q *Queue) ReclaimStalled(ctx context.Context, stalledAfter time.Duration) (int, error) {
	client, err := q.manager.Conn(ctx)
	if err != nil {
		return 0, err
	}

	ids, err := client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("listing processing entries on %s: %w", q.name, err)
	}

	cutoff := q.clock.Now().Add(-stalledAfter)
	reclaimed := 0
	for _, jobID := range ids {
		raw, err := client.Get(ctx, q.jobKey(jobID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Orphaned entry; its body was pruned or completed elsewhere.
				_ = client.LRem(ctx, q.processingKey(), 1, jobID).Err()
			}
			continue
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			continue
		}
		// A zero ClaimedAt means the claim stamp never landed; the job was
		// abandoned at the earliest possible point and is safe to return.
		if !job.ClaimedAt.IsZero() && job.ClaimedAt.After(cutoff) {
			continue
		}

		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, jobID)
		pipe.LPush(ctx, q.readyKey(), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("reclaiming job %s: %w", jobID, err)
		}
		reclaimed++
		q.logger.WarnContext(ctx, "reclaimed stalled job",
			"job_id", jobID,
			"kind", job.Kind,
			"attempts", job.Attempts,
			"claimed_at", job.ClaimedAt,
		)
	}
	return reclaimed, nil
}
