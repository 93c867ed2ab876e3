// Package broker implements the durable job substrate on Redis: a shared
// lazily-established connection, named queues with per-queue retry and
// retention policy, delayed jobs keyed for replacement, and worker pools.
//
// Delivery is at-least-once. Nothing in this package deduplicates execution;
// correctness downstream rests on handler idempotency.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"estacao/internal/config"
	"estacao/internal/types"
)

// Manager owns the single shared Redis connection and the per-process queue
// instances. A connection is reused while PING succeeds; on probe failure it
// is discarded and re-established. Concurrent callers that arrive while no
// healthy connection exists share one in-flight establishment through a
// singleflight group, so a broker restart never triggers a reconnect herd.
type Manager struct {
	cfg    config.RedisConfig
	clock  types.Clock
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client

	connecting singleflight.Group

	queueMu sync.Mutex
	queues  map[string]*Queue
}

// NewManager creates a Manager. No connection is made until the first caller
// needs one, so a slow broker cannot stall process startup.
func NewManager(cfg config.RedisConfig, clock types.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Manager{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		queues: make(map[string]*Queue),
	}
}

// Conn returns the shared connection, establishing or re-establishing it as
// needed. Callers receive a broker_unavailable AppError instead of blocking
// when the broker cannot be reached.
func (m *Manager) Conn(ctx context.Context) (*redis.Client, error) {
	m.mu.Lock()
	existing := m.client
	m.mu.Unlock()

	if existing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		err := existing.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return existing, nil
		}
		m.logger.WarnContext(ctx, "broker connection failed liveness probe, reconnecting",
			"error", err,
		)
		m.discard(existing)
	}

	v, err, _ := m.connecting.Do("connect", func() (any, error) {
		return m.establish(ctx)
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to establish broker connection", err)
	}
	return v.(*redis.Client), nil
}

// establish dials and validates a fresh connection, storing it as the shared
// handle. Runs inside the singleflight group.
func (m *Manager) establish(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        m.cfg.Addr,
		Password:    m.cfg.Password.Unmask(),
		DB:          m.cfg.DB,
		DialTimeout: m.cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging %s: %w", m.cfg.Addr, err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "broker connection established", "addr", m.cfg.Addr)
	return client, nil
}

// discard drops the shared handle if it is still the given client.
func (m *Manager) discard(c *redis.Client) {
	m.mu.Lock()
	if m.client == c {
		m.client = nil
	}
	m.mu.Unlock()
	_ = c.Close()
}

// Close releases the shared connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

// Queue returns the named queue, creating and memoizing it on first use.
// Repeated calls with the same name return the same instance regardless of
// options, matching create-once-per-process semantics.
func (m *Manager) Queue(name string, opts QueueOptions) *Queue {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := newQueue(m, name, opts, m.clock, m.logger.With("queue", name))
	m.queues[name] = q
	return q
}

// Named queue accessors. Each system queue is created once per process with
// the retry/retention profile its workload needs.

// CredentialQueue carries delayed credential-generation jobs.
func (m *Manager) CredentialQueue() *Queue {
	return m.Queue("session-credentials", QueueOptions{
		MaxAttempts:  3,
		BackoffBase:  5 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
	})
}

// WebhookQueue carries webhook processing jobs. More attempts than the
// credential queue: payment events must survive longer provider flakiness.
func (m *Manager) WebhookQueue() *Queue {
	return m.Queue("webhook-processing", QueueOptions{
		MaxAttempts:  5,
		BackoffBase:  3 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
	})
}

// FollowUpQueue carries the non-critical secondary effects of settled bills.
func (m *Manager) FollowUpQueue() *Queue {
	return m.Queue("webhook-followup", QueueOptions{
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
	})
}

// NotificationQueue carries participant notifications.
func (m *Manager) NotificationQueue() *Queue {
	return m.Queue("notifications", QueueOptions{
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
	})
}

// AgendaQueue carries the daily agenda-generation batch job.
func (m *Manager) AgendaQueue() *Queue {
	return m.Queue("daily-agenda", QueueOptions{
		MaxAttempts:  3,
		BackoffBase:  5 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
	})
}

// RenewalQueue carries plan-renewal jobs for the billing collaborator.
func (m *Manager) RenewalQueue() *Queue {
	return m.Queue("plan-renewals", QueueOptions{
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
	})
}
