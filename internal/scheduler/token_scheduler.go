package scheduler

import (
	"context"
	"log/slog"
	"time"

	"estacao/internal/types"
)

const (
	// MaxDelayHorizon bounds how far ahead a generation job may be booked.
	// Sessions further out are picked up by a later booking pass or by the
	// sweepers once they come inside the horizon.
	MaxDelayHorizon = 7 * 24 * time.Hour

	// ImmediateThreshold is the delay below which booking a job is pointless
	// overhead and generation runs inline instead.
	ImmediateThreshold = time.Second
)

// CredentialExecutor runs credential generation for one session.
type CredentialExecutor interface {
	Generate(ctx context.Context, sessionID string) error
}

// DelayedEnqueuer books a uniquely keyed delayed job. Re-booking the same key
// replaces the pending job.
type DelayedEnqueuer interface {
	EnqueueDelayed(ctx context.Context, kind types.JobKind, jobID string, payload any, delay time.Duration) error
}

// SessionLoader loads the session row the scheduler resolves against.
type SessionLoader interface {
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
}

// TokenScheduler books credential generation against a session's resolved
// start. It is fire-and-forget by contract: Schedule reports success as a
// bool and never propagates an error, because its callers (booking flows,
// sweeps) must not fail when scheduling does.
type TokenScheduler struct {
	sessions SessionLoader
	resolver *Resolver
	executor CredentialExecutor
	queue    DelayedEnqueuer
	clock    types.Clock
	logger   *slog.Logger
}

// NewTokenScheduler builds a scheduler.
func NewTokenScheduler(
	sessions SessionLoader,
	resolver *Resolver,
	executor CredentialExecutor,
	queue DelayedEnqueuer,
	clock types.Clock,
	logger *slog.Logger,
) *TokenScheduler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenScheduler{
		sessions: sessions,
		resolver: resolver,
		executor: executor,
		queue:    queue,
		clock:    clock,
		logger:   logger,
	}
}

// JobID returns the unique job key for a session's generation job. One
// session maps to one pending job; rescheduling replaces it.
func JobID(sessionID string) string {
	return "credentials:" + sessionID
}

// Schedule books credential generation for the session and reports whether a
// booking (or inline execution) happened. All failure modes return false
// after logging; none raise.
func (s *TokenScheduler) Schedule(ctx context.Context, sessionID string) bool {
	log := s.logger.With("session_id", sessionID)

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		log.ErrorContext(ctx, "cannot schedule credentials, session load failed", "error", err)
		return false
	}

	resolved, err := s.resolver.Resolve(ctx, session)
	if err != nil {
		log.ErrorContext(ctx, "cannot schedule credentials, start time unresolved",
			"error", err,
			"code", types.CodeOf(err),
		)
		return false
	}

	delay := resolved.At.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	if delay > MaxDelayHorizon {
		log.WarnContext(ctx, "session start beyond scheduling horizon, not booking",
			"starts_at", resolved.At,
			"delay", delay,
		)
		return false
	}

	if delay < ImmediateThreshold {
		if err := s.executor.Generate(ctx, sessionID); err != nil {
			log.ErrorContext(ctx, "inline credential generation failed", "error", err)
			return false
		}
		log.InfoContext(ctx, "credentials generated inline, session start imminent",
			"source", resolved.Source,
		)
		return true
	}

	payload := types.CredentialJobPayload{SessionID: sessionID}
	if err := s.queue.EnqueueDelayed(ctx, types.JobGenerateCredentials, JobID(sessionID), payload, delay); err != nil {
		log.ErrorContext(ctx, "failed to book credential generation job", "error", err)
		return false
	}

	log.InfoContext(ctx, "credential generation booked",
		"starts_at", resolved.At,
		"delay", delay,
		"source", resolved.Source,
	)
	return true
}
