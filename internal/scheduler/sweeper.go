package scheduler

import (
	"context"
	"log/slog"
	"time"

	"estacao/internal/types"
)

// earlyTolerance is how far before its start a sweep may mint for a session.
// Inside this margin waiting for the delayed job buys nothing; outside it the
// job (or a later sweep) is still the right owner.
const earlyTolerance = 15 * time.Second

// SweepAction selects what a tier does with each uncredentialed candidate.
type SweepAction int

const (
	// ActionExecute generates credentials directly during the sweep.
	ActionExecute SweepAction = iota
	// ActionSchedule re-books the delayed generation job instead, restoring
	// the primary path for sessions whose booking was lost.
	ActionSchedule
)

// TierConfig parameterizes one sweep tier. All tiers run the same component;
// they differ only in cadence, window shape, batch size, and action.
type TierConfig struct {
	Name         string
	Interval     time.Duration
	WindowBefore time.Duration
	WindowAfter  time.Duration
	BatchSize    int
	Action       SweepAction
}

// PrimaryCatchupTier is the tight net directly behind the delayed-job path.
func PrimaryCatchupTier() TierConfig {
	return TierConfig{
		Name:         "primary-catchup",
		Interval:     time.Minute,
		WindowBefore: time.Minute,
		WindowAfter:  time.Minute,
		BatchSize:    50,
		Action:       ActionExecute,
	}
}

// SecondaryNetTier runs offset from the primary tier with a wider look-back,
// so a sweep lost to a crash or deploy is covered within seconds.
func SecondaryNetTier() TierConfig {
	return TierConfig{
		Name:         "secondary-net",
		Interval:     45 * time.Second,
		WindowBefore: 2 * time.Minute,
		WindowAfter:  time.Minute,
		BatchSize:    25,
		Action:       ActionExecute,
	}
}

// VerificationTier is the slow wide net. It re-books the delayed job rather
// than minting, putting stragglers back on the primary path.
func VerificationTier() TierConfig {
	return TierConfig{
		Name:         "verification",
		Interval:     5 * time.Minute,
		WindowBefore: 5 * time.Minute,
		WindowAfter:  2 * time.Minute,
		BatchSize:    100,
		Action:       ActionSchedule,
	}
}

// CandidateFinder lists sessions scheduled inside a civil-time window that
// still lack credentials.
type CandidateFinder interface {
	FindAwaitingCredentials(ctx context.Context, from, to string, limit int) ([]types.Session, error)
}

// Rebooker re-books the delayed generation job for a session.
type Rebooker interface {
	Schedule(ctx context.Context, sessionID string) bool
}

// Sweeper periodically scans for sessions that should have credentials by now
// and do not. Three tiers of the same component run concurrently with
// different configs; any one of them reaching a session is sufficient, and
// the executor's idempotency makes overlap harmless.
type Sweeper struct {
	cfg      TierConfig
	finder   CandidateFinder
	executor CredentialExecutor
	rebooker Rebooker
	location *time.Location
	clock    types.Clock
	logger   *slog.Logger
}

// NewSweeper builds one sweep tier. rebooker may be nil for ActionExecute
// tiers.
func NewSweeper(
	cfg TierConfig,
	finder CandidateFinder,
	executor CredentialExecutor,
	rebooker Rebooker,
	location *time.Location,
	clock types.Clock,
	logger *slog.Logger,
) *Sweeper {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		finder:   finder,
		executor: executor,
		rebooker: rebooker,
		location: location,
		clock:    clock,
		logger:   logger.With("sweeper", cfg.Name),
	}
}

// Run sweeps once immediately and then on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass. Every failure is per-candidate: one bad session never
// blocks the rest of the batch, and the pass itself never errors out of Run.
func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now().In(s.location)
	from := now.Add(-s.cfg.WindowBefore).Format(TimeLayout)
	to := now.Add(s.cfg.WindowAfter).Format(TimeLayout)

	candidates, err := s.finder.FindAwaitingCredentials(ctx, from, to, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep query failed", "error", err, "from", from, "to", to)
		return
	}
	if len(candidates) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "sweep found uncredentialed sessions",
		"count", len(candidates),
		"from", from,
		"to", to,
	)

	handled := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return
		}
		if s.handle(ctx, &candidates[i], now) {
			handled++
		}
	}
	if handled > 0 {
		s.logger.InfoContext(ctx, "sweep pass complete", "handled", handled, "of", len(candidates))
	}
}

// handle processes one candidate and reports whether anything was done.
func (s *Sweeper) handle(ctx context.Context, session *types.Session, now time.Time) bool {
	log := s.logger.With("session_id", session.ID)

	if s.cfg.Action == ActionSchedule {
		return s.rebooker.Schedule(ctx, session.ID)
	}

	// The query window extends past now; do not mint for a session that is
	// still comfortably ahead of its start.
	if session.ScheduledAt != nil && *session.ScheduledAt != "" {
		startsAt, err := time.ParseInLocation(TimeLayout, *session.ScheduledAt, s.location)
		if err == nil {
			if until := startsAt.Sub(now); until > earlyTolerance {
				return false
			}
		}
	}

	if err := s.executor.Generate(ctx, session.ID); err != nil {
		log.ErrorContext(ctx, "sweep credential generation failed", "error", err)
		return false
	}
	return true
}
