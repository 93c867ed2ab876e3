// Package scheduler decides when session credentials come into existence. It
// resolves the scheduled start of a session, books delayed generation jobs
// against that start, and runs the redundant sweeps that catch sessions the
// primary path missed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"estacao/internal/types"
)

// TimeLayout is the canonical civil-time format sessions are stored in.
// Values in this layout compare chronologically as plain strings.
const TimeLayout = "2006-01-02 15:04:05"

// ResolutionSource records which persisted field produced the resolved start.
type ResolutionSource string

const (
	SourceCanonical ResolutionSource = "canonical"
	SourceFallback  ResolutionSource = "fallback_slot"
)

// ResolvedStart is the outcome of resolving a session's scheduled start.
type ResolvedStart struct {
	At     time.Time
	Source ResolutionSource
}

// FallbackSlotStore looks up the reservation slot a session was booked from.
type FallbackSlotStore interface {
	GetFallbackSlot(ctx context.Context, sessionID string) (*types.FallbackSlot, error)
}

// Resolver turns a session's persisted schedule into a concrete instant in
// the platform's civil timezone. The canonical start string is authoritative:
// the fallback slot is consulted only when no canonical value exists at all.
// A canonical value that is present but unparseable is an error, never a
// trigger for fallback, because silently substituting the slot could move the
// session to a different time than the one participants were told.
type Resolver struct {
	slots    FallbackSlotStore
	location *time.Location
}

// NewResolver builds a resolver over the given slot store and civil timezone.
func NewResolver(slots FallbackSlotStore, location *time.Location) *Resolver {
	return &Resolver{slots: slots, location: location}
}

// Resolve returns the scheduled start of the session.
func (r *Resolver) Resolve(ctx context.Context, session *types.Session) (*ResolvedStart, error) {
	if session.ScheduledAt != nil && *session.ScheduledAt != "" {
		at, err := time.ParseInLocation(TimeLayout, *session.ScheduledAt, r.location)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeResolutionUnparseable,
				fmt.Sprintf("session %s has unparseable scheduled time %q", session.ID, *session.ScheduledAt),
				err,
			)
		}
		return &ResolvedStart{At: at, Source: SourceCanonical}, nil
	}

	slot, err := r.slots.GetFallbackSlot(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, types.NewAppError(
			types.ErrCodeResolutionNoSource,
			fmt.Sprintf("session %s has neither a scheduled time nor a reservation slot", session.ID),
			nil,
		)
	}

	at, err := time.ParseInLocation(TimeLayout, slot.StartString(), r.location)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeResolutionUnparseable,
			fmt.Sprintf("session %s has unparseable reservation slot %q", session.ID, slot.StartString()),
			err,
		)
	}
	return &ResolvedStart{At: at, Source: SourceFallback}, nil
}
