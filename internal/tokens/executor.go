// Package tokens implements idempotent credential generation for video
// sessions. The executor is invoked from delayed jobs, from the sweepers, and
// from on-demand callers; any number of concurrent invocations for the same
// session converge on one persisted credential set.
package tokens

import (
	"context"
	"errors"
	"log/slog"

	"estacao/internal/types"
)

// SessionStore is the persistence surface the executor needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	HasCredentials(ctx context.Context, sessionID string) (bool, error)
	SaveCredentials(ctx context.Context, sessionID string, creds types.CredentialPair) (bool, error)
	AdvanceStatus(ctx context.Context, sessionID string, target types.SessionStatus) error
}

// CredentialMinter produces the credential pair for a session.
type CredentialMinter interface {
	Mint(ctx context.Context, sessionID string) (types.CredentialPair, error)
}

// Executor generates and persists session credentials exactly once per
// session, without locks. Idempotency comes from a read-before-mint check
// plus a first-writer-wins conditional write: when two invocations race past
// the check, both mint but only one write lands, and the loser treats the
// outcome as success.
type Executor struct {
	store  SessionStore
	minter CredentialMinter
	logger *slog.Logger
}

// NewExecutor builds an executor.
func NewExecutor(store SessionStore, minter CredentialMinter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, minter: minter, logger: logger}
}

// Generate ensures the session has credentials. Calling it for a session that
// already has them is a cheap no-op. A canceled or completed session is also
// a no-op: credentials for it would never be used.
func (e *Executor) Generate(ctx context.Context, sessionID string) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodePersistenceNotFound {
			e.logger.WarnContext(ctx, "credential generation for unknown session", "session_id", sessionID)
			return err
		}
		return err
	}

	if session.Status == types.StatusCompleted || session.Status == types.StatusCanceled {
		e.logger.InfoContext(ctx, "skipping credential generation for closed session",
			"session_id", sessionID,
			"status", session.Status,
		)
		return nil
	}
	if session.HasCredentials() {
		return nil
	}

	creds, err := e.minter.Mint(ctx, sessionID)
	if err != nil {
		return err
	}

	wrote, err := e.store.SaveCredentials(ctx, sessionID, creds)
	if err != nil {
		return err
	}
	if !wrote {
		// Another invocation won the write. Its credentials are the ones
		// participants will receive; ours are discarded.
		e.logger.InfoContext(ctx, "credentials already written by concurrent invocation",
			"session_id", sessionID,
		)
		return nil
	}

	if err := e.store.AdvanceStatus(ctx, sessionID, types.StatusInProgress); err != nil {
		// Credentials landed; the status transition is retried by the next
		// sweep rather than failing the whole generation.
		e.logger.WarnContext(ctx, "credentials saved but status transition failed",
			"session_id", sessionID,
			"error", err,
		)
	}

	e.logger.InfoContext(ctx, "session credentials generated",
		"session_id", sessionID,
		"channel", creds.Channel,
	)
	return nil
}

// GenerateBool adapts Generate to callers that act on a success flag instead
// of an error chain.
func (e *Executor) GenerateBool(ctx context.Context, sessionID string) bool {
	if err := e.Generate(ctx, sessionID); err != nil {
		e.logger.ErrorContext(ctx, "credential generation failed",
			"session_id", sessionID,
			"error", err,
		)
		return false
	}
	return true
}

// HasCredentials reports whether the session already holds a credential set.
func (e *Executor) HasCredentials(ctx context.Context, sessionID string) (bool, error) {
	return e.store.HasCredentials(ctx, sessionID)
}
