package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"estacao/internal/types"
)

// SessionRepo provides data access for the sessions table and its fallback
// slots. The booking subsystem owns the schema; the core reads scheduling
// fields and writes only the credential columns and the status.
type SessionRepo struct {
	db DBTX
}

// NewSessionRepo creates a SessionRepo backed by the given connection.
func NewSessionRepo(db DBTX) *SessionRepo {
	return &SessionRepo{db: db}
}

// GetSession loads a session by id.
func (r *SessionRepo) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var s types.Session
	err := r.db.QueryRow(ctx,
		`SELECT id, scheduled_at, patient_id, psychologist_id, channel,
		        patient_token, psychologist_token, status, paid, invoice_code
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.ScheduledAt, &s.PatientID, &s.PsychologistID, &s.Channel,
		&s.PatientToken, &s.PsychologistToken, &s.Status, &s.Paid, &s.InvoiceCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodePersistenceNotFound, "session not found", err)
		}
		return nil, types.NewAppError(types.ErrCodePersistenceRead, "failed to load session", err)
	}
	return &s, nil
}

// GetFallbackSlot loads the fallback slot linked to a session. Returns
// (nil, nil) when the session has no linked slot: absence of a fallback is
// an ordinary condition for the resolver, not an error.
func (r *SessionRepo) GetFallbackSlot(ctx context.Context, sessionID string) (*types.FallbackSlot, error) {
	var slot types.FallbackSlot
	err := r.db.QueryRow(ctx,
		`SELECT session_id, slot_date, slot_time
		 FROM agenda_slots WHERE session_id = $1`,
		sessionID,
	).Scan(&slot.SessionID, &slot.SlotDate, &slot.SlotTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodePersistenceRead, "failed to load fallback slot", err)
	}
	return &slot, nil
}

// HasCredentials reports whether both join credentials are populated for the
// session. This is the cheap status query exposed to the rest of the system.
func (r *SessionRepo) HasCredentials(ctx context.Context, id string) (bool, error) {
	var has bool
	err := r.db.QueryRow(ctx,
		`SELECT patient_token IS NOT NULL AND patient_token <> ''
		    AND psychologist_token IS NOT NULL AND psychologist_token <> ''
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&has)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, types.NewAppError(types.ErrCodePersistenceNotFound, "session not found", err)
		}
		return false, types.NewAppError(types.ErrCodePersistenceRead, "failed to read credential state", err)
	}
	return has, nil
}

// SaveCredentials persists a freshly minted credential pair. The write is
// conditional on at least one credential column still being empty: the first
// writer wins, and a second near-simultaneous mint result is discarded here
// rather than overwriting. Returns false when the row was already fully
// credentialed (or the session does not exist).
func (r *SessionRepo) SaveCredentials(ctx context.Context, id string, pair types.CredentialPair) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET patient_token = $2, psychologist_token = $3, channel = $4
		 WHERE id = $1
		   AND (patient_token IS NULL OR patient_token = ''
		     OR psychologist_token IS NULL OR psychologist_token = '')`,
		id, pair.PatientToken, pair.PsychologistToken, pair.Channel,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodePersistenceWrite, "failed to persist credentials", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceStatus moves the session status forward. The guard in SQL enforces
// monotonic progress: a regression (or a repeat of the current status) affects
// zero rows and is treated as success, since the session has already advanced.
func (r *SessionRepo) AdvanceStatus(ctx context.Context, id string, to types.SessionStatus) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = $2
		 WHERE id = $1
		   AND CASE status
		         WHEN 'scheduled'   THEN 1
		         WHEN 'in_progress' THEN 2
		         WHEN 'completed'   THEN 3
		         WHEN 'canceled'    THEN 4
		         ELSE 0
		       END <
		       CASE $2::text
		         WHEN 'scheduled'   THEN 1
		         WHEN 'in_progress' THEN 2
		         WHEN 'completed'   THEN 3
		         WHEN 'canceled'    THEN 4
		         ELSE 0
		       END`,
		id, string(to),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodePersistenceWrite, "failed to advance session status", err)
	}
	return nil
}

// FindAwaitingCredentials returns sessions whose canonical scheduled_at falls
// inside [from, to] and which still lack at least one credential. The bounds
// are civil-time strings in the canonical format; scheduled_at is TEXT, so
// the range comparison is lexicographic, which the fixed format makes
// equivalent to chronological order. Batch size is bounded to cap sweep load.
func (r *SessionRepo) FindAwaitingCredentials(ctx context.Context, from, to string, limit int) ([]types.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, scheduled_at, patient_id, psychologist_id, channel,
		        patient_token, psychologist_token, status, paid, invoice_code
		 FROM sessions
		 WHERE scheduled_at IS NOT NULL
		   AND scheduled_at >= $1 AND scheduled_at <= $2
		   AND (patient_token IS NULL OR patient_token = ''
		     OR psychologist_token IS NULL OR psychologist_token = '')
		   AND status NOT IN ('completed', 'canceled')
		 ORDER BY scheduled_at
		 LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodePersistenceRead, "failed to query sessions awaiting credentials", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		var s types.Session
		if err := rows.Scan(&s.ID, &s.ScheduledAt, &s.PatientID, &s.PsychologistID, &s.Channel,
			&s.PatientToken, &s.PsychologistToken, &s.Status, &s.Paid, &s.InvoiceCode); err != nil {
			return nil, types.NewAppError(types.ErrCodePersistenceRead, "failed to scan session row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodePersistenceRead, "session row iteration failed", err)
	}
	return out, nil
}
