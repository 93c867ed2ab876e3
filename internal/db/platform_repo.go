package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"estacao/internal/types"
)

// PlatformConfigRepo reads the singleton platform configuration record. The
// core only needs the daily generation time used to arm the agenda batch job.
type PlatformConfigRepo struct {
	db DBTX
}

// NewPlatformConfigRepo creates a PlatformConfigRepo backed by the given connection.
func NewPlatformConfigRepo(db DBTX) *PlatformConfigRepo {
	return &PlatformConfigRepo{db: db}
}

// DailyGenerationTime returns the configured "HH:mm" daily run time, or an
// error when the record is absent or the field unset.
func (r *PlatformConfigRepo) DailyGenerationTime(ctx context.Context) (string, error) {
	var t *string
	err := r.db.QueryRow(ctx,
		`SELECT daily_generation_time FROM platform_config LIMIT 1`,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodePersistenceNotFound, "platform config record missing", err)
		}
		return "", types.NewAppError(types.ErrCodePersistenceRead, "failed to read platform config", err)
	}
	if t == nil || *t == "" {
		return "", types.NewAppError(types.ErrCodePersistenceNotFound, "daily generation time not configured", nil)
	}
	return *t, nil
}
