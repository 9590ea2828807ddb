package repositories

import (
	"context"
	"time"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// MFAAttemptRepository records MFA verification attempts for the per-user
// lockout accounting.
type MFAAttemptRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewMFAAttemptRepository(db *database.DB, clock clockwork.Clock) *MFAAttemptRepository {
	return &MFAAttemptRepository{pool: db.Pool, clock: clock}
}

func (r *MFAAttemptRepository) Record(ctx context.Context, attempt *models.MFAAttempt) error {
	attempt.ID = uuid.New().String()
	attempt.CreatedAt = r.clock.Now().UTC()

	query := `
		INSERT INTO mfa_attempts (id, user_id, method, success, failure_reason, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.Method,
		attempt.Success, attempt.FailureReason, attempt.IPAddress, attempt.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// CountRecentFailures counts failed attempts for the user since the cutoff.
// A success resets the streak: only failures after the last success count.
func (r *MFAAttemptRepository) CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM mfa_attempts
		WHERE user_id = $1 AND success = false AND created_at >= $2
		  AND created_at > COALESCE(
			(SELECT MAX(created_at) FROM mfa_attempts WHERE user_id = $1 AND success = true),
			'epoch'::timestamptz
		  )
	`

	var count int
	err := r.pool.QueryRow(ctx, query, userID, since).Scan(&count)
	return count, err
}

// DeleteOlderThan prunes attempt rows outside the retention window.
func (r *MFAAttemptRepository) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.clock.Now().UTC().Add(-retention)

	result, err := r.pool.Exec(ctx, `DELETE FROM mfa_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
