package repositories

import (
	"context"
	"fmt"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
)

// EmailCodeRepository persists one-time email codes. The invariant "at most
// one live code per user" is enforced here: issuing supersedes predecessors
// in the same transaction.
type EmailCodeRepository struct {
	db    *database.DB
	clock clockwork.Clock
}

func NewEmailCodeRepository(db *database.DB, clock clockwork.Clock) *EmailCodeRepository {
	return &EmailCodeRepository{db: db, clock: clock}
}

// Issue invalidates all prior non-used codes for the user and inserts the new
// one atomically. ResendCount is taken from the model: a resend stores a fresh
// code (only the hash is kept, so the original cannot be re-sent) that
// inherits the predecessor's resend tally.
func (r *EmailCodeRepository) Issue(ctx context.Context, code *models.EmailMFACode) error {
	now := r.clock.Now().UTC()
	code.ID = uuid.New().String()
	code.CreatedAt = now
	code.LastSentAt = now

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE email_mfa_codes SET used = true WHERE user_id = $1 AND used = false`,
			code.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to supersede prior codes: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO email_mfa_codes (id, user_id, code_hash, expires_at, attempts, resend_count, last_sent_at, used, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, false, $7)`,
			code.ID, code.UserID, code.CodeHash, code.ExpiresAt, code.ResendCount, code.LastSentAt, code.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert email code: %w", err)
		}

		return nil
	})
}

// GetActive returns the user's single live (non-used) code, expired or not;
// the caller decides how to surface expiry.
func (r *EmailCodeRepository) GetActive(ctx context.Context, userID string) (*models.EmailMFACode, error) {
	query := `
		SELECT id, user_id, code_hash, expires_at, attempts, resend_count, last_sent_at, used, created_at
		FROM email_mfa_codes
		WHERE user_id = $1 AND used = false
		ORDER BY created_at DESC
		LIMIT 1
	`

	var c models.EmailMFACode
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&c.ID, &c.UserID, &c.CodeHash, &c.ExpiresAt,
		&c.Attempts, &c.ResendCount, &c.LastSentAt, &c.Used, &c.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &c, nil
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *EmailCodeRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	query := `UPDATE email_mfa_codes SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`

	var attempts int
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&attempts)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return attempts, nil
}

// MarkUsed consumes the code with a compare-and-set; false means another
// request consumed or superseded it first.
func (r *EmailCodeRepository) MarkUsed(ctx context.Context, id string) (bool, error) {
	query := `UPDATE email_mfa_codes SET used = true WHERE id = $1 AND used = false RETURNING id`

	var consumed string
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&consumed)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return true, nil
}

// Invalidate marks the code used without a successful verification, e.g.
// after a failed email dispatch so the user can request a fresh code.
func (r *EmailCodeRepository) Invalidate(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE email_mfa_codes SET used = true WHERE id = $1`, id)
	return database.MapPostgresError(err)
}

// DeleteExpired removes terminal rows past their expiry.
func (r *EmailCodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM email_mfa_codes WHERE expires_at <= $1`

	result, err := r.db.Pool.Exec(ctx, query, r.clock.Now().UTC())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
