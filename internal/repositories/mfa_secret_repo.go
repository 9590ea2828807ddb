package repositories

import (
	"context"
	"time"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// MFASecretRepository persists encrypted TOTP secrets, one row per user.
type MFASecretRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewMFASecretRepository(db *database.DB, clock clockwork.Clock) *MFASecretRepository {
	return &MFASecretRepository{pool: db.Pool, clock: clock}
}

func (r *MFASecretRepository) Get(ctx context.Context, userID string) (*models.MFASecret, error) {
	query := `
		SELECT user_id, secret_encrypted, secret_nonce, enabled, enabled_at, last_used_at, created_at
		FROM mfa_secrets WHERE user_id = $1
	`

	var s models.MFASecret
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.SecretEncrypted, &s.SecretNonce,
		&s.Enabled, &s.EnabledAt, &s.LastUsedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

// Upsert stores a disabled secret, replacing any existing disabled row. An
// already-enabled secret is never silently replaced; callers check first.
func (r *MFASecretRepository) Upsert(ctx context.Context, s *models.MFASecret) error {
	s.CreatedAt = r.clock.Now().UTC()

	query := `
		INSERT INTO mfa_secrets (user_id, secret_encrypted, secret_nonce, enabled, created_at)
		VALUES ($1, $2, $3, false, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET secret_encrypted = EXCLUDED.secret_encrypted,
			secret_nonce = EXCLUDED.secret_nonce,
			enabled = false,
			enabled_at = NULL,
			last_used_at = NULL,
			created_at = EXCLUDED.created_at
		WHERE mfa_secrets.enabled = false
	`

	result, err := r.pool.Exec(ctx, query, s.UserID, s.SecretEncrypted, s.SecretNonce, s.CreatedAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrMFAAlreadyEnabled
	}
	return nil
}

// Enable flips the secret to enabled after the first successful verification.
func (r *MFASecretRepository) Enable(ctx context.Context, userID string) error {
	now := r.clock.Now().UTC()

	query := `UPDATE mfa_secrets SET enabled = true, enabled_at = $1 WHERE user_id = $2 AND enabled = false`

	result, err := r.pool.Exec(ctx, query, now, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetLastUsedAt records a successful TOTP verification time for replay
// suppression within the accepted step window.
func (r *MFASecretRepository) SetLastUsedAt(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE mfa_secrets SET last_used_at = $1 WHERE user_id = $2`

	_, err := r.pool.Exec(ctx, query, at, userID)
	return database.MapPostgresError(err)
}

// Delete destroys the secret (MFA disable).
func (r *MFASecretRepository) Delete(ctx context.Context, userID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM mfa_secrets WHERE user_id = $1`, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
