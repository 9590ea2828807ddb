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

// BackupCodeRepository persists salted hashes of single-use recovery codes.
type BackupCodeRepository struct {
	db    *database.DB
	clock clockwork.Clock
}

func NewBackupCodeRepository(db *database.DB, clock clockwork.Clock) *BackupCodeRepository {
	return &BackupCodeRepository{db: db, clock: clock}
}

// ReplaceAll atomically deletes the user's existing codes and inserts the new
// set. Regeneration must never leave a mix of old and new codes behind.
func (r *BackupCodeRepository) ReplaceAll(ctx context.Context, userID string, codes []*models.BackupCode) error {
	now := r.clock.Now().UTC()

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete old backup codes: %w", err)
		}

		for _, code := range codes {
			code.ID = uuid.New().String()
			code.UserID = userID
			code.CreatedAt = now

			_, err := tx.Exec(ctx,
				`INSERT INTO backup_codes (id, user_id, salt, code_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
				code.ID, code.UserID, code.Salt, code.CodeHash, code.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert backup code: %w", err)
			}
		}

		return nil
	})
}

// ListUnused returns the user's unconsumed codes for constant-time matching.
func (r *BackupCodeRepository) ListUnused(ctx context.Context, userID string) ([]*models.BackupCode, error) {
	query := `
		SELECT id, user_id, salt, code_hash, used_at, created_at
		FROM backup_codes
		WHERE user_id = $1 AND used_at IS NULL
		ORDER BY created_at
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.BackupCode, 0)
	for rows.Next() {
		var c models.BackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.Salt, &c.CodeHash, &c.UsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, &c)
	}

	return codes, rows.Err()
}

// Consume marks a code used with a compare-and-set on used_at. Exactly one of
// any number of concurrent callers wins; the rest get false.
func (r *BackupCodeRepository) Consume(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE backup_codes SET used_at = $1
		WHERE id = $2 AND used_at IS NULL
		RETURNING id
	`

	var consumed string
	err := r.db.Pool.QueryRow(ctx, query, r.clock.Now().UTC(), id).Scan(&consumed)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return true, nil
}

// CountUnused reports how many recovery codes the user has left.
func (r *BackupCodeRepository) CountUnused(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE user_id = $1 AND used_at IS NULL`, userID,
	).Scan(&count)
	return count, err
}

// DeleteAll removes every code for the user (MFA disable).
func (r *BackupCodeRepository) DeleteAll(ctx context.Context, userID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID)
	return database.MapPostgresError(err)
}
