package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

const userColumns = `id, username, email, password_hash, role, email_verified, is_active, mfa_locked_until, password_changed_at, created_at, updated_at`

type UserRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewUserRepository(db *database.DB, clock clockwork.Clock) *UserRepository {
	return &UserRepository{pool: db.Pool, clock: clock}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var mfaLockedUntil, passwordChangedAt *time.Time

	err := scanner.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Role, &user.EmailVerified, &user.IsActive,
		&mfaLockedUntil, &passwordChangedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	user.MFALockedUntil = mfaLockedUntil
	user.PasswordChangedAt = passwordChangedAt

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, username))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()

	now := r.clock.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.PasswordChangedAt == nil {
		// The column is NOT NULL: the initial hash counts as the first change.
		user.PasswordChangedAt = &now
	}

	if user.Role == "" {
		user.Role = models.RoleUser
	}
	user.IsActive = true

	query := `
		INSERT INTO users (id, username, email, password_hash, role, email_verified, is_active, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + userColumns

	return scanUserRow(r.pool.QueryRow(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.Role, user.EmailVerified, user.IsActive,
		user.PasswordChangedAt, user.CreatedAt, user.UpdatedAt,
	))
}

// Update applies a partial patch. Nil patch fields leave columns untouched.
func (r *UserRepository) Update(ctx context.Context, id string, patch *models.UserPatch) (*models.User, error) {
	now := r.clock.Now().UTC()

	query := `
		UPDATE users SET
			username = COALESCE($1, username),
			email = COALESCE($2, email),
			role = COALESCE($3, role),
			email_verified = COALESCE($4, email_verified),
			is_active = COALESCE($5, is_active),
			mfa_locked_until = CASE WHEN $6 THEN NULL ELSE COALESCE($7, mfa_locked_until) END,
			updated_at = $8
		WHERE id = $9
		RETURNING ` + userColumns

	return scanUserRow(r.pool.QueryRow(ctx, query,
		patch.Username, patch.Email, patch.Role,
		patch.EmailVerified, patch.IsActive,
		patch.ClearMFALock, patch.MFALockedUntil,
		now, id,
	))
}

// UpdatePassword stores a new hash and bumps password_changed_at, which
// invalidates tokens issued before the change.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	now := r.clock.Now().UTC()

	query := `
		UPDATE users SET password_hash = $1, password_changed_at = $2, updated_at = $2
		WHERE id = $3
	`

	result, err := r.pool.Exec(ctx, query, passwordHash, now, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetMFALockedUntil sets the per-user MFA lockout. The write is monotonic:
// an existing later lockout is never shortened.
func (r *UserRepository) SetMFALockedUntil(ctx context.Context, id string, until time.Time) error {
	query := `
		UPDATE users SET mfa_locked_until = GREATEST(COALESCE(mfa_locked_until, 'epoch'::timestamptz), $1), updated_at = $2
		WHERE id = $3
	`

	result, err := r.pool.Exec(ctx, query, until, r.clock.Now().UTC(), id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClearMFALock removes the lockout (admin override).
func (r *UserRepository) ClearMFALock(ctx context.Context, id string) error {
	query := `UPDATE users SET mfa_locked_until = NULL, updated_at = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, r.clock.Now().UTC(), id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes: the row is retained for audit, but the user can
// no longer authenticate.
func (r *UserRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE users SET is_active = false, updated_at = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, r.clock.Now().UTC(), id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return users, nil
}
