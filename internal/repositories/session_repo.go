package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

const sessionColumns = `id, user_id, refresh_token, expires_at, absolute_expires_at, last_activity_at, ip_address, user_agent, browser, os, device_type, location_country, location_region, location_city, is_active, created_at`

type SessionRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewSessionRepository(db *database.DB, clock clockwork.Clock) *SessionRepository {
	return &SessionRepository{pool: db.Pool, clock: clock}
}

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session
	var country, region, city *string

	err := scanner.Scan(
		&s.ID, &s.UserID, &s.RefreshToken,
		&s.ExpiresAt, &s.AbsoluteExpiresAt, &s.LastActivityAt,
		&s.IPAddress, &s.UserAgent, &s.Browser, &s.OS, &s.DeviceType,
		&country, &region, &city,
		&s.IsActive, &s.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if country != nil {
		s.Location = &models.Location{Country: *country}
		if region != nil {
			s.Location.Region = *region
		}
		if city != nil {
			s.Location.City = *city
		}
	}

	return &s, nil
}

func locationColumns(loc *models.Location) (country, region, city *string) {
	if loc == nil {
		return nil, nil, nil
	}
	return &loc.Country, &loc.Region, &loc.City
}

func (r *SessionRepository) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	s.ID = uuid.New().String()

	now := r.clock.Now().UTC()
	s.CreatedAt = now
	s.LastActivityAt = now
	s.IsActive = true

	country, region, city := locationColumns(s.Location)

	query := `
		INSERT INTO sessions (id, user_id, refresh_token, expires_at, absolute_expires_at, last_activity_at, ip_address, user_agent, browser, os, device_type, location_country, location_region, location_city, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING ` + sessionColumns

	return scanSessionRow(r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.RefreshToken,
		s.ExpiresAt, s.AbsoluteExpiresAt, s.LastActivityAt,
		s.IPAddress, s.UserAgent, s.Browser, s.OS, s.DeviceType,
		country, region, city,
		s.IsActive, s.CreatedAt,
	))
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, id))
}

func (r *SessionRepository) GetByRefreshToken(ctx context.Context, refreshToken string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, refreshToken))
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY last_activity_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// Touch bumps last_activity_at. The write is monotonic: GREATEST keeps the
// later timestamp when touches race.
func (r *SessionRepository) Touch(ctx context.Context, id string) error {
	query := `UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $1) WHERE id = $2 AND is_active = true`

	result, err := r.pool.Exec(ctx, query, r.clock.Now().UTC(), id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ReplaceRefreshToken swaps the session's refresh token and pushes the
// refresh horizon out. The old token stops resolving immediately.
func (r *SessionRepository) ReplaceRefreshToken(ctx context.Context, id, refreshToken string, expiresAt time.Time) error {
	query := `UPDATE sessions SET refresh_token = $1, expires_at = $2 WHERE id = $3 AND is_active = true`

	result, err := r.pool.Exec(ctx, query, refreshToken, expiresAt, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// FindByRequestMatch matches an active session by (user, ip, user-agent).
func (r *SessionRepository) FindByRequestMatch(ctx context.Context, userID, ipAddress, userAgent string) (*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1 AND ip_address = $2 AND user_agent = $3 AND is_active = true
		ORDER BY last_activity_at DESC
		LIMIT 1
	`
	return scanSessionRow(r.pool.QueryRow(ctx, query, userID, ipAddress, userAgent))
}

// FindMostRecentlyActive returns the user's most recently active session.
func (r *SessionRepository) FindMostRecentlyActive(ctx context.Context, userID string) (*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1 AND is_active = true
		ORDER BY last_activity_at DESC
		LIMIT 1
	`
	return scanSessionRow(r.pool.QueryRow(ctx, query, userID))
}

func (r *SessionRepository) Revoke(ctx context.Context, id string) error {
	query := `UPDATE sessions SET is_active = false WHERE id = $1 AND is_active = true`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) RevokeAll(ctx context.Context, userID string) (int64, error) {
	query := `UPDATE sessions SET is_active = false WHERE user_id = $1 AND is_active = true`

	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

func (r *SessionRepository) RevokeAllExcept(ctx context.Context, userID, keepID string) (int64, error) {
	query := `UPDATE sessions SET is_active = false WHERE user_id = $1 AND id <> $2 AND is_active = true`

	result, err := r.pool.Exec(ctx, query, userID, keepID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes sessions past any expiry. The predicates run inside
// the DELETE so the job is idempotent and safe alongside live traffic.
func (r *SessionRepository) DeleteExpired(ctx context.Context, inactivityWindow time.Duration) (int64, error) {
	now := r.clock.Now().UTC()

	query := `
		DELETE FROM sessions
		WHERE absolute_expires_at <= $1
		   OR expires_at <= $1
		   OR last_activity_at <= $2
		   OR is_active = false
	`

	result, err := r.pool.Exec(ctx, query, now, now.Add(-inactivityWindow))
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// CountByUser counts the user's sessions, active or not. The security
// detector uses this to suppress new-device events for brand-new accounts.
func (r *SessionRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// HasDevice reports whether any of the user's sessions created strictly
// before the cutoff match the parsed device triple. The cutoff keeps the
// check from matching the session the login under inspection just opened.
func (r *SessionRepository) HasDevice(ctx context.Context, userID, browser, os, deviceType string, before time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM sessions
			WHERE user_id = $1 AND LOWER(browser) = LOWER($2) AND LOWER(os) = LOWER($3) AND LOWER(device_type) = LOWER($4) AND created_at < $5
		)
	`

	var exists bool
	err := r.pool.QueryRow(ctx, query, userID, browser, os, deviceType, before).Scan(&exists)
	if err != nil && err != pgx.ErrNoRows {
		return false, err
	}
	return exists, nil
}
