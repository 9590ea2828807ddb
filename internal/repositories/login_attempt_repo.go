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

// LoginAttemptRepository is the append-only store of login attempts feeding
// the security detector and the audit trail.
type LoginAttemptRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewLoginAttemptRepository(db *database.DB, clock clockwork.Clock) *LoginAttemptRepository {
	return &LoginAttemptRepository{pool: db.Pool, clock: clock}
}

func (r *LoginAttemptRepository) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	attempt.ID = uuid.New().String()
	attempt.CreatedAt = r.clock.Now().UTC()

	country, region, city := locationColumns(attempt.Location)

	query := `
		INSERT INTO login_attempts (id, user_id, email, success, failure_reason, ip_address, user_agent, location_country, location_region, location_city, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.Email,
		attempt.Success, attempt.FailureReason,
		attempt.IPAddress, attempt.UserAgent,
		country, region, city,
		attempt.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// CountRecentFailures counts failed attempts for an email since the cutoff.
func (r *LoginAttemptRepository) CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE LOWER(email) = LOWER($1) AND success = false AND created_at >= $2
	`

	var count int
	err := r.pool.QueryRow(ctx, query, email, since).Scan(&count)
	return count, err
}

// CountSuccesses counts the user's successful logins across all time.
func (r *LoginAttemptRepository) CountSuccesses(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM login_attempts WHERE user_id = $1 AND success = true`

	var count int
	err := r.pool.QueryRow(ctx, query, userID).Scan(&count)
	return count, err
}

// RecentSuccessLocations returns the locations of the user's successful
// logins recorded strictly before the cutoff, newest first. The cutoff lets
// the detector inspect an already-persisted attempt without matching it
// against itself. Attempts with no resolved location are skipped.
func (r *LoginAttemptRepository) RecentSuccessLocations(ctx context.Context, userID string, before time.Time, limit int) ([]models.Location, error) {
	query := `
		SELECT location_country, location_region, location_city
		FROM login_attempts
		WHERE user_id = $1 AND success = true AND location_country IS NOT NULL AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt locations: %w", err)
	}
	defer rows.Close()

	locations := make([]models.Location, 0)
	for rows.Next() {
		var country string
		var region, city *string
		if err := rows.Scan(&country, &region, &city); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		loc := models.Location{Country: country}
		if region != nil {
			loc.Region = *region
		}
		if city != nil {
			loc.City = *city
		}
		locations = append(locations, loc)
	}

	return locations, rows.Err()
}

// DeleteOlderThan prunes attempts outside the audit retention window.
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.clock.Now().UTC().Add(-retention)

	result, err := r.pool.Exec(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
