package repositories

import (
	"context"
	"fmt"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

const trustedDeviceColumns = `id, user_id, fingerprint, name, browser, os, device_type, trusted_until, last_used_at, created_at`

type TrustedDeviceRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewTrustedDeviceRepository(db *database.DB, clock clockwork.Clock) *TrustedDeviceRepository {
	return &TrustedDeviceRepository{pool: db.Pool, clock: clock}
}

func scanTrustedDeviceRow(scanner rowScanner) (*models.TrustedDevice, error) {
	var d models.TrustedDevice
	err := scanner.Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.Name,
		&d.Browser, &d.OS, &d.DeviceType,
		&d.TrustedUntil, &d.LastUsedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &d, nil
}

// Upsert creates or refreshes the trust grant for (user, fingerprint).
func (r *TrustedDeviceRepository) Upsert(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error) {
	now := r.clock.Now().UTC()
	d.ID = uuid.New().String()
	d.LastUsedAt = now
	d.CreatedAt = now

	query := `
		INSERT INTO trusted_devices (id, user_id, fingerprint, name, browser, os, device_type, trusted_until, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, fingerprint) DO UPDATE
		SET trusted_until = EXCLUDED.trusted_until,
			last_used_at = EXCLUDED.last_used_at,
			name = EXCLUDED.name
		RETURNING ` + trustedDeviceColumns

	return scanTrustedDeviceRow(r.pool.QueryRow(ctx, query,
		d.ID, d.UserID, d.Fingerprint, d.Name,
		d.Browser, d.OS, d.DeviceType,
		d.TrustedUntil, d.LastUsedAt, d.CreatedAt,
	))
}

// GetByFingerprint returns the trust row regardless of expiry; callers check
// TrustedUntil.
func (r *TrustedDeviceRepository) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error) {
	query := `SELECT ` + trustedDeviceColumns + ` FROM trusted_devices WHERE user_id = $1 AND fingerprint = $2`
	return scanTrustedDeviceRow(r.pool.QueryRow(ctx, query, userID, fingerprint))
}

// TouchLastUsed bumps last_used_at when a trusted device bypasses MFA.
func (r *TrustedDeviceRepository) TouchLastUsed(ctx context.Context, id string) error {
	query := `UPDATE trusted_devices SET last_used_at = GREATEST(last_used_at, $1) WHERE id = $2`

	_, err := r.pool.Exec(ctx, query, r.clock.Now().UTC(), id)
	return database.MapPostgresError(err)
}

func (r *TrustedDeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	query := `SELECT ` + trustedDeviceColumns + ` FROM trusted_devices WHERE user_id = $1 ORDER BY last_used_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*models.TrustedDevice, 0)
	for rows.Next() {
		d, err := scanTrustedDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trusted device: %w", err)
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

func (r *TrustedDeviceRepository) Delete(ctx context.Context, userID, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM trusted_devices WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *TrustedDeviceRepository) DeleteAll(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM trusted_devices WHERE user_id = $1`, userID)
	return database.MapPostgresError(err)
}

// EvictBeyondCap deletes the user's oldest devices by last_used_at so that at
// most max remain.
func (r *TrustedDeviceRepository) EvictBeyondCap(ctx context.Context, userID string, max int) (int64, error) {
	query := `
		DELETE FROM trusted_devices
		WHERE id IN (
			SELECT id FROM trusted_devices
			WHERE user_id = $1
			ORDER BY last_used_at DESC
			OFFSET $2
		)
	`

	result, err := r.pool.Exec(ctx, query, userID, max)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes devices whose trust window has passed.
func (r *TrustedDeviceRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM trusted_devices WHERE trusted_until <= $1`, r.clock.Now().UTC())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

func (r *TrustedDeviceRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trusted_devices WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}
