package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type SecurityEventRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewSecurityEventRepository(db *database.DB, clock clockwork.Clock) *SecurityEventRepository {
	return &SecurityEventRepository{pool: db.Pool, clock: clock}
}

func (r *SecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	event.ID = uuid.New().String()
	event.CreatedAt = r.clock.Now().UTC()

	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	query := `
		INSERT INTO security_events (id, user_id, event_type, severity, description, metadata, ip_address, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID, event.UserID, event.EventType, event.Severity,
		event.Description, metadata, event.IPAddress, event.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// ExistsRecent reports whether a (user, type) event exists within the dedupe
// window ending now.
func (r *SecurityEventRepository) ExistsRecent(ctx context.Context, userID, eventType string, window time.Duration) (bool, error) {
	cutoff := r.clock.Now().UTC().Add(-window)

	query := `
		SELECT EXISTS(
			SELECT 1 FROM security_events
			WHERE user_id = $1 AND event_type = $2 AND created_at >= $3
		)
	`

	var exists bool
	err := r.pool.QueryRow(ctx, query, userID, eventType, cutoff).Scan(&exists)
	return exists, err
}

func (r *SecurityEventRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT id, user_id, event_type, severity, description, metadata, ip_address, acknowledged, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		var e models.SecurityEvent
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Severity, &e.Description, &metadata, &e.IPAddress, &e.Acknowledged, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// Acknowledge marks the event acknowledged by its owner.
func (r *SecurityEventRepository) Acknowledge(ctx context.Context, userID, eventID string) error {
	query := `UPDATE security_events SET acknowledged = true WHERE id = $1 AND user_id = $2`

	result, err := r.pool.Exec(ctx, query, eventID, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
