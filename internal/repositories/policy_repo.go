package repositories

import (
	"context"
	"time"

	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// RoleMFAPolicyRepository stores per-role MFA enforcement policies.
type RoleMFAPolicyRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewRoleMFAPolicyRepository(db *database.DB, clock clockwork.Clock) *RoleMFAPolicyRepository {
	return &RoleMFAPolicyRepository{pool: db.Pool, clock: clock}
}

func (r *RoleMFAPolicyRepository) GetByRole(ctx context.Context, role string) (*models.RoleMFAPolicy, error) {
	query := `
		SELECT role, mfa_required, allowed_methods, grace_period_seconds, updated_at
		FROM role_mfa_policies WHERE role = $1
	`

	var p models.RoleMFAPolicy
	var graceSeconds int64
	err := r.pool.QueryRow(ctx, query, role).Scan(
		&p.Role, &p.MFARequired, &p.AllowedMethods, &graceSeconds, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	p.GracePeriod = time.Duration(graceSeconds) * time.Second
	return &p, nil
}

// Upsert writes a policy; updated_at restarts the grace window for users the
// change newly affects.
func (r *RoleMFAPolicyRepository) Upsert(ctx context.Context, p *models.RoleMFAPolicy) error {
	p.UpdatedAt = r.clock.Now().UTC()

	query := `
		INSERT INTO role_mfa_policies (role, mfa_required, allowed_methods, grace_period_seconds, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role) DO UPDATE
		SET mfa_required = EXCLUDED.mfa_required,
			allowed_methods = EXCLUDED.allowed_methods,
			grace_period_seconds = EXCLUDED.grace_period_seconds,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		p.Role, p.MFARequired, p.AllowedMethods,
		int64(p.GracePeriod.Seconds()), p.UpdatedAt,
	)
	return database.MapPostgresError(err)
}
