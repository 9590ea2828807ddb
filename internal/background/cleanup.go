package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/repositories"
	"github.com/castellan-io/castellan/internal/services"
)

// CleanupManager periodically sweeps expired rows: dead sessions, spent email
// codes, lapsed device trust grants and attempt history past retention.
type CleanupManager struct {
	sessions   *services.SessionManager
	emailCodes *repositories.EmailCodeRepository
	trusted    *repositories.TrustedDeviceRepository
	logins     *repositories.LoginAttemptRepository
	mfaTries   *repositories.MFAAttemptRepository
	retention  time.Duration
	interval   time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	stopCh     chan struct{}
}

func NewCleanupManager(
	sessions *services.SessionManager,
	emailCodes *repositories.EmailCodeRepository,
	trusted *repositories.TrustedDeviceRepository,
	logins *repositories.LoginAttemptRepository,
	mfaTries *repositories.MFAAttemptRepository,
	cfg config.Config,
	clock clockwork.Clock,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		sessions:   sessions,
		emailCodes: emailCodes,
		trusted:    trusted,
		logins:     logins,
		mfaTries:   mfaTries,
		retention:  cfg.Security.AttemptRetention,
		interval:   cfg.Session.CleanupInterval,
		clock:      clock,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the sweep immediately and then on every tick until Stop is
// called or the context ends.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := cm.clock.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.Chan():
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cm.sweep(sweepCtx, "sessions", func() (int64, error) {
		return cm.sessions.CleanupExpired(sweepCtx)
	})
	cm.sweep(sweepCtx, "email_codes", func() (int64, error) {
		return cm.emailCodes.DeleteExpired(sweepCtx)
	})
	cm.sweep(sweepCtx, "trusted_devices", func() (int64, error) {
		return cm.trusted.DeleteExpired(sweepCtx)
	})
	cm.sweep(sweepCtx, "login_attempts", func() (int64, error) {
		return cm.logins.DeleteOlderThan(sweepCtx, cm.retention)
	})
	cm.sweep(sweepCtx, "mfa_attempts", func() (int64, error) {
		return cm.mfaTries.DeleteOlderThan(sweepCtx, cm.retention)
	})
}

func (cm *CleanupManager) sweep(ctx context.Context, what string, fn func() (int64, error)) {
	rows, err := fn()
	if err != nil {
		cm.logger.Error("cleanup sweep failed", slog.String("target", what), slog.Any("error", err))
		return
	}
	if rows > 0 {
		cm.logger.Info("cleanup sweep completed",
			slog.String("target", what),
			slog.Int64("rows_deleted", rows),
		)
	}
}

// Stop signals the cleanup manager to stop.
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
