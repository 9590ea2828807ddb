package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
	pkgauth "github.com/castellan-io/castellan/pkg/auth"
	"github.com/castellan-io/castellan/pkg/logger"
)

// MFAService owns every second factor: TOTP enrollment and verification,
// one-time email codes, single-use backup codes, trusted devices and the
// per-user lockout that spans all of them.
type MFAService struct {
	users      UserRepository
	secrets    MFASecretRepository
	backup     BackupCodeRepository
	emailCodes EmailCodeRepository
	trusted    TrustedDeviceRepository
	attempts   MFAAttemptRepository
	policies   RoleMFAPolicyRepository

	totp   *auth.TOTPManager
	mailer EmailDispatcher

	cfg    config.MFAConfig
	clock  clockwork.Clock
	logger *slog.Logger
	audit  *logger.AuditLogger
}

func NewMFAService(
	users UserRepository,
	secrets MFASecretRepository,
	backup BackupCodeRepository,
	emailCodes EmailCodeRepository,
	trusted TrustedDeviceRepository,
	attempts MFAAttemptRepository,
	policies RoleMFAPolicyRepository,
	totp *auth.TOTPManager,
	mailer EmailDispatcher,
	cfg config.MFAConfig,
	clock clockwork.Clock,
	log *slog.Logger,
) *MFAService {
	return &MFAService{
		users:      users,
		secrets:    secrets,
		backup:     backup,
		emailCodes: emailCodes,
		trusted:    trusted,
		attempts:   attempts,
		policies:   policies,
		totp:       totp,
		mailer:     mailer,
		cfg:        cfg,
		clock:      clock,
		logger:     log,
		audit:      logger.NewAuditLogger(log),
	}
}

// RequiredFor decides whether a successful password check must be followed by
// a second factor, and with which method. A user with an enabled TOTP secret
// always gets challenged. Without one, enforcement comes from the role policy:
// email challenges apply once the grace window has elapsed.
func (s *MFAService) RequiredFor(ctx context.Context, user *models.User) (bool, string, error) {
	secret, err := s.secrets.Get(ctx, user.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return false, "", fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if secret != nil && secret.Enabled {
		return true, models.MFAMethodTOTP, nil
	}

	policy, err := s.policies.GetByRole(ctx, user.Role)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to load mfa policy: %w", err)
	}
	if !policy.MFARequired || !policy.MethodAllowed(models.MFAMethodEmail) {
		return false, "", nil
	}
	if policy.InGracePeriod(s.clock.Now().UTC()) {
		return false, "", nil
	}
	return true, models.MFAMethodEmail, nil
}

// BeginTOTPSetup creates a pending (not yet enabled) TOTP secret and returns
// the enrollment material. Calling it again before enabling replaces the
// pending secret; an already enabled secret is never overwritten.
func (s *MFAService) BeginTOTPSetup(ctx context.Context, user *models.User) (*models.TOTPEnrollment, error) {
	existing, err := s.secrets.Get(ctx, user.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if existing != nil && existing.Enabled {
		return nil, models.ErrMFAAlreadyEnabled
	}

	enrollment, err := s.totp.GenerateEnrollment(user.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp enrollment: %w", err)
	}

	err = s.secrets.Upsert(ctx, &models.MFASecret{
		UserID:          user.ID,
		SecretEncrypted: enrollment.EncryptedSecret,
		SecretNonce:     enrollment.Nonce,
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogMFAEvent("mfa_setup_started", user.ID, models.MFAMethodTOTP, true)

	return &models.TOTPEnrollment{
		Secret:     enrollment.Secret,
		OTPAuthURL: enrollment.OTPAuthURL,
		QRCode:     enrollment.QRDataURL,
	}, nil
}

// EnableTOTP confirms the pending secret with a code from the authenticator
// app, activates it and mints a fresh set of backup codes. The plaintext
// backup codes are returned exactly once.
func (s *MFAService) EnableTOTP(ctx context.Context, user *models.User, code string) ([]string, error) {
	secret, err := s.secrets.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMFANotEnabled
		}
		return nil, err
	}
	if secret.Enabled {
		return nil, models.ErrMFAAlreadyEnabled
	}

	plaintext, err := s.totp.DecryptSecret(secret.SecretEncrypted, secret.SecretNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}
	ok, step, err := s.totp.Validate(plaintext, code, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.audit.LogMFAEvent("mfa_setup_confirm", user.ID, models.MFAMethodTOTP, false)
		return nil, models.ErrMFASetupCodeInvalid
	}

	if err := s.secrets.Enable(ctx, user.ID); err != nil {
		return nil, err
	}
	// The confirmation code counts as used: the same step cannot be replayed
	// at the first login.
	if err := s.secrets.SetLastUsedAt(ctx, user.ID, step.UTC()); err != nil {
		s.logger.Warn("failed to record totp confirmation step", "user_id", user.ID, "error", err)
	}

	codes, err := s.generateBackupCodes(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.audit.LogMFAEvent("mfa_enabled", user.ID, models.MFAMethodTOTP, true)
	return codes, nil
}

// DisableTOTP tears down the user's TOTP configuration after re-verifying the
// account password. Backup codes die with the secret.
func (s *MFAService) DisableTOTP(ctx context.Context, user *models.User, password string) error {
	if pkgauth.ComparePassword(user.PasswordHash, password) != nil {
		return models.ErrInvalidCredentials
	}

	secret, err := s.secrets.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMFANotEnabled
		}
		return err
	}
	if !secret.Enabled {
		return models.ErrMFANotEnabled
	}

	if err := s.secrets.Delete(ctx, user.ID); err != nil {
		return err
	}
	if err := s.backup.DeleteAll(ctx, user.ID); err != nil {
		return err
	}

	s.audit.LogMFAEvent("mfa_disabled", user.ID, models.MFAMethodTOTP, true)
	return nil
}

// RegenerateBackupCodes replaces all backup codes (used and unused) after
// re-verifying the account password. Requires an enabled secret.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, user *models.User, password string) ([]string, error) {
	if pkgauth.ComparePassword(user.PasswordHash, password) != nil {
		return nil, models.ErrInvalidCredentials
	}

	secret, err := s.secrets.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMFANotEnabled
		}
		return nil, err
	}
	if !secret.Enabled {
		return nil, models.ErrMFANotEnabled
	}

	codes, err := s.generateBackupCodes(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.audit.LogMFAEvent("backup_codes_regenerated", user.ID, models.MFAMethodBackup, true)
	return codes, nil
}

func (s *MFAService) generateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	plaintexts, err := auth.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	rows := make([]*models.BackupCode, 0, len(plaintexts))
	for _, code := range plaintexts {
		salt, err := auth.GenerateSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		rows = append(rows, &models.BackupCode{
			UserID:   userID,
			Salt:     salt,
			CodeHash: auth.HashCode(salt, code),
		})
	}

	if err := s.backup.ReplaceAll(ctx, userID, rows); err != nil {
		return nil, err
	}
	return plaintexts, nil
}

// Verify checks a submitted second-factor code of the given method. All
// methods share the per-user lockout: while it is in effect every call fails
// with MFALockedError without touching the code, and accumulated failures
// across methods trip it.
func (s *MFAService) Verify(ctx context.Context, user *models.User, method, code string, meta models.RequestMeta) error {
	if err := s.checkLockout(user); err != nil {
		return err
	}

	switch method {
	case models.MFAMethodTOTP:
		return s.verifyTOTP(ctx, user, code, meta)
	case models.MFAMethodEmail:
		return s.verifyEmailCode(ctx, user, code, meta)
	case models.MFAMethodBackup:
		return s.verifyBackupCode(ctx, user, code, meta)
	default:
		return models.ErrMFAMethodNotAllowed
	}
}

func (s *MFAService) checkLockout(user *models.User) error {
	if user.MFALockedUntil != nil && s.clock.Now().UTC().Before(*user.MFALockedUntil) {
		return &models.MFALockedError{Until: *user.MFALockedUntil}
	}
	return nil
}

func (s *MFAService) verifyTOTP(ctx context.Context, user *models.User, code string, meta models.RequestMeta) error {
	secret, err := s.secrets.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMFANotEnabled
		}
		return err
	}
	if !secret.Enabled {
		return models.ErrMFANotEnabled
	}

	plaintext, err := s.totp.DecryptSecret(secret.SecretEncrypted, secret.SecretNonce)
	if err != nil {
		return fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	ok, step, err := s.totp.Validate(plaintext, code, secret.LastUsedAt)
	if err != nil {
		return err
	}
	if !ok {
		return s.recordFailure(ctx, user, models.MFAMethodTOTP, "code_mismatch", meta)
	}

	if err := s.secrets.SetLastUsedAt(ctx, user.ID, step.UTC()); err != nil {
		return fmt.Errorf("failed to record totp step: %w", err)
	}
	return s.recordSuccess(ctx, user, models.MFAMethodTOTP, meta)
}

func (s *MFAService) verifyBackupCode(ctx context.Context, user *models.User, code string, meta models.RequestMeta) error {
	unused, err := s.backup.ListUnused(ctx, user.ID)
	if err != nil {
		return err
	}

	normalized := auth.NormalizeCode(code)

	// Every stored hash is compared so timing does not reveal how close the
	// guess came.
	var matched *models.BackupCode
	for _, row := range unused {
		if auth.CodesEqual(row.CodeHash, auth.HashCode(row.Salt, normalized)) && matched == nil {
			matched = row
		}
	}
	if matched == nil {
		return s.recordFailure(ctx, user, models.MFAMethodBackup, "code_mismatch", meta)
	}

	consumed, err := s.backup.Consume(ctx, matched.ID)
	if err != nil {
		return err
	}
	if !consumed {
		// A concurrent request already burned this code.
		return s.recordFailure(ctx, user, models.MFAMethodBackup, "code_already_used", meta)
	}

	remaining, err := s.backup.CountUnused(ctx, user.ID)
	if err == nil && remaining <= 2 {
		s.logger.Warn("backup codes running low",
			"user_id", user.ID,
			"remaining", remaining,
		)
	}
	return s.recordSuccess(ctx, user, models.MFAMethodBackup, meta)
}

// recordFailure books a failed attempt and translates the running tally into
// the caller-facing error: InvalidMFACodeError while attempts remain, then
// MFALockedError once the threshold is reached.
func (s *MFAService) recordFailure(ctx context.Context, user *models.User, method, reason string, meta models.RequestMeta) error {
	now := s.clock.Now().UTC()

	err := s.attempts.Record(ctx, &models.MFAAttempt{
		UserID:        user.ID,
		Method:        method,
		Success:       false,
		FailureReason: &reason,
		IPAddress:     meta.IPAddress,
	})
	if err != nil {
		s.logger.Error("failed to record mfa attempt", "user_id", user.ID, "error", err)
	}
	s.audit.LogMFAEvent("mfa_verify", user.ID, method, false)

	failures, err := s.attempts.CountRecentFailures(ctx, user.ID, s.lockoutWindow(now))
	if err != nil {
		s.logger.Error("failed to count mfa failures", "user_id", user.ID, "error", err)
		return &models.InvalidMFACodeError{AttemptsRemaining: 0}
	}

	if failures >= s.cfg.MaxAttempts {
		until := now.Add(s.cfg.LockoutDuration)
		if err := s.users.SetMFALockedUntil(ctx, user.ID, until); err != nil {
			s.logger.Error("failed to set mfa lockout", "user_id", user.ID, "error", err)
		}
		s.logger.Warn("mfa lockout engaged",
			"user_id", user.ID,
			"method", method,
			"failures", failures,
			"locked_until", until,
		)
		return &models.MFALockedError{Until: until}
	}

	return &models.InvalidMFACodeError{AttemptsRemaining: s.cfg.MaxAttempts - failures}
}

func (s *MFAService) recordSuccess(ctx context.Context, user *models.User, method string, meta models.RequestMeta) error {
	err := s.attempts.Record(ctx, &models.MFAAttempt{
		UserID:    user.ID,
		Method:    method,
		Success:   true,
		IPAddress: meta.IPAddress,
	})
	if err != nil {
		s.logger.Error("failed to record mfa attempt", "user_id", user.ID, "error", err)
	}
	s.audit.LogMFAEvent("mfa_verify", user.ID, method, true)
	return nil
}

// Status reports the user's current MFA posture for the settings screen.
func (s *MFAService) Status(ctx context.Context, user *models.User) (*models.MFAStatus, error) {
	status := &models.MFAStatus{}

	secret, err := s.secrets.Get(ctx, user.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if secret != nil && secret.Enabled {
		status.Enabled = true
		status.Method = models.MFAMethodTOTP
		status.EnabledAt = secret.EnabledAt

		remaining, err := s.backup.CountUnused(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		status.BackupCodesRemaining = remaining
	}

	devices, err := s.trusted.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	status.TrustedDevices = devices

	if user.MFALockedUntil != nil && s.clock.Now().UTC().Before(*user.MFALockedUntil) {
		status.LockedUntil = user.MFALockedUntil
	}
	return status, nil
}

// ClearLockout lifts the per-user MFA lockout ahead of schedule. Admin only;
// the route layer enforces that.
func (s *MFAService) ClearLockout(ctx context.Context, userID string, actorID string) error {
	if err := s.users.ClearMFALock(ctx, userID); err != nil {
		return err
	}
	s.audit.LogAccountAction("mfa_lockout_cleared", userID, "", map[string]string{
		"actor_id": actorID,
	})
	return nil
}

// lockoutWindow is how far back failures count toward the lockout threshold.
// It intentionally equals the lockout duration so a fully served lockout
// starts the user on a clean slate.
func (s *MFAService) lockoutWindow(now time.Time) time.Time {
	return now.Add(-s.cfg.LockoutDuration)
}
