package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
)

func TestMFAService_RequiredFor_EnabledSecretMeansTOTP(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	required, method, err := env.service().RequiredFor(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"))

	require.NoError(t, err)
	assert.True(t, required)
	assert.Equal(t, models.MFAMethodTOTP, method)
}

func TestMFAService_RequiredFor_NoSecretNoPolicy(t *testing.T) {
	env := newMFAEnv(t)

	required, method, err := env.service().RequiredFor(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"))

	require.NoError(t, err)
	assert.False(t, required)
	assert.Empty(t, method)
}

func TestMFAService_RequiredFor_PolicyEnforcesEmail(t *testing.T) {
	env := newMFAEnv(t)
	env.policies.GetByRoleFunc = func(ctx context.Context, role string) (*models.RoleMFAPolicy, error) {
		return &models.RoleMFAPolicy{
			Role:           models.RoleAdmin,
			MFARequired:    true,
			AllowedMethods: []string{models.MFAMethodTOTP, models.MFAMethodEmail},
			GracePeriod:    7 * 24 * time.Hour,
			UpdatedAt:      testTime.Add(-8 * 24 * time.Hour),
		}, nil
	}

	user := NewTestUser("user-1", "alice", "alice@example.com")
	user.Role = models.RoleAdmin

	required, method, err := env.service().RequiredFor(context.Background(), user)

	require.NoError(t, err)
	assert.True(t, required)
	assert.Equal(t, models.MFAMethodEmail, method)
}

func TestMFAService_RequiredFor_GracePeriodDefers(t *testing.T) {
	env := newMFAEnv(t)
	env.policies.GetByRoleFunc = func(ctx context.Context, role string) (*models.RoleMFAPolicy, error) {
		return &models.RoleMFAPolicy{
			Role:           models.RoleAdmin,
			MFARequired:    true,
			AllowedMethods: []string{models.MFAMethodTOTP, models.MFAMethodEmail},
			GracePeriod:    7 * 24 * time.Hour,
			UpdatedAt:      testTime.Add(-time.Hour),
		}, nil
	}

	user := NewTestUser("user-1", "alice", "alice@example.com")
	user.Role = models.RoleAdmin

	required, _, err := env.service().RequiredFor(context.Background(), user)

	require.NoError(t, err)
	assert.False(t, required)
}

func TestMFAService_RequiredFor_EmailNotAllowedByPolicy(t *testing.T) {
	// A totp-only policy cannot challenge a user who never enrolled.
	env := newMFAEnv(t)
	env.policies.GetByRoleFunc = func(ctx context.Context, role string) (*models.RoleMFAPolicy, error) {
		return &models.RoleMFAPolicy{
			Role:           models.RoleSuperAdmin,
			MFARequired:    true,
			AllowedMethods: []string{models.MFAMethodTOTP},
		}, nil
	}

	user := NewTestUser("user-1", "alice", "alice@example.com")
	user.Role = models.RoleSuperAdmin

	required, _, err := env.service().RequiredFor(context.Background(), user)

	require.NoError(t, err)
	assert.False(t, required)
}

func TestMFAService_BeginTOTPSetup_Success(t *testing.T) {
	env := newMFAEnv(t)
	var stored *models.MFASecret
	env.secrets.UpsertFunc = func(ctx context.Context, s *models.MFASecret) error {
		stored = s
		return nil
	}

	enrollment, err := env.service().BeginTOTPSetup(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"))

	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.OTPAuthURL, "otpauth://totp/")
	assert.True(t, strings.HasPrefix(enrollment.QRCode, "data:image/png;base64,"))
	require.NotNil(t, stored)
	assert.Equal(t, "user-1", stored.UserID)
	assert.NotEmpty(t, stored.SecretEncrypted)
	assert.False(t, stored.Enabled)
}

func TestMFAService_BeginTOTPSetup_AlreadyEnabled(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	_, err := env.service().BeginTOTPSetup(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"))

	assert.ErrorIs(t, err, models.ErrMFAAlreadyEnabled)
}

func TestMFAService_EnableTOTP_Success(t *testing.T) {
	env := newMFAEnv(t)
	secret, plaintext := env.enrolledSecret(t, "user-1")
	secret.Enabled = false
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	enabled := false
	env.secrets.EnableFunc = func(ctx context.Context, userID string) error {
		enabled = true
		return nil
	}
	var storedCodes []*models.BackupCode
	env.backup.ReplaceAllFunc = func(ctx context.Context, userID string, codes []*models.BackupCode) error {
		storedCodes = codes
		return nil
	}

	code := totpCodeAt(t, plaintext, env.clock.Now())
	backupCodes, err := env.service().EnableTOTP(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), code)

	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Len(t, backupCodes, 10)
	require.Len(t, storedCodes, 10)
	for i, row := range storedCodes {
		assert.NotEmpty(t, row.Salt)
		assert.Equal(t, auth.HashCode(row.Salt, backupCodes[i]), row.CodeHash)
	}
}

func TestMFAService_EnableTOTP_WrongCode(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	secret.Enabled = false
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	_, err := env.service().EnableTOTP(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), "000000")

	assert.ErrorIs(t, err, models.ErrMFASetupCodeInvalid)
}

func TestMFAService_EnableTOTP_NoPendingSecret(t *testing.T) {
	env := newMFAEnv(t)

	_, err := env.service().EnableTOTP(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), "123456")

	assert.ErrorIs(t, err, models.ErrMFANotEnabled)
}

func TestMFAService_DisableTOTP_WrongPassword(t *testing.T) {
	env := newMFAEnv(t)
	user := NewTestUserWithPassword(t, "user-1", "alice@example.com", "Correct1Password")

	err := env.service().DisableTOTP(context.Background(), user, "wrong-password")

	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestMFAService_DisableTOTP_Success(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	secretDeleted := false
	env.secrets.DeleteFunc = func(ctx context.Context, userID string) error {
		secretDeleted = true
		return nil
	}
	codesDeleted := false
	env.backup.DeleteAllFunc = func(ctx context.Context, userID string) error {
		codesDeleted = true
		return nil
	}

	user := NewTestUserWithPassword(t, "user-1", "alice@example.com", "Correct1Password")
	err := env.service().DisableTOTP(context.Background(), user, "Correct1Password")

	require.NoError(t, err)
	assert.True(t, secretDeleted)
	assert.True(t, codesDeleted)
}

func TestMFAService_Verify_TOTPSuccess(t *testing.T) {
	env := newMFAEnv(t)
	secret, plaintext := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	var lastUsed time.Time
	env.secrets.SetLastUsedAtFunc = func(ctx context.Context, userID string, at time.Time) error {
		lastUsed = at
		return nil
	}
	var recorded *models.MFAAttempt
	env.attempts.RecordFunc = func(ctx context.Context, attempt *models.MFAAttempt) error {
		recorded = attempt
		return nil
	}

	code := totpCodeAt(t, plaintext, env.clock.Now())
	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodTOTP, code, testMeta)

	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().UTC(), lastUsed)
	require.NotNil(t, recorded)
	assert.True(t, recorded.Success)
	assert.Equal(t, models.MFAMethodTOTP, recorded.Method)
}

func TestMFAService_Verify_TOTPReplayRejected(t *testing.T) {
	env := newMFAEnv(t)
	secret, plaintext := env.enrolledSecret(t, "user-1")
	// The current step was already consumed.
	sameStep := env.clock.Now()
	secret.LastUsedAt = &sameStep
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	code := totpCodeAt(t, plaintext, env.clock.Now())
	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodTOTP, code, testMeta)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay")
}

func TestMFAService_Verify_TOTPNextStepAcceptedImmediately(t *testing.T) {
	env := newMFAEnv(t)
	secret, plaintext := env.enrolledSecret(t, "user-1")
	// A success seconds ago in the previous step must not block the code the
	// authenticator shows now.
	previousStep := env.clock.Now().Add(-10 * time.Second)
	secret.LastUsedAt = &previousStep
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	code := totpCodeAt(t, plaintext, env.clock.Now())
	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodTOTP, code, testMeta)

	assert.NoError(t, err)
}

func TestMFAService_Verify_WrongCodeReportsAttemptsRemaining(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}
	env.attempts.CountRecentFailuresFunc = func(ctx context.Context, userID string, since time.Time) (int, error) {
		return 2, nil
	}

	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodTOTP, "000000", testMeta)

	var invalid *models.InvalidMFACodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 3, invalid.AttemptsRemaining)
}

func TestMFAService_Verify_LockoutAtThreshold(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}
	env.attempts.CountRecentFailuresFunc = func(ctx context.Context, userID string, since time.Time) (int, error) {
		return 5, nil
	}

	var lockedUntil time.Time
	env.users.SetMFALockedUntilFunc = func(ctx context.Context, id string, until time.Time) error {
		lockedUntil = until
		return nil
	}

	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodTOTP, "000000", testMeta)

	var locked *models.MFALockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, env.clock.Now().UTC().Add(15*time.Minute), lockedUntil)
	assert.Equal(t, lockedUntil, locked.Until)
}

func TestMFAService_Verify_LockedUserRejectedUpFront(t *testing.T) {
	env := newMFAEnv(t)
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		t.Fatal("locked user must not reach the secret store")
		return nil, nil
	}

	user := NewTestUserMFALocked("user-1", "alice", "alice@example.com", testTime.Add(10*time.Minute))
	err := env.service().Verify(context.Background(), user, models.MFAMethodTOTP, "123456", testMeta)

	var locked *models.MFALockedError
	assert.ErrorAs(t, err, &locked)
}

func TestMFAService_Verify_ExpiredLockoutIsIgnored(t *testing.T) {
	env := newMFAEnv(t)
	secret, plaintext := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}

	user := NewTestUserMFALocked("user-1", "alice", "alice@example.com", testTime.Add(-time.Minute))
	code := totpCodeAt(t, plaintext, env.clock.Now())
	err := env.service().Verify(context.Background(), user, models.MFAMethodTOTP, code, testMeta)

	assert.NoError(t, err)
}

func TestMFAService_Verify_UnknownMethod(t *testing.T) {
	env := newMFAEnv(t)

	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), "sms", "123456", testMeta)

	assert.ErrorIs(t, err, models.ErrMFAMethodNotAllowed)
}

func TestMFAService_Verify_BackupCodeSuccess(t *testing.T) {
	env := newMFAEnv(t)
	salt := "a1b2c3"
	env.backup.ListUnusedFunc = func(ctx context.Context, userID string) ([]*models.BackupCode, error) {
		return []*models.BackupCode{
			{ID: "bc-1", UserID: userID, Salt: salt, CodeHash: auth.HashCode(salt, "WRONGONE")},
			{ID: "bc-2", UserID: userID, Salt: salt, CodeHash: auth.HashCode(salt, "GOODCODE")},
		}, nil
	}
	var consumedID string
	env.backup.ConsumeFunc = func(ctx context.Context, id string) (bool, error) {
		consumedID = id
		return true, nil
	}
	env.backup.CountUnusedFunc = func(ctx context.Context, userID string) (int, error) {
		return 1, nil
	}

	// Case and surrounding whitespace must not matter.
	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodBackup, "  goodcode ", testMeta)

	require.NoError(t, err)
	assert.Equal(t, "bc-2", consumedID)
}

func TestMFAService_Verify_BackupCodeLostRace(t *testing.T) {
	env := newMFAEnv(t)
	salt := "a1b2c3"
	env.backup.ListUnusedFunc = func(ctx context.Context, userID string) ([]*models.BackupCode, error) {
		return []*models.BackupCode{
			{ID: "bc-1", UserID: userID, Salt: salt, CodeHash: auth.HashCode(salt, "GOODCODE")},
		}, nil
	}
	env.backup.ConsumeFunc = func(ctx context.Context, id string) (bool, error) {
		return false, nil
	}

	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodBackup, "GOODCODE", testMeta)

	var invalid *models.InvalidMFACodeError
	assert.ErrorAs(t, err, &invalid)
}

func TestMFAService_Verify_BackupCodeNoMatch(t *testing.T) {
	env := newMFAEnv(t)
	salt := "a1b2c3"
	env.backup.ListUnusedFunc = func(ctx context.Context, userID string) ([]*models.BackupCode, error) {
		return []*models.BackupCode{
			{ID: "bc-1", UserID: userID, Salt: salt, CodeHash: auth.HashCode(salt, "GOODCODE")},
		}, nil
	}

	err := env.service().Verify(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), models.MFAMethodBackup, "BADCODE1", testMeta)

	var invalid *models.InvalidMFACodeError
	assert.ErrorAs(t, err, &invalid)
}

func TestMFAService_RegenerateBackupCodes_ReplacesAll(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}
	var stored []*models.BackupCode
	env.backup.ReplaceAllFunc = func(ctx context.Context, userID string, codes []*models.BackupCode) error {
		stored = codes
		return nil
	}

	user := NewTestUserWithPassword(t, "user-1", "alice@example.com", "Correct1Password")
	codes, err := env.service().RegenerateBackupCodes(context.Background(), user, "Correct1Password")

	require.NoError(t, err)
	assert.Len(t, codes, 10)
	assert.Len(t, stored, 10)
}

func TestMFAService_Status_EnabledWithCounts(t *testing.T) {
	env := newMFAEnv(t)
	secret, _ := env.enrolledSecret(t, "user-1")
	enabledAt := testTime.Add(-48 * time.Hour)
	secret.EnabledAt = &enabledAt
	env.secrets.GetFunc = func(ctx context.Context, userID string) (*models.MFASecret, error) {
		return secret, nil
	}
	env.backup.CountUnusedFunc = func(ctx context.Context, userID string) (int, error) {
		return 7, nil
	}
	env.trusted.CountByUserFunc = func(ctx context.Context, userID string) (int, error) {
		return 2, nil
	}

	status, err := env.service().Status(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"))

	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, models.MFAMethodTOTP, status.Method)
	assert.Equal(t, 7, status.BackupCodesRemaining)
	assert.Equal(t, 2, status.TrustedDevices)
	assert.Nil(t, status.LockedUntil)
}

func TestMFAService_TrustDevice_SetsWindowAndFingerprint(t *testing.T) {
	env := newMFAEnv(t)
	var stored *models.TrustedDevice
	env.trusted.UpsertFunc = func(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error) {
		stored = d
		d.ID = "device-1"
		return d, nil
	}

	device, err := env.service().TrustDevice(context.Background(), NewTestUser("user-1", "alice", "alice@example.com"), testMeta)

	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, auth.DeviceFingerprint(testMeta.UserAgent, testMeta.AcceptLanguage), stored.Fingerprint)
	assert.Equal(t, env.clock.Now().UTC().Add(30*24*time.Hour), stored.TrustedUntil)
	assert.Equal(t, "Chrome", device.Browser)
}

func TestMFAService_IsTrustedDevice_LiveGrant(t *testing.T) {
	env := newMFAEnv(t)
	touched := false
	env.trusted.GetByFingerprintFunc = func(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error) {
		return &models.TrustedDevice{ID: "device-1", TrustedUntil: testTime.Add(time.Hour)}, nil
	}
	env.trusted.TouchLastUsedFunc = func(ctx context.Context, id string) error {
		touched = true
		return nil
	}

	trusted, err := env.service().IsTrustedDevice(context.Background(), "user-1", testMeta)

	require.NoError(t, err)
	assert.True(t, trusted)
	assert.True(t, touched)
}

func TestMFAService_IsTrustedDevice_ExpiredGrant(t *testing.T) {
	env := newMFAEnv(t)
	env.trusted.GetByFingerprintFunc = func(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error) {
		return &models.TrustedDevice{ID: "device-1", TrustedUntil: testTime.Add(-time.Minute)}, nil
	}

	trusted, err := env.service().IsTrustedDevice(context.Background(), "user-1", testMeta)

	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestMFAService_IsTrustedDevice_UnknownDevice(t *testing.T) {
	env := newMFAEnv(t)

	trusted, err := env.service().IsTrustedDevice(context.Background(), "user-1", testMeta)

	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestMFAService_ClearLockout(t *testing.T) {
	env := newMFAEnv(t)
	cleared := false
	env.users.ClearMFALockFunc = func(ctx context.Context, id string) error {
		cleared = true
		return nil
	}

	err := env.service().ClearLockout(context.Background(), "user-1", "admin-1")

	require.NoError(t, err)
	assert.True(t, cleared)
}
