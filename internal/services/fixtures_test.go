package services

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
	pkgauth "github.com/castellan-io/castellan/pkg/auth"
)

var testTime = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

var testMeta = models.RequestMeta{
	IPAddress:      "203.0.113.7",
	UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	AcceptLanguage: "en-US,en;q=0.9",
}

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func newTestClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(testTime)
}

func newTestTOTP(t *testing.T, clock clockwork.Clock) *auth.TOTPManager {
	t.Helper()
	tm, err := auth.NewTOTPManager(testEncryptionKey, "Castellan", clock)
	require.NoError(t, err)
	return tm
}

// totpCodeAt computes the code an authenticator app would show at the given
// instant for the base32 secret.
func totpCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, at)
	require.NoError(t, err)
	return code
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SigningKeys:        map[string]string{"v1": "test-signing-secret-0123456789"},
		ActiveKeyID:        "v1",
		Issuer:             "castellan",
		Audience:           "castellan-api",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		RefreshTTLRemember: 30 * 24 * time.Hour,
		MFAChallengeTTL:    5 * time.Minute,
		BcryptCost:         10,
	}
}

func testMFAConfig() config.MFAConfig {
	return config.MFAConfig{
		EncryptionKey:       testEncryptionKey,
		TOTPIssuer:          "Castellan",
		EmailCodeTTL:        5 * time.Minute,
		EmailCodeFormat:     "numeric_6",
		EmailResendCooldown: 30 * time.Second,
		EmailMaxResend:      3,
		MaxAttempts:         5,
		LockoutDuration:     15 * time.Minute,
		BackupCodeCount:     10,
		TrustWindow:         30 * 24 * time.Hour,
		TrustedDeviceMax:    5,
	}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		InactivityWindow:        30 * time.Minute,
		AbsoluteHorizon:         7 * 24 * time.Hour,
		AbsoluteHorizonRemember: 30 * 24 * time.Hour,
		CleanupInterval:         time.Hour,
	}
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		BruteForceThreshold:    5,
		BruteForceWindow:       15 * time.Minute,
		DedupeWindow:           60 * time.Minute,
		BruteForceDedupeWindow: 120 * time.Minute,
		MinHistoricalSessions:  2,
		LocationHistoryDepth:   100,
		AttemptRetention:       30 * 24 * time.Hour,
	}
}

func NewTestUser(id, username, email string) *models.User {
	return &models.User{
		ID:            id,
		Username:      username,
		Email:         email,
		Role:          models.RoleUser,
		EmailVerified: true,
		IsActive:      true,
		CreatedAt:     testTime.Add(-30 * 24 * time.Hour),
		UpdatedAt:     testTime.Add(-30 * 24 * time.Hour),
	}
}

func NewTestUserWithPassword(t *testing.T, id, email, password string) *models.User {
	t.Helper()
	hash, err := pkgauth.HashPassword(password, pkgauth.MinBcryptCost)
	require.NoError(t, err)
	user := NewTestUser(id, "testuser", email)
	user.PasswordHash = hash
	return user
}

func NewTestUserMFALocked(id, username, email string, until time.Time) *models.User {
	user := NewTestUser(id, username, email)
	user.MFALockedUntil = &until
	return user
}

// mfaEnv bundles the mocks behind an MFAService under test. Tests set the
// mock funcs they care about, then call service().
type mfaEnv struct {
	users      *MockUserRepository
	secrets    *MockMFASecretRepository
	backup     *MockBackupCodeRepository
	emailCodes *MockEmailCodeRepository
	trusted    *MockTrustedDeviceRepository
	attempts   *MockMFAAttemptRepository
	policies   *MockRoleMFAPolicyRepository
	mailer     *MockEmailDispatcher
	totp       *auth.TOTPManager
	clock      *clockwork.FakeClock
	cfg        config.MFAConfig
}

func newMFAEnv(t *testing.T) *mfaEnv {
	t.Helper()
	clock := newTestClock()
	return &mfaEnv{
		users:      &MockUserRepository{},
		secrets:    &MockMFASecretRepository{},
		backup:     &MockBackupCodeRepository{},
		emailCodes: &MockEmailCodeRepository{},
		trusted:    &MockTrustedDeviceRepository{},
		attempts:   &MockMFAAttemptRepository{},
		policies:   &MockRoleMFAPolicyRepository{},
		mailer:     &MockEmailDispatcher{},
		totp:       newTestTOTP(t, clock),
		clock:      clock,
		cfg:        testMFAConfig(),
	}
}

func (e *mfaEnv) service() *MFAService {
	return NewMFAService(
		e.users, e.secrets, e.backup, e.emailCodes, e.trusted, e.attempts, e.policies,
		e.totp, e.mailer, e.cfg, e.clock, discardLogger(),
	)
}

// enrolledSecret creates an enabled TOTP secret row and returns it together
// with the plaintext base32 secret for generating codes.
func (e *mfaEnv) enrolledSecret(t *testing.T, userID string) (*models.MFASecret, string) {
	t.Helper()
	enrollment, err := e.totp.GenerateEnrollment(userID + "@example.com")
	require.NoError(t, err)
	return &models.MFASecret{
		UserID:          userID,
		SecretEncrypted: enrollment.EncryptedSecret,
		SecretNonce:     enrollment.Nonce,
		Enabled:         true,
	}, enrollment.Secret
}
