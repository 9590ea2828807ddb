package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var totpTestKey = []byte("0123456789abcdef0123456789abcdef")

func newTOTP(t *testing.T, clock clockwork.Clock) *TOTPManager {
	t.Helper()
	tm, err := NewTOTPManager(totpTestKey, "Castellan", clock)
	require.NoError(t, err)
	return tm
}

func TestNewTOTPManager_RejectsShortKey(t *testing.T) {
	_, err := NewTOTPManager([]byte("too-short"), "Castellan", clockwork.NewRealClock())
	assert.Error(t, err)
}

func TestTOTPManager_EncryptDecryptRoundTrip(t *testing.T) {
	tm := newTOTP(t, clockwork.NewRealClock())

	encrypted, nonce, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("JBSWY3DPEHPK3PXP"), encrypted)

	plaintext, err := tm.DecryptSecret(encrypted, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("JBSWY3DPEHPK3PXP"), plaintext)
}

func TestTOTPManager_DecryptWithWrongNonceFails(t *testing.T) {
	tm := newTOTP(t, clockwork.NewRealClock())

	encrypted, _, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	_, otherNonce, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	_, err = tm.DecryptSecret(encrypted, otherNonce)
	assert.Error(t, err)
}

func TestTOTPManager_GenerateEnrollment(t *testing.T) {
	tm := newTOTP(t, clockwork.NewRealClock())

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.OTPAuthURL, "otpauth://totp/")
	assert.Contains(t, enrollment.OTPAuthURL, "Castellan")
	assert.Contains(t, enrollment.QRDataURL, "data:image/png;base64,")

	plaintext, err := tm.DecryptSecret(enrollment.EncryptedSecret, enrollment.Nonce)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Secret, string(plaintext))
}

func TestTOTPManager_Validate_CurrentStep(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 15, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	ok, step, err := tm.Validate([]byte(enrollment.Secret), code, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC), step)
}

func TestTOTPManager_Validate_AdjacentSteps(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 15, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	for _, skew := range []time.Duration{-30 * time.Second, 30 * time.Second} {
		code, err := totp.GenerateCode(enrollment.Secret, now.Add(skew))
		require.NoError(t, err)

		ok, step, err := tm.Validate([]byte(enrollment.Secret), code, nil)
		require.NoError(t, err)
		assert.True(t, ok, "code from %s away must be accepted", skew)
		assert.Equal(t, now.Add(skew).Truncate(30*time.Second), step)
	}
}

func TestTOTPManager_Validate_TwoStepsAwayRejected(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 15, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, now.Add(-90*time.Second))
	require.NoError(t, err)

	ok, _, err := tm.Validate([]byte(enrollment.Secret), code, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTOTPManager_Validate_SameStepReplayRejected(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 15, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	// The code's own step was already consumed.
	lastUsed := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	_, _, err = tm.Validate([]byte(enrollment.Secret), code, &lastUsed)
	assert.Error(t, err)
}

func TestTOTPManager_Validate_EarlierStepAfterConsumedRejected(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 15, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	// Previous-step code is still inside the accepted skew, but the current
	// step has already been consumed.
	code, err := totp.GenerateCode(enrollment.Secret, now.Add(-30*time.Second))
	require.NoError(t, err)

	lastUsed := now
	_, _, err = tm.Validate([]byte(enrollment.Secret), code, &lastUsed)
	assert.Error(t, err)
}

func TestTOTPManager_Validate_NextStepAfterRecentUseAccepted(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 45, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	// The previous step was consumed seconds ago; the authenticator has since
	// rotated, so the fresh code must work without waiting.
	lastUsed := now.Add(-20 * time.Second)
	ok, step, err := tm.Validate([]byte(enrollment.Secret), code, &lastUsed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 15, 12, 0, 30, 0, time.UTC), step)
}

func TestTOTPManager_Validate_WrongCode(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 15, 12, 0, 15, 0, time.UTC))
	tm := newTOTP(t, clock)

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	ok, _, err := tm.Validate([]byte(enrollment.Secret), "000000", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
