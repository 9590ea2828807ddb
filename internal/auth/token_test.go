package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
)

var tokenTestTime = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func tokenTestConfig() config.AuthConfig {
	return config.AuthConfig{
		SigningKeys:        map[string]string{"v1": "test-signing-secret-0123456789"},
		ActiveKeyID:        "v1",
		Issuer:             "castellan",
		Audience:           "castellan-api",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		RefreshTTLRemember: 30 * 24 * time.Hour,
		MFAChallengeTTL:    5 * time.Minute,
	}
}

func tokenTestUser() *models.User {
	return &models.User{ID: "user-1", Email: "alice@example.com", Role: models.RoleAdmin}
}

func TestTokenManager_AccessRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	token, err := tm.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	claims, err := tm.Validate(token, models.TokenKindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.Equal(t, models.TokenKindAccess, claims.Type)
}

func TestTokenManager_MFAChallengeCarriesEmail(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	token, err := tm.IssueMFAChallenge(tokenTestUser())
	require.NoError(t, err)

	claims, err := tm.Validate(token, models.TokenKindMFA)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestTokenManager_KindsAreDisjoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)
	user := tokenTestUser()

	access, err := tm.IssueAccess(user)
	require.NoError(t, err)
	refresh, err := tm.IssueRefresh(user, false)
	require.NoError(t, err)
	mfa, err := tm.IssueMFAChallenge(user)
	require.NoError(t, err)

	tokens := map[string]string{
		models.TokenKindAccess:  access,
		models.TokenKindRefresh: refresh,
		models.TokenKindMFA:     mfa,
	}
	for issuedKind, token := range tokens {
		for _, expectedKind := range []string{models.TokenKindAccess, models.TokenKindRefresh, models.TokenKindMFA} {
			_, err := tm.Validate(token, expectedKind)
			if issuedKind == expectedKind {
				assert.NoError(t, err, "%s token as %s", issuedKind, expectedKind)
			} else {
				assert.ErrorIs(t, err, ErrTokenWrongKind, "%s token as %s", issuedKind, expectedKind)
			}
		}
	}
}

func TestTokenManager_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	token, err := tm.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	_, err = tm.Validate(token, models.TokenKindAccess)
	assert.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = tm.Validate(token, models.TokenKindAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenManager_RememberExtendsRefreshTTL(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	short, err := tm.IssueRefresh(tokenTestUser(), false)
	require.NoError(t, err)
	long, err := tm.IssueRefresh(tokenTestUser(), true)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)

	_, err = tm.Validate(short, models.TokenKindRefresh)
	assert.ErrorIs(t, err, ErrTokenExpired)
	_, err = tm.Validate(long, models.TokenKindRefresh)
	assert.NoError(t, err)
}

func TestTokenManager_KeyRotation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)

	oldCfg := tokenTestConfig()
	oldTM := NewTokenManager(oldCfg, clock)
	oldToken, err := oldTM.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	// New deployments sign with v2 but keep v1 registered for verification.
	rotatedCfg := tokenTestConfig()
	rotatedCfg.SigningKeys = map[string]string{
		"v1": "test-signing-secret-0123456789",
		"v2": "next-signing-secret-9876543210",
	}
	rotatedCfg.ActiveKeyID = "v2"
	rotatedTM := NewTokenManager(rotatedCfg, clock)

	_, err = rotatedTM.Validate(oldToken, models.TokenKindAccess)
	assert.NoError(t, err)

	newToken, err := rotatedTM.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	// The retired manager does not know v2.
	_, err = oldTM.Validate(newToken, models.TokenKindAccess)
	assert.Error(t, err)
}

func TestTokenManager_TamperedTokenRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	token, err := tm.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, err = tm.Validate(tampered, models.TokenKindAccess)
	assert.Error(t, err)
}

func TestTokenManager_WrongAudienceRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	otherCfg := tokenTestConfig()
	otherCfg.Audience = "some-other-api"
	otherTM := NewTokenManager(otherCfg, clock)

	token, err := otherTM.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	_, err = tm.Validate(token, models.TokenKindAccess)
	assert.ErrorIs(t, err, ErrTokenBadAudience)
}

func TestTokenManager_GarbageRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	_, err := tm.Validate("not-a-jwt", models.TokenKindAccess)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}
