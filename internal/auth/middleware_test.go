package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/internal/models"
)

func protectedHandler(t *testing.T, sawClaims **models.TokenClaims) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		*sawClaims = claims
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAccessToken_ValidToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	token, err := tm.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	var claims *models.TokenClaims
	handler := RequireAccessToken(tm)(protectedHandler(t, &claims))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestRequireAccessToken_RejectsOtherKinds(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	refresh, err := tm.IssueRefresh(tokenTestUser(), false)
	require.NoError(t, err)
	mfa, err := tm.IssueMFAChallenge(tokenTestUser())
	require.NoError(t, err)

	handler := RequireAccessToken(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, token := range []string{refresh, mfa} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestRequireAccessToken_MalformedHeader(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	handler := RequireAccessToken(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz", "token-without-scheme"} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestRequireAccessToken_ExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	token, err := tm.IssueAccess(tokenTestUser())
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)

	handler := RequireAccessToken(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	clock := clockwork.NewFakeClockAt(tokenTestTime)
	tm := NewTokenManager(tokenTestConfig(), clock)

	adminOnly := RequireRole(models.RoleAdmin, models.RoleSuperAdmin)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)
	chain := RequireAccessToken(tm)(adminOnly)

	tests := []struct {
		role string
		want int
	}{
		{models.RoleAdmin, http.StatusOK},
		{models.RoleSuperAdmin, http.StatusOK},
		{models.RoleUser, http.StatusForbidden},
	}

	for _, tt := range tests {
		user := tokenTestUser()
		user.Role = tt.role
		token, err := tm.IssueAccess(user)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		chain.ServeHTTP(rec, req)

		assert.Equal(t, tt.want, rec.Code, "role %s", tt.role)
	}
}

func TestRequireRole_WithoutClaims(t *testing.T) {
	handler := RequireRole(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
