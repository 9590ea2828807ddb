package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

type touchCall struct {
	userID       string
	refreshToken string
	meta         models.RequestMeta
}

type mockToucher struct {
	calls chan touchCall
}

func newMockToucher() *mockToucher {
	return &mockToucher{calls: make(chan touchCall, 1)}
}

func (m *mockToucher) Touch(_ context.Context, userID, refreshToken string, meta models.RequestMeta) {
	m.calls <- touchCall{userID: userID, refreshToken: refreshToken, meta: meta}
}

func TestTouchSession_TouchesAuthenticatedRequest(t *testing.T) {
	toucher := newMockToucher()
	handler := TouchSession(toucher, &pkghttp.IPConfig{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "203.0.113.7:52100"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0")
	req.Header.Set("X-Refresh-Token", "refresh-abc")
	claims := &models.TokenClaims{
		Type:             models.TokenKindAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}
	req = req.WithContext(context.WithValue(req.Context(), auth.ClaimsContextKey, claims))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case call := <-toucher.calls:
		assert.Equal(t, "user-1", call.userID)
		assert.Equal(t, "refresh-abc", call.refreshToken)
		assert.Equal(t, "203.0.113.7", call.meta.IPAddress)
		assert.Contains(t, call.meta.UserAgent, "Chrome")
	case <-time.After(2 * time.Second):
		require.Fail(t, "session was never touched")
	}
}

func TestTouchSession_SkipsUnauthenticatedRequest(t *testing.T) {
	toucher := newMockToucher()
	nextCalled := false
	handler := TouchSession(toucher, &pkghttp.IPConfig{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nextCalled = true
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, nextCalled)
	select {
	case <-toucher.calls:
		require.Fail(t, "unauthenticated request should not touch a session")
	case <-time.After(50 * time.Millisecond):
	}
}
