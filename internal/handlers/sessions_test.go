package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/internal/handlers"
	"github.com/castellan-io/castellan/internal/models"
)

func TestSessionList_MarksCurrent(t *testing.T) {
	mockSessions := &handlers.MockSessionService{
		ListFunc: func(ctx context.Context, userID, currentRefreshToken string) ([]*models.SessionView, error) {
			assert.Equal(t, "user-1", userID)
			assert.Equal(t, "refresh-123", currentRefreshToken)
			return []*models.SessionView{
				{ID: "session-1", Browser: "Chrome", Current: true},
				{ID: "session-2", Browser: "Safari", Current: false},
			}, nil
		},
	}

	handler := handlers.NewSessionHandler(mockSessions)
	req := handlers.WithAuthContext(
		handlers.NewTestRequest(t, "GET", "/api/v1/sessions", nil),
		"user-1", models.RoleUser,
	)
	req.Header.Set("X-Refresh-Token", "refresh-123")

	w := httptest.NewRecorder()
	handler.List(w, req)

	var resp struct {
		Sessions []models.SessionView `json:"sessions"`
	}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Sessions, 2)
	assert.True(t, resp.Sessions[0].Current)
	assert.False(t, resp.Sessions[1].Current)
}

func TestSessionList_RequiresAuth(t *testing.T) {
	handler := handlers.NewSessionHandler(&handlers.MockSessionService{})
	req := handlers.NewTestRequest(t, "GET", "/api/v1/sessions", nil)

	w := httptest.NewRecorder()
	handler.List(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}

func TestSessionRevoke_Success(t *testing.T) {
	var revokedID string
	mockSessions := &handlers.MockSessionService{
		RevokeFunc: func(ctx context.Context, userID, sessionID, currentRefreshToken string) error {
			revokedID = sessionID
			return nil
		},
	}

	handler := handlers.NewSessionHandler(mockSessions)
	req := handlers.WithURLParam(
		handlers.WithAuthContext(
			handlers.NewTestRequest(t, "DELETE", "/api/v1/sessions/session-2", handlers.SessionScopedRequest{
				RefreshToken: "refresh-123",
			}),
			"user-1", models.RoleUser,
		),
		"id", "session-2",
	)

	w := httptest.NewRecorder()
	handler.Revoke(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "session-2", revokedID)
}

func TestSessionRevoke_CurrentSessionRejected(t *testing.T) {
	mockSessions := &handlers.MockSessionService{
		RevokeFunc: func(ctx context.Context, userID, sessionID, currentRefreshToken string) error {
			return models.ErrCannotRevokeCurrent
		},
	}

	handler := handlers.NewSessionHandler(mockSessions)
	req := handlers.WithURLParam(
		handlers.WithAuthContext(
			handlers.NewTestRequest(t, "DELETE", "/api/v1/sessions/session-1", handlers.SessionScopedRequest{
				RefreshToken: "refresh-123",
			}),
			"user-1", models.RoleUser,
		),
		"id", "session-1",
	)

	w := httptest.NewRecorder()
	handler.Revoke(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusConflict, "conflict")
}

func TestSessionRevoke_OtherUsersSessionHidden(t *testing.T) {
	mockSessions := &handlers.MockSessionService{
		RevokeFunc: func(ctx context.Context, userID, sessionID, currentRefreshToken string) error {
			return models.ErrNotFound
		},
	}

	handler := handlers.NewSessionHandler(mockSessions)
	req := handlers.WithURLParam(
		handlers.WithAuthContext(
			handlers.NewTestRequest(t, "DELETE", "/api/v1/sessions/foreign", handlers.SessionScopedRequest{
				RefreshToken: "refresh-123",
			}),
			"user-1", models.RoleUser,
		),
		"id", "foreign",
	)

	w := httptest.NewRecorder()
	handler.Revoke(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
}

func TestSessionRevokeOthers_ReturnsCount(t *testing.T) {
	mockSessions := &handlers.MockSessionService{
		RevokeOthersFunc: func(ctx context.Context, userID, currentRefreshToken string) (int64, error) {
			return 3, nil
		},
	}

	handler := handlers.NewSessionHandler(mockSessions)
	req := handlers.WithAuthContext(
		handlers.NewTestRequest(t, "POST", "/api/v1/sessions/revoke-others", handlers.SessionScopedRequest{
			RefreshToken: "refresh-123",
		}),
		"user-1", models.RoleUser,
	)

	w := httptest.NewRecorder()
	handler.RevokeOthers(w, req)

	var resp map[string]int64
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, int64(3), resp["sessions_revoked"])
}

func TestSecurityEventList_PassesPaging(t *testing.T) {
	var gotLimit, gotOffset int
	mockEvents := &handlers.MockSecurityEventService{
		ListEventsFunc: func(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
			gotLimit, gotOffset = limit, offset
			return []*models.SecurityEvent{
				{
					ID:        "event-1",
					EventType: models.EventLoginFromNewDevice,
					Severity:  models.SeverityInfo,
					CreatedAt: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
				},
			}, nil
		},
	}

	handler := handlers.NewSecurityEventHandler(mockEvents)
	req := handlers.WithAuthContext(
		handlers.NewTestRequest(t, "GET", "/api/v1/security/events?limit=50&offset=20", nil),
		"user-1", models.RoleUser,
	)

	w := httptest.NewRecorder()
	handler.List(w, req)

	var resp struct {
		Events []models.SecurityEvent `json:"events"`
	}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, 50, gotLimit)
	assert.Equal(t, 20, gotOffset)
}

func TestSecurityEventList_ClampsBadPaging(t *testing.T) {
	var gotLimit, gotOffset int
	mockEvents := &handlers.MockSecurityEventService{
		ListEventsFunc: func(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
			gotLimit, gotOffset = limit, offset
			return []*models.SecurityEvent{}, nil
		},
	}

	handler := handlers.NewSecurityEventHandler(mockEvents)
	req := handlers.WithAuthContext(
		handlers.NewTestRequest(t, "GET", "/api/v1/security/events?limit=9999&offset=-5", nil),
		"user-1", models.RoleUser,
	)

	w := httptest.NewRecorder()
	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, gotLimit)
	assert.Equal(t, 0, gotOffset)
}

func TestSecurityEventAcknowledge(t *testing.T) {
	var acked string
	mockEvents := &handlers.MockSecurityEventService{
		AcknowledgeEventFunc: func(ctx context.Context, userID, eventID string) error {
			acked = eventID
			return nil
		},
	}

	handler := handlers.NewSecurityEventHandler(mockEvents)
	req := handlers.WithURLParam(
		handlers.WithAuthContext(
			handlers.NewTestRequest(t, "POST", "/api/v1/security/events/event-1/ack", nil),
			"user-1", models.RoleUser,
		),
		"id", "event-1",
	)

	w := httptest.NewRecorder()
	handler.Acknowledge(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "event-1", acked)
}
