package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

// SessionServiceInterface is the session management surface consumed by the
// handler. The current session is identified by the refresh token the client
// presents alongside the request.
type SessionServiceInterface interface {
	List(ctx context.Context, userID, currentRefreshToken string) ([]*models.SessionView, error)
	Revoke(ctx context.Context, userID, sessionID, currentRefreshToken string) error
	RevokeOthers(ctx context.Context, userID, currentRefreshToken string) (int64, error)
}

// SessionHandler handles session listing and revocation.
type SessionHandler struct {
	service SessionServiceInterface
}

func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

type SessionScopedRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// List returns the user's active sessions. The current one is flagged by
// matching the refresh token sent in the X-Refresh-Token header; without it
// no session is marked current.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	views, err := h.service.List(r.Context(), claims.Subject, r.Header.Get("X-Refresh-Token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// Revoke kills one session by id. Revoking the current session is rejected.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req SessionScopedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	sessionID := chi.URLParam(r, "id")
	if err := h.service.Revoke(r.Context(), claims.Subject, sessionID, req.RefreshToken); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokeOthers kills every session except the current one.
func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req SessionScopedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	revoked, err := h.service.RevokeOthers(r.Context(), claims.Subject, req.RefreshToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": revoked})
}
