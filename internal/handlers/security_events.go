package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

const (
	defaultEventPageSize = 20
	maxEventPageSize     = 100
)

// SecurityEventServiceInterface is the detector's read surface.
type SecurityEventServiceInterface interface {
	ListEvents(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	AcknowledgeEvent(ctx context.Context, userID, eventID string) error
}

// SecurityEventHandler serves the user's security event feed.
type SecurityEventHandler struct {
	service SecurityEventServiceInterface
}

func NewSecurityEventHandler(service SecurityEventServiceInterface) *SecurityEventHandler {
	return &SecurityEventHandler{service: service}
}

// List returns the user's security events, newest first.
func (h *SecurityEventHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	limit := queryInt(r, "limit", defaultEventPageSize)
	if limit < 1 || limit > maxEventPageSize {
		limit = defaultEventPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	events, err := h.service.ListEvents(r.Context(), claims.Subject, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// Acknowledge marks one event as seen.
func (h *SecurityEventHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	eventID := chi.URLParam(r, "id")
	if err := h.service.AcknowledgeEvent(r.Context(), claims.Subject, eventID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
