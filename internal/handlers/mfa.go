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

// MFAServiceInterface is the MFA management surface consumed by the handler.
// Challenge verification is not here; that happens on the auth endpoints.
type MFAServiceInterface interface {
	BeginTOTPSetup(ctx context.Context, user *models.User) (*models.TOTPEnrollment, error)
	EnableTOTP(ctx context.Context, user *models.User, code string) ([]string, error)
	DisableTOTP(ctx context.Context, user *models.User, password string) error
	RegenerateBackupCodes(ctx context.Context, user *models.User, password string) ([]string, error)
	Status(ctx context.Context, user *models.User) (*models.MFAStatus, error)
	ClearLockout(ctx context.Context, userID, actorID string) error
	ListTrustedDevices(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	RevokeTrustedDevice(ctx context.Context, userID, deviceID string) error
	RevokeAllTrustedDevices(ctx context.Context, userID string) error
}

// UserLookup resolves the authenticated user from the token subject.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// MFAHandler handles MFA enrollment and management endpoints.
type MFAHandler struct {
	service MFAServiceInterface
	users   UserLookup
}

func NewMFAHandler(service MFAServiceInterface, users UserLookup) *MFAHandler {
	return &MFAHandler{service: service, users: users}
}

type EnableTOTPRequest struct {
	Code string `json:"code" validate:"required"`
}

type PasswordConfirmRequest struct {
	Password string `json:"password" validate:"required"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
	Message     string   `json:"message"`
}

// currentUser resolves the request's authenticated user or writes the error.
func (h *MFAHandler) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	user, err := h.users.FindByID(r.Context(), claims.Subject)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	return user, true
}

// BeginSetup starts TOTP enrollment and returns the provisioning material.
func (h *MFAHandler) BeginSetup(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	enrollment, err := h.service.BeginTOTPSetup(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, enrollment)
}

// Enable confirms enrollment with an authenticator code. The response carries
// the backup codes; they are shown exactly once.
func (h *MFAHandler) Enable(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req EnableTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	codes, err := h.service.EnableTOTP(r.Context(), user, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{
		BackupCodes: codes,
		Message:     "Save these backup codes now. They will not be shown again.",
	})
}

// Disable tears down TOTP after re-verifying the account password.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req PasswordConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.DisableTOTP(r.Context(), user, req.Password); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RegenerateBackupCodes replaces the backup code set.
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req PasswordConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), user, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{
		BackupCodes: codes,
		Message:     "Save these backup codes now. They will not be shown again.",
	})
}

// Status returns the user's MFA posture.
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// ListTrustedDevices returns the user's device trust grants.
func (h *MFAHandler) ListTrustedDevices(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	devices, err := h.service.ListTrustedDevices(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type deviceView struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Browser      string `json:"browser"`
		OS           string `json:"os"`
		DeviceType   string `json:"device_type"`
		TrustedUntil string `json:"trusted_until"`
		LastUsedAt   string `json:"last_used_at"`
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			ID:           d.ID,
			Name:         d.Name,
			Browser:      d.Browser,
			OS:           d.OS,
			DeviceType:   d.DeviceType,
			TrustedUntil: d.TrustedUntil.Format(timeFormat),
			LastUsedAt:   d.LastUsedAt.Format(timeFormat),
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"devices": views})
}

// RevokeTrustedDevice removes one trust grant.
func (h *MFAHandler) RevokeTrustedDevice(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	deviceID := chi.URLParam(r, "id")
	if err := h.service.RevokeTrustedDevice(r.Context(), claims.Subject, deviceID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAllTrustedDevices removes every trust grant.
func (h *MFAHandler) RevokeAllTrustedDevices(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.service.RevokeAllTrustedDevices(r.Context(), claims.Subject); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearLockout lifts another user's MFA lockout. Admin only, enforced by the
// route layer.
func (h *MFAHandler) ClearLockout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	userID := chi.URLParam(r, "id")
	if err := h.service.ClearLockout(r.Context(), userID, claims.Subject); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
