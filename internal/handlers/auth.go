package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

// AuthServiceInterface is the auth business logic consumed by the handler.
type AuthServiceInterface interface {
	Register(ctx context.Context, username, email, password string, meta models.RequestMeta) (*models.AuthResponse, error)
	Login(ctx context.Context, email, password string, remember bool, meta models.RequestMeta) (*models.LoginResult, error)
	VerifyMFA(ctx context.Context, challengeToken, method, code string, remember, trustDevice bool, meta models.RequestMeta) (*models.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string, meta models.RequestMeta) (*models.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) (int64, error)
	ChangePassword(ctx context.Context, userID, current, next string, meta models.RequestMeta) error
}

// MFAChallengeServiceInterface covers the challenge-phase operations reachable
// without an access token.
type MFAChallengeServiceInterface interface {
	ResendChallengeCode(ctx context.Context, challengeToken string) error
}

// AuthHandler handles the authentication endpoints.
type AuthHandler struct {
	service   AuthServiceInterface
	challenge MFAChallengeServiceInterface
	ipConfig  *pkghttp.IPConfig
}

func NewAuthHandler(service AuthServiceInterface, challenge MFAChallengeServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{service: service, challenge: challenge, ipConfig: ipConfig}
}

// Request DTOs

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=30"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Remember bool   `json:"remember"`
}

type VerifyMFARequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Method         string `json:"method" validate:"required,oneof=totp email backup"`
	Code           string `json:"code" validate:"required"`
	Remember       bool   `json:"remember"`
	TrustDevice    bool   `json:"trust_device"`
}

type ResendCodeRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// Register creates an account and returns a fully authenticated response.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)

	resp, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password, requestMeta(r, h.ipConfig))
	if err != nil {
		if strings.Contains(err.Error(), "password") || strings.Contains(err.Error(), "username") {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, resp)
}

// Login verifies credentials. The response either carries tokens or an MFA
// challenge, discriminated by the outcome field.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	result, err := h.service.Login(r.Context(), req.Email, req.Password, req.Remember, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// VerifyMFA completes a challenged login with a second-factor code.
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req VerifyMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	resp, err := h.service.VerifyMFA(r.Context(), req.ChallengeToken, req.Method, req.Code, req.Remember, req.TrustDevice, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// ResendCode re-delivers the email challenge code.
func (h *AuthHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	var req ResendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.challenge.ResendChallengeCode(r.Context(), req.ChallengeToken); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "A new code has been sent"})
}

// Refresh exchanges a refresh token for a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, pair)
}

// Logout ends the session bound to the refresh token. Idempotent.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword swaps the authenticated user's password. All sessions are
// revoked on success; the client must sign in again.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.service.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword, requestMeta(r, h.ipConfig))
	if err != nil {
		if strings.Contains(err.Error(), "invalid password") {
			pkghttp.WriteBadRequest(w, "The new password does not meet the requirements")
			return
		}
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Password changed. Sign in again on all devices.",
	})
}

// LogoutAll ends every session of the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	revoked, err := h.service.LogoutAll(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": revoked})
}
