package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

// timeFormat is the timestamp layout used in response bodies.
const timeFormat = "2006-01-02T15:04:05Z07:00"

// requestMeta assembles the per-request attributes the services need.
func requestMeta(r *http.Request, ipConfig *pkghttp.IPConfig) models.RequestMeta {
	return models.RequestMeta{
		IPAddress:      pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
}

// invalidMFACodeResponse carries how many attempts remain before lockout.
type invalidMFACodeResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// writeServiceError maps service-layer errors onto the HTTP surface. Every
// handler funnels unrecognized errors through the default arm so internals
// never leak.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		conflictErr *models.ConflictError
		invalidCode *models.InvalidMFACodeError
		lockedErr   *models.MFALockedError
		rateLimited *models.MFARateLimitedError
		sessionDead *models.SessionExpiredError
	)

	switch {
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteUnauthorized(w, "Invalid email or password")
	case errors.As(err, &lockedErr):
		pkghttp.WriteLocked(w, "Too many failed verification attempts. Try again later.", lockedErr.Until)
	case errors.As(err, &rateLimited):
		pkghttp.WriteTooManyRequests(w, "Please wait before requesting another code", rateLimited.RetryAfter)
	case errors.As(err, &invalidCode):
		pkghttp.WriteJSON(w, http.StatusUnauthorized, invalidMFACodeResponse{
			Error:             "invalid_mfa_code",
			Message:           "The verification code is incorrect",
			AttemptsRemaining: invalidCode.AttemptsRemaining,
		})
	case errors.Is(err, models.ErrMFAResendCapExceeded):
		pkghttp.WriteTooManyRequests(w, "Resend limit reached. Sign in again to get a new code.", 0)
	case errors.Is(err, models.ErrMFACodeExpired):
		pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_code_expired", "The verification code has expired. Sign in again to get a new one.")
	case errors.Is(err, models.ErrMFAChallengeInvalid):
		pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_challenge_invalid", "The verification request is invalid or has expired")
	case errors.Is(err, models.ErrMFASetupCodeInvalid):
		pkghttp.WriteBadRequest(w, "The verification code is incorrect")
	case errors.Is(err, models.ErrMFANotEnabled):
		pkghttp.WriteBadRequest(w, "Two-factor authentication is not enabled")
	case errors.Is(err, models.ErrMFAAlreadyEnabled):
		pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
	case errors.Is(err, models.ErrMFAMethodNotAllowed):
		pkghttp.WriteForbidden(w, "This verification method is not allowed")
	case errors.As(err, &sessionDead):
		pkghttp.WriteErrorWithDetails(w, http.StatusUnauthorized, "session_expired", "Your session has expired", sessionDead.Reason)
	case errors.Is(err, models.ErrUnauthenticated):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.As(err, &conflictErr):
		pkghttp.WriteConflict(w, fmt.Sprintf("An account with this %s already exists", conflictErr.Field))
	case errors.Is(err, models.ErrCannotRevokeCurrent):
		pkghttp.WriteConflict(w, "The current session cannot be revoked; use logout instead")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrEmailSendFailed):
		pkghttp.WriteError(w, http.StatusBadGateway, "email_send_failed", "The verification email could not be sent. Please try again.")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
