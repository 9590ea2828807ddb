package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Login path errors. Unknown email and wrong password both surface as
	// ErrInvalidCredentials so the caller cannot distinguish them.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")

	// MFA errors
	ErrMFANotEnabled        = errors.New("mfa is not enabled")
	ErrMFAAlreadyEnabled    = errors.New("mfa is already enabled")
	ErrMFAChallengeInvalid  = errors.New("mfa challenge is invalid or expired")
	ErrMFASetupCodeInvalid  = errors.New("mfa setup code is invalid")
	ErrMFACodeExpired       = errors.New("mfa code has expired")
	ErrMFAResendCapExceeded = errors.New("mfa code resend cap exceeded")
	ErrMFAMethodNotAllowed  = errors.New("mfa method not allowed for role")

	// Session errors
	ErrCannotRevokeCurrent = errors.New("cannot revoke the current session")

	// Email dispatch
	ErrEmailSendFailed = errors.New("failed to send email")
)

// ConflictError reports a uniqueness violation on a named field.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already in use", e.Field)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// InvalidMFACodeError is returned when a submitted MFA code does not match.
type InvalidMFACodeError struct {
	AttemptsRemaining int
}

func (e *InvalidMFACodeError) Error() string {
	return fmt.Sprintf("invalid mfa code (%d attempts remaining)", e.AttemptsRemaining)
}

// MFALockedError is returned while the per-user MFA lockout is in effect.
type MFALockedError struct {
	Until time.Time
}

func (e *MFALockedError) Error() string {
	return fmt.Sprintf("mfa locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// MFARateLimitedError is returned when a code resend is requested before the
// cooldown has elapsed.
type MFARateLimitedError struct {
	RetryAfter time.Duration
}

func (e *MFARateLimitedError) Error() string {
	return fmt.Sprintf("mfa code resend rate limited, retry after %s", e.RetryAfter)
}

// Session expiry reasons surfaced by SessionExpiredError.
const (
	SessionExpiredInactivity = "inactivity"
	SessionExpiredAbsolute   = "absolute"
	SessionExpiredRefresh    = "refresh"
	SessionExpiredRevoked    = "revoked"
)

// SessionExpiredError carries which expiry clause invalidated the session.
type SessionExpiredError struct {
	Reason string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired: %s", e.Reason)
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrUnauthenticated
}
