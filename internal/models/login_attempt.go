package models

import "time"

// Login failure reasons
const (
	FailureInvalidCredentials = "invalid_credentials"
	FailureAccountInactive    = "account_inactive"
	FailureMFAInvalid         = "mfa_invalid"
	FailureMFALocked          = "mfa_locked"
)

// LoginAttempt is an append-only record of a single login attempt. UserID is
// nil when the submitted email matched no account.
type LoginAttempt struct {
	ID            string
	UserID        *string
	Email         string
	Success       bool
	FailureReason *string
	IPAddress     string
	UserAgent     string
	Location      *Location
	CreatedAt     time.Time
}
