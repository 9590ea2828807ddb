package models

import "time"

// Email code formats
const (
	EmailCodeNumeric6      = "numeric_6"
	EmailCodeNumeric8      = "numeric_8"
	EmailCodeAlphanumeric6 = "alphanumeric_6"
)

// EmailMFACode is a one-time code delivered by email. At most one non-used,
// non-expired row exists per user; issuing a new code supersedes all prior
// ones in the same transaction.
type EmailMFACode struct {
	ID          string
	UserID      string
	CodeHash    string // sha256 of the case-folded code
	ExpiresAt   time.Time
	Attempts    int
	ResendCount int
	LastSentAt  time.Time
	Used        bool
	CreatedAt   time.Time
}
