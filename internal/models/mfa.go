package models

import "time"

// MFA methods
const (
	MFAMethodTOTP   = "totp"
	MFAMethodEmail  = "email"
	MFAMethodBackup = "backup"
)

// MFASecret holds a user's TOTP shared secret, encrypted at rest with
// AES-256-GCM. At most one row exists per user.
type MFASecret struct {
	UserID          string
	SecretEncrypted []byte
	SecretNonce     []byte
	Enabled         bool
	EnabledAt       *time.Time
	LastUsedAt      *time.Time // last successful TOTP verification, blocks step replay
	CreatedAt       time.Time
}

// BackupCode is a single-use recovery code. Only the salted hash is stored;
// the plaintext is shown exactly once at generation.
type BackupCode struct {
	ID        string
	UserID    string
	Salt      string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// TOTPEnrollment is returned from MFA setup. The plaintext secret and QR code
// are handed to the user and never persisted.
type TOTPEnrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"` // data URL, image/png
}

// MFAStatus summarizes a user's MFA configuration.
type MFAStatus struct {
	Enabled              bool       `json:"enabled"`
	Method               string     `json:"method,omitempty"`
	EnabledAt            *time.Time `json:"enabled_at,omitempty"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	TrustedDevices       int        `json:"trusted_devices"`
	LockedUntil          *time.Time `json:"locked_until,omitempty"`
}

// MFAAttempt records one MFA verification attempt for lockout accounting.
type MFAAttempt struct {
	ID            string
	UserID        string
	Method        string
	Success       bool
	FailureReason *string
	IPAddress     string
	CreatedAt     time.Time
}
