package models

import "time"

// TrustedDevice is a (user, device-fingerprint) pair that bypasses MFA until
// TrustedUntil. The fingerprint hashes user-agent and accept-language; IP is
// deliberately excluded so trust survives network roaming.
type TrustedDevice struct {
	ID           string
	UserID       string
	Fingerprint  string
	Name         string
	Browser      string
	OS           string
	DeviceType   string
	TrustedUntil time.Time
	LastUsedAt   time.Time
	CreatedAt    time.Time
}

// Trusted reports whether the device trust grant is still in effect at t.
func (d *TrustedDevice) Trusted(t time.Time) bool {
	return t.Before(d.TrustedUntil)
}
