package models

import (
	"time"
)

// RoleMFAPolicy configures MFA enforcement for a role. When a policy flips
// MFARequired on, users without an enrolled method get a grace window from
// UpdatedAt before strict enforcement.
type RoleMFAPolicy struct {
	Role           string
	MFARequired    bool
	AllowedMethods []string // subset of {"totp", "email"}
	GracePeriod    time.Duration
	UpdatedAt      time.Time
}

// MethodAllowed reports whether the policy permits the given MFA method.
func (p *RoleMFAPolicy) MethodAllowed(method string) bool {
	for _, m := range p.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// InGracePeriod reports whether enforcement is still in the grace window at t.
func (p *RoleMFAPolicy) InGracePeriod(t time.Time) bool {
	if p.GracePeriod <= 0 {
		return false
	}
	return t.Before(p.UpdatedAt.Add(p.GracePeriod))
}
