package models

import "time"

// Security event types
const (
	EventBruteForceAttempt    = "brute_force_attempt"
	EventLoginFromNewDevice   = "login_from_new_device"
	EventLoginFromNewLocation = "login_from_new_location"
)

// Security event severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SecurityEvent is emitted by the security detector. Events of the same
// (user, type) are deduplicated within the type's dedupe window.
type SecurityEvent struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	EventType    string            `json:"event_type"`
	Severity     string            `json:"severity"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IPAddress    string            `json:"ip_address"`
	Acknowledged bool              `json:"acknowledged"`
	CreatedAt    time.Time         `json:"created_at"`
}
