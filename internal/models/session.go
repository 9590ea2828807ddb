package models

import "time"

// Location holds a best-effort geolocation for an IP address.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// Session represents an authenticated device session. The refresh token is
// globally unique and bound to the row for its whole life.
type Session struct {
	ID                string
	UserID            string
	RefreshToken      string
	ExpiresAt         time.Time // refresh horizon
	AbsoluteExpiresAt time.Time
	LastActivityAt    time.Time
	IPAddress         string
	UserAgent         string
	Browser           string
	OS                string
	DeviceType        string
	Location          *Location
	IsActive          bool
	CreatedAt         time.Time
}

// SessionView is the listing shape returned to the session owner. Exactly one
// entry carries Current=true, matched by the refresh token of the present
// request.
type SessionView struct {
	ID             string    `json:"id"`
	IPAddress      string    `json:"ip_address"`
	Browser        string    `json:"browser"`
	OS             string    `json:"os"`
	DeviceType     string    `json:"device_type"`
	Location       *Location `json:"location,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	Current        bool      `json:"current"`
}
