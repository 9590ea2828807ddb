package models

import (
	"time"
)

// User roles
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

type User struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Role              string // "user", "admin", "super_admin"
	EmailVerified     bool
	IsActive          bool
	MFALockedUntil    *time.Time // Per-user MFA lockout expiration
	PasswordChangedAt *time.Time // Last password change, used to invalidate sessions
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserPatch carries a partial update. Nil fields are left untouched.
type UserPatch struct {
	Username       *string
	Email          *string
	PasswordHash   *string
	Role           *string
	EmailVerified  *bool
	IsActive       *bool
	MFALockedUntil *time.Time
	ClearMFALock   bool
}

// PublicUser is the caller-facing view of a user. The password hash never
// appears here.
type PublicUser struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func (u *User) Public() *PublicUser {
	return &PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}
