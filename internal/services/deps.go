package services

import (
	"context"
	"time"

	"github.com/castellan-io/castellan/internal/models"
)

// Repository interfaces consumed by the service layer. The concrete
// implementations live in internal/repositories; tests substitute
// function-field mocks.

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	Update(ctx context.Context, id string, patch *models.UserPatch) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetMFALockedUntil(ctx context.Context, id string, until time.Time) error
	ClearMFALock(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
}

type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) (*models.Session, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error)
	Touch(ctx context.Context, id string) error
	ReplaceRefreshToken(ctx context.Context, id, refreshToken string, expiresAt time.Time) error
	FindByRequestMatch(ctx context.Context, userID, ipAddress, userAgent string) (*models.Session, error)
	FindMostRecentlyActive(ctx context.Context, userID string) (*models.Session, error)
	Revoke(ctx context.Context, id string) error
	RevokeAll(ctx context.Context, userID string) (int64, error)
	RevokeAllExcept(ctx context.Context, userID, keepID string) (int64, error)
	DeleteExpired(ctx context.Context, inactivityWindow time.Duration) (int64, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	HasDevice(ctx context.Context, userID, browser, os, deviceType string, before time.Time) (bool, error)
}

type MFASecretRepository interface {
	Get(ctx context.Context, userID string) (*models.MFASecret, error)
	Upsert(ctx context.Context, s *models.MFASecret) error
	Enable(ctx context.Context, userID string) error
	SetLastUsedAt(ctx context.Context, userID string, at time.Time) error
	Delete(ctx context.Context, userID string) error
}

type BackupCodeRepository interface {
	ReplaceAll(ctx context.Context, userID string, codes []*models.BackupCode) error
	ListUnused(ctx context.Context, userID string) ([]*models.BackupCode, error)
	Consume(ctx context.Context, id string) (bool, error)
	CountUnused(ctx context.Context, userID string) (int, error)
	DeleteAll(ctx context.Context, userID string) error
}

type EmailCodeRepository interface {
	Issue(ctx context.Context, code *models.EmailMFACode) error
	GetActive(ctx context.Context, userID string) (*models.EmailMFACode, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
	Invalidate(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type TrustedDeviceRepository interface {
	Upsert(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error)
	GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error)
	TouchLastUsed(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	Delete(ctx context.Context, userID, id string) error
	DeleteAll(ctx context.Context, userID string) error
	EvictBeyondCap(ctx context.Context, userID string, max int) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}

type MFAAttemptRepository interface {
	Record(ctx context.Context, attempt *models.MFAAttempt) error
	CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type RoleMFAPolicyRepository interface {
	GetByRole(ctx context.Context, role string) (*models.RoleMFAPolicy, error)
	Upsert(ctx context.Context, p *models.RoleMFAPolicy) error
}

type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt *models.LoginAttempt) error
	CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error)
	CountSuccesses(ctx context.Context, userID string) (int, error)
	RecentSuccessLocations(ctx context.Context, userID string, before time.Time, limit int) ([]models.Location, error)
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type SecurityEventRepository interface {
	Create(ctx context.Context, event *models.SecurityEvent) error
	ExistsRecent(ctx context.Context, userID, eventType string, window time.Duration) (bool, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	Acknowledge(ctx context.Context, userID, eventID string) error
}
