package services

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/castellan-io/castellan/internal/models"
)

// discardLogger keeps service logging quiet in tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc           func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc        func(ctx context.Context, email string) (*models.User, error)
	GetByUsernameFunc     func(ctx context.Context, username string) (*models.User, error)
	CreateFunc            func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateFunc            func(ctx context.Context, id string, patch *models.UserPatch) (*models.User, error)
	UpdatePasswordFunc    func(ctx context.Context, id, passwordHash string) error
	SetMFALockedUntilFunc func(ctx context.Context, id string, until time.Time) error
	ClearMFALockFunc      func(ctx context.Context, id string) error
	DeactivateFunc        func(ctx context.Context, id string) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return user, nil
}

func (m *MockUserRepository) Update(ctx context.Context, id string, patch *models.UserPatch) (*models.User, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, id, patch)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash)
	}
	return nil
}

func (m *MockUserRepository) SetMFALockedUntil(ctx context.Context, id string, until time.Time) error {
	if m.SetMFALockedUntilFunc != nil {
		return m.SetMFALockedUntilFunc(ctx, id, until)
	}
	return nil
}

func (m *MockUserRepository) ClearMFALock(ctx context.Context, id string) error {
	if m.ClearMFALockFunc != nil {
		return m.ClearMFALockFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) Deactivate(ctx context.Context, id string) error {
	if m.DeactivateFunc != nil {
		return m.DeactivateFunc(ctx, id)
	}
	return nil
}

// MockSessionRepository implements SessionRepository for testing
type MockSessionRepository struct {
	CreateFunc                 func(ctx context.Context, s *models.Session) (*models.Session, error)
	GetByIDFunc                func(ctx context.Context, id string) (*models.Session, error)
	GetByRefreshTokenFunc      func(ctx context.Context, refreshToken string) (*models.Session, error)
	ListByUserFunc             func(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error)
	TouchFunc                  func(ctx context.Context, id string) error
	ReplaceRefreshTokenFunc    func(ctx context.Context, id, refreshToken string, expiresAt time.Time) error
	FindByRequestMatchFunc     func(ctx context.Context, userID, ipAddress, userAgent string) (*models.Session, error)
	FindMostRecentlyActiveFunc func(ctx context.Context, userID string) (*models.Session, error)
	RevokeFunc                 func(ctx context.Context, id string) error
	RevokeAllFunc              func(ctx context.Context, userID string) (int64, error)
	RevokeAllExceptFunc        func(ctx context.Context, userID, keepID string) (int64, error)
	DeleteExpiredFunc          func(ctx context.Context, inactivityWindow time.Duration) (int64, error)
	CountByUserFunc            func(ctx context.Context, userID string) (int, error)
	HasDeviceFunc              func(ctx context.Context, userID, browser, os, deviceType string, before time.Time) (bool, error)
}

func (m *MockSessionRepository) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s)
	}
	s.ID = "session-1"
	return s, nil
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionRepository) GetByRefreshToken(ctx context.Context, refreshToken string) (*models.Session, error) {
	if m.GetByRefreshTokenFunc != nil {
		return m.GetByRefreshTokenFunc(ctx, refreshToken)
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionRepository) ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID, activeOnly)
	}
	return []*models.Session{}, nil
}

func (m *MockSessionRepository) Touch(ctx context.Context, id string) error {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, id)
	}
	return nil
}

func (m *MockSessionRepository) ReplaceRefreshToken(ctx context.Context, id, refreshToken string, expiresAt time.Time) error {
	if m.ReplaceRefreshTokenFunc != nil {
		return m.ReplaceRefreshTokenFunc(ctx, id, refreshToken, expiresAt)
	}
	return nil
}

func (m *MockSessionRepository) FindByRequestMatch(ctx context.Context, userID, ipAddress, userAgent string) (*models.Session, error) {
	if m.FindByRequestMatchFunc != nil {
		return m.FindByRequestMatchFunc(ctx, userID, ipAddress, userAgent)
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionRepository) FindMostRecentlyActive(ctx context.Context, userID string) (*models.Session, error) {
	if m.FindMostRecentlyActiveFunc != nil {
		return m.FindMostRecentlyActiveFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionRepository) Revoke(ctx context.Context, id string) error {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, id)
	}
	return nil
}

func (m *MockSessionRepository) RevokeAll(ctx context.Context, userID string) (int64, error) {
	if m.RevokeAllFunc != nil {
		return m.RevokeAllFunc(ctx, userID)
	}
	return 0, nil
}

func (m *MockSessionRepository) RevokeAllExcept(ctx context.Context, userID, keepID string) (int64, error) {
	if m.RevokeAllExceptFunc != nil {
		return m.RevokeAllExceptFunc(ctx, userID, keepID)
	}
	return 0, nil
}

func (m *MockSessionRepository) DeleteExpired(ctx context.Context, inactivityWindow time.Duration) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx, inactivityWindow)
	}
	return 0, nil
}

func (m *MockSessionRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	if m.CountByUserFunc != nil {
		return m.CountByUserFunc(ctx, userID)
	}
	return 0, nil
}

func (m *MockSessionRepository) HasDevice(ctx context.Context, userID, browser, os, deviceType string, before time.Time) (bool, error) {
	if m.HasDeviceFunc != nil {
		return m.HasDeviceFunc(ctx, userID, browser, os, deviceType, before)
	}
	return false, nil
}

// MockMFASecretRepository implements MFASecretRepository for testing
type MockMFASecretRepository struct {
	GetFunc           func(ctx context.Context, userID string) (*models.MFASecret, error)
	UpsertFunc        func(ctx context.Context, s *models.MFASecret) error
	EnableFunc        func(ctx context.Context, userID string) error
	SetLastUsedAtFunc func(ctx context.Context, userID string, at time.Time) error
	DeleteFunc        func(ctx context.Context, userID string) error
}

func (m *MockMFASecretRepository) Get(ctx context.Context, userID string) (*models.MFASecret, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockMFASecretRepository) Upsert(ctx context.Context, s *models.MFASecret) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, s)
	}
	return nil
}

func (m *MockMFASecretRepository) Enable(ctx context.Context, userID string) error {
	if m.EnableFunc != nil {
		return m.EnableFunc(ctx, userID)
	}
	return nil
}

func (m *MockMFASecretRepository) SetLastUsedAt(ctx context.Context, userID string, at time.Time) error {
	if m.SetLastUsedAtFunc != nil {
		return m.SetLastUsedAtFunc(ctx, userID, at)
	}
	return nil
}

func (m *MockMFASecretRepository) Delete(ctx context.Context, userID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID)
	}
	return nil
}

// MockBackupCodeRepository implements BackupCodeRepository for testing
type MockBackupCodeRepository struct {
	ReplaceAllFunc  func(ctx context.Context, userID string, codes []*models.BackupCode) error
	ListUnusedFunc  func(ctx context.Context, userID string) ([]*models.BackupCode, error)
	ConsumeFunc     func(ctx context.Context, id string) (bool, error)
	CountUnusedFunc func(ctx context.Context, userID string) (int, error)
	DeleteAllFunc   func(ctx context.Context, userID string) error
}

func (m *MockBackupCodeRepository) ReplaceAll(ctx context.Context, userID string, codes []*models.BackupCode) error {
	if m.ReplaceAllFunc != nil {
		return m.ReplaceAllFunc(ctx, userID, codes)
	}
	return nil
}

func (m *MockBackupCodeRepository) ListUnused(ctx context.Context, userID string) ([]*models.BackupCode, error) {
	if m.ListUnusedFunc != nil {
		return m.ListUnusedFunc(ctx, userID)
	}
	return []*models.BackupCode{}, nil
}

func (m *MockBackupCodeRepository) Consume(ctx context.Context, id string) (bool, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, id)
	}
	return true, nil
}

func (m *MockBackupCodeRepository) CountUnused(ctx context.Context, userID string) (int, error) {
	if m.CountUnusedFunc != nil {
		return m.CountUnusedFunc(ctx, userID)
	}
	return 0, nil
}

func (m *MockBackupCodeRepository) DeleteAll(ctx context.Context, userID string) error {
	if m.DeleteAllFunc != nil {
		return m.DeleteAllFunc(ctx, userID)
	}
	return nil
}

// MockEmailCodeRepository implements EmailCodeRepository for testing
type MockEmailCodeRepository struct {
	IssueFunc             func(ctx context.Context, code *models.EmailMFACode) error
	GetActiveFunc         func(ctx context.Context, userID string) (*models.EmailMFACode, error)
	IncrementAttemptsFunc func(ctx context.Context, id string) (int, error)
	MarkUsedFunc          func(ctx context.Context, id string) (bool, error)
	InvalidateFunc        func(ctx context.Context, id string) error
	DeleteExpiredFunc     func(ctx context.Context) (int64, error)
}

func (m *MockEmailCodeRepository) Issue(ctx context.Context, code *models.EmailMFACode) error {
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, code)
	}
	code.ID = "code-1"
	return nil
}

func (m *MockEmailCodeRepository) GetActive(ctx context.Context, userID string) (*models.EmailMFACode, error) {
	if m.GetActiveFunc != nil {
		return m.GetActiveFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockEmailCodeRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if m.IncrementAttemptsFunc != nil {
		return m.IncrementAttemptsFunc(ctx, id)
	}
	return 1, nil
}

func (m *MockEmailCodeRepository) MarkUsed(ctx context.Context, id string) (bool, error) {
	if m.MarkUsedFunc != nil {
		return m.MarkUsedFunc(ctx, id)
	}
	return true, nil
}

func (m *MockEmailCodeRepository) Invalidate(ctx context.Context, id string) error {
	if m.InvalidateFunc != nil {
		return m.InvalidateFunc(ctx, id)
	}
	return nil
}

func (m *MockEmailCodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx)
	}
	return 0, nil
}

// MockTrustedDeviceRepository implements TrustedDeviceRepository for testing
type MockTrustedDeviceRepository struct {
	UpsertFunc           func(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error)
	GetByFingerprintFunc func(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error)
	TouchLastUsedFunc    func(ctx context.Context, id string) error
	ListByUserFunc       func(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	DeleteFunc           func(ctx context.Context, userID, id string) error
	DeleteAllFunc        func(ctx context.Context, userID string) error
	EvictBeyondCapFunc   func(ctx context.Context, userID string, max int) (int64, error)
	DeleteExpiredFunc    func(ctx context.Context) (int64, error)
	CountByUserFunc      func(ctx context.Context, userID string) (int, error)
}

func (m *MockTrustedDeviceRepository) Upsert(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, d)
	}
	d.ID = "device-1"
	return d, nil
}

func (m *MockTrustedDeviceRepository) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error) {
	if m.GetByFingerprintFunc != nil {
		return m.GetByFingerprintFunc(ctx, userID, fingerprint)
	}
	return nil, models.ErrNotFound
}

func (m *MockTrustedDeviceRepository) TouchLastUsed(ctx context.Context, id string) error {
	if m.TouchLastUsedFunc != nil {
		return m.TouchLastUsedFunc(ctx, id)
	}
	return nil
}

func (m *MockTrustedDeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID)
	}
	return []*models.TrustedDevice{}, nil
}

func (m *MockTrustedDeviceRepository) Delete(ctx context.Context, userID, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID, id)
	}
	return nil
}

func (m *MockTrustedDeviceRepository) DeleteAll(ctx context.Context, userID string) error {
	if m.DeleteAllFunc != nil {
		return m.DeleteAllFunc(ctx, userID)
	}
	return nil
}

func (m *MockTrustedDeviceRepository) EvictBeyondCap(ctx context.Context, userID string, max int) (int64, error) {
	if m.EvictBeyondCapFunc != nil {
		return m.EvictBeyondCapFunc(ctx, userID, max)
	}
	return 0, nil
}

func (m *MockTrustedDeviceRepository) DeleteExpired(ctx context.Context) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx)
	}
	return 0, nil
}

func (m *MockTrustedDeviceRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	if m.CountByUserFunc != nil {
		return m.CountByUserFunc(ctx, userID)
	}
	return 0, nil
}

// MockMFAAttemptRepository implements MFAAttemptRepository for testing
type MockMFAAttemptRepository struct {
	RecordFunc              func(ctx context.Context, attempt *models.MFAAttempt) error
	CountRecentFailuresFunc func(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteOlderThanFunc     func(ctx context.Context, retention time.Duration) (int64, error)
}

func (m *MockMFAAttemptRepository) Record(ctx context.Context, attempt *models.MFAAttempt) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, attempt)
	}
	return nil
}

func (m *MockMFAAttemptRepository) CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	if m.CountRecentFailuresFunc != nil {
		return m.CountRecentFailuresFunc(ctx, userID, since)
	}
	return 0, nil
}

func (m *MockMFAAttemptRepository) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if m.DeleteOlderThanFunc != nil {
		return m.DeleteOlderThanFunc(ctx, retention)
	}
	return 0, nil
}

// MockRoleMFAPolicyRepository implements RoleMFAPolicyRepository for testing
type MockRoleMFAPolicyRepository struct {
	GetByRoleFunc func(ctx context.Context, role string) (*models.RoleMFAPolicy, error)
	UpsertFunc    func(ctx context.Context, p *models.RoleMFAPolicy) error
}

func (m *MockRoleMFAPolicyRepository) GetByRole(ctx context.Context, role string) (*models.RoleMFAPolicy, error) {
	if m.GetByRoleFunc != nil {
		return m.GetByRoleFunc(ctx, role)
	}
	return nil, models.ErrNotFound
}

func (m *MockRoleMFAPolicyRepository) Upsert(ctx context.Context, p *models.RoleMFAPolicy) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, p)
	}
	return nil
}

// MockLoginAttemptRepository implements LoginAttemptRepository for testing
type MockLoginAttemptRepository struct {
	RecordFunc                 func(ctx context.Context, attempt *models.LoginAttempt) error
	CountRecentFailuresFunc    func(ctx context.Context, email string, since time.Time) (int, error)
	CountSuccessesFunc         func(ctx context.Context, userID string) (int, error)
	RecentSuccessLocationsFunc func(ctx context.Context, userID string, before time.Time, limit int) ([]models.Location, error)
	DeleteOlderThanFunc        func(ctx context.Context, retention time.Duration) (int64, error)
}

func (m *MockLoginAttemptRepository) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, attempt)
	}
	return nil
}

func (m *MockLoginAttemptRepository) CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error) {
	if m.CountRecentFailuresFunc != nil {
		return m.CountRecentFailuresFunc(ctx, email, since)
	}
	return 0, nil
}

func (m *MockLoginAttemptRepository) CountSuccesses(ctx context.Context, userID string) (int, error) {
	if m.CountSuccessesFunc != nil {
		return m.CountSuccessesFunc(ctx, userID)
	}
	return 0, nil
}

func (m *MockLoginAttemptRepository) RecentSuccessLocations(ctx context.Context, userID string, before time.Time, limit int) ([]models.Location, error) {
	if m.RecentSuccessLocationsFunc != nil {
		return m.RecentSuccessLocationsFunc(ctx, userID, before, limit)
	}
	return []models.Location{}, nil
}

func (m *MockLoginAttemptRepository) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if m.DeleteOlderThanFunc != nil {
		return m.DeleteOlderThanFunc(ctx, retention)
	}
	return 0, nil
}

// MockSecurityEventRepository implements SecurityEventRepository for testing
type MockSecurityEventRepository struct {
	CreateFunc       func(ctx context.Context, event *models.SecurityEvent) error
	ExistsRecentFunc func(ctx context.Context, userID, eventType string, window time.Duration) (bool, error)
	ListByUserFunc   func(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	AcknowledgeFunc  func(ctx context.Context, userID, eventID string) error
}

func (m *MockSecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, event)
	}
	return nil
}

func (m *MockSecurityEventRepository) ExistsRecent(ctx context.Context, userID, eventType string, window time.Duration) (bool, error) {
	if m.ExistsRecentFunc != nil {
		return m.ExistsRecentFunc(ctx, userID, eventType, window)
	}
	return false, nil
}

func (m *MockSecurityEventRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID, limit, offset)
	}
	return []*models.SecurityEvent{}, nil
}

func (m *MockSecurityEventRepository) Acknowledge(ctx context.Context, userID, eventID string) error {
	if m.AcknowledgeFunc != nil {
		return m.AcknowledgeFunc(ctx, userID, eventID)
	}
	return nil
}

// MockEmailDispatcher implements EmailDispatcher for testing
type MockEmailDispatcher struct {
	SendFunc func(ctx context.Context, msg EmailMessage) (string, error)
	Sent     []EmailMessage
}

func (m *MockEmailDispatcher) Send(ctx context.Context, msg EmailMessage) (string, error) {
	m.Sent = append(m.Sent, msg)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, msg)
	}
	return "message-id", nil
}

// MockGeolocator implements Geolocator for testing
type MockGeolocator struct {
	LookupFunc func(ctx context.Context, ip string) (*models.Location, error)
}

func (m *MockGeolocator) Lookup(ctx context.Context, ip string) (*models.Location, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, ip)
	}
	return nil, nil
}
