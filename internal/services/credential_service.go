package services

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/castellan-io/castellan/internal/models"
	pkgauth "github.com/castellan-io/castellan/pkg/auth"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)

// CredentialStore is the data-access facade over the user table for the
// authentication paths. Deactivated users are invisible here: lookups return
// ErrNotFound so the login path cannot leak deactivation.
type CredentialStore struct {
	users      UserRepository
	sessions   SessionRepository
	trusted    TrustedDeviceRepository
	bcryptCost int
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewCredentialStore(
	users UserRepository,
	sessions SessionRepository,
	trusted TrustedDeviceRepository,
	bcryptCost int,
	clock clockwork.Clock,
	logger *slog.Logger,
) *CredentialStore {
	return &CredentialStore{
		users:      users,
		sessions:   sessions,
		trusted:    trusted,
		bcryptCost: bcryptCost,
		clock:      clock,
		logger:     logger,
	}
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.activeOnly(s.users.GetByID(ctx, id))
}

func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.activeOnly(s.users.GetByEmail(ctx, email))
}

func (s *CredentialStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.activeOnly(s.users.GetByUsername(ctx, username))
}

func (s *CredentialStore) activeOnly(user *models.User, err error) (*models.User, error) {
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, models.ErrNotFound
	}
	return user, nil
}

// VerifyPassword runs a constant-time bcrypt comparison.
func (s *CredentialStore) VerifyPassword(user *models.User, plaintext string) bool {
	return pkgauth.ComparePassword(user.PasswordHash, plaintext) == nil
}

// DummyVerify burns the cost of a real comparison. Callers run it when the
// user does not exist so both failure modes take the same time.
func (s *CredentialStore) DummyVerify(plaintext string) {
	pkgauth.DummyCompare(plaintext)
}

// Create registers a new user. Email is normalized to lowercase, the password
// is validated against policy and hashed before storage, and uniqueness
// violations come back as ConflictError naming the field.
func (s *CredentialStore) Create(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if !usernamePattern.MatchString(username) {
		return nil, models.ErrBadRequest
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, models.ErrBadRequest
	}
	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(password, s.bcryptCost)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// users.password_changed_at is NOT NULL: the initial hash counts as the
	// first change.
	now := s.clock.Now().UTC()
	user := &models.User{
		Username:          username,
		Email:             email,
		PasswordHash:      hash,
		PasswordChangedAt: &now,
	}

	created, err := s.users.Create(ctx, user)
	if err != nil {
		var conflict *models.ConflictError
		if errors.As(err, &conflict) || errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return created, nil
}

// Update applies a partial patch to the user record.
func (s *CredentialStore) Update(ctx context.Context, id string, patch *models.UserPatch) (*models.User, error) {
	return s.users.Update(ctx, id, patch)
}

// ChangePassword verifies the current password, stores the new hash, and
// clears session and device-trust state so every other session re-auths.
func (s *CredentialStore) ChangePassword(ctx context.Context, user *models.User, current, next string) error {
	if !s.VerifyPassword(user, current) {
		return models.ErrInvalidCredentials
	}
	if err := pkgauth.ValidatePassword(next); err != nil {
		return err
	}

	hash, err := pkgauth.HashPassword(next, s.bcryptCost)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	if _, err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		s.logger.Error("failed to revoke sessions after password change",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}
	if err := s.trusted.DeleteAll(ctx, user.ID); err != nil {
		s.logger.Error("failed to clear trusted devices after password change",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	s.logger.Info("password changed", slog.String("user_id", user.ID))
	return nil
}
