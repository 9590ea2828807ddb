package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/castellan-io/castellan/pkg/logger"
)

// AuthService orchestrates the authentication flows across the credential
// store, MFA engine, session manager and security detector. It owns the
// sequencing; the collaborators own the mechanics.
type AuthService struct {
	credentials *CredentialStore
	mfa         *MFAService
	sessions    *SessionManager
	detector    *SecurityDetector
	attempts    LoginAttemptRepository
	tokens      *auth.TokenManager
	geo         Geolocator
	timing      *auth.TimingDelay
	cfg         config.AuthConfig
	clock       clockwork.Clock
	logger      *slog.Logger
	audit       *logger.AuditLogger
}

func NewAuthService(
	credentials *CredentialStore,
	mfa *MFAService,
	sessions *SessionManager,
	detector *SecurityDetector,
	attempts LoginAttemptRepository,
	tokens *auth.TokenManager,
	geo Geolocator,
	timing *auth.TimingDelay,
	cfg config.AuthConfig,
	clock clockwork.Clock,
	log *slog.Logger,
) *AuthService {
	return &AuthService{
		credentials: credentials,
		mfa:         mfa,
		sessions:    sessions,
		detector:    detector,
		attempts:    attempts,
		tokens:      tokens,
		geo:         geo,
		timing:      timing,
		cfg:         cfg,
		clock:       clock,
		logger:      log,
		audit:       logger.NewAuditLogger(log),
	}
}

// Register creates an account and logs the user straight in. New accounts
// have no MFA enrollment, so the result is always fully authenticated.
func (s *AuthService) Register(ctx context.Context, username, email, password string, meta models.RequestMeta) (*models.AuthResponse, error) {
	user, err := s.credentials.Create(ctx, username, email, password)
	if err != nil {
		return nil, err
	}

	s.audit.LogAccountAction("account_created", user.ID, meta.IPAddress, map[string]string{
		"email": logger.SanitizedEmail(user.Email),
	})
	return s.establishSession(ctx, user, false, meta)
}

// Login verifies credentials and either authenticates fully or returns an MFA
// challenge. An unknown email burns a dummy hash comparison so its timing is
// indistinguishable from a wrong password, and every attempt is recorded
// before the detector looks at it.
func (s *AuthService) Login(ctx context.Context, email, password string, remember bool, meta models.RequestMeta) (*models.LoginResult, error) {
	start := s.clock.Now()

	user, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.credentials.DummyVerify(password)
			s.recordAttempt(ctx, nil, email, false, models.FailureInvalidCredentials, meta)
			s.timing.WaitFrom(start, false)
			return nil, models.ErrInvalidCredentials
		}
		return nil, err
	}

	if !s.credentials.VerifyPassword(user, password) {
		s.recordAttempt(ctx, user, email, false, models.FailureInvalidCredentials, meta)
		s.timing.WaitFrom(start, false)
		return nil, models.ErrInvalidCredentials
	}

	required, method, err := s.mfa.RequiredFor(ctx, user)
	if err != nil {
		return nil, err
	}
	if required {
		trusted, err := s.mfa.IsTrustedDevice(ctx, user.ID, meta)
		if err != nil {
			s.logger.Error("trusted device check failed", "user_id", user.ID, "error", err)
		}
		if !trusted {
			return s.issueMFAChallenge(ctx, user, method, meta)
		}
	}

	s.recordAttempt(ctx, user, email, true, "", meta)
	s.timing.WaitFrom(start, true)
	resp, err := s.establishSession(ctx, user, remember, meta)
	if err != nil {
		return nil, err
	}
	return models.AuthenticatedResult(resp), nil
}

func (s *AuthService) issueMFAChallenge(ctx context.Context, user *models.User, method string, meta models.RequestMeta) (*models.LoginResult, error) {
	if err := s.checkMFALock(user); err != nil {
		s.recordAttempt(ctx, user, user.Email, false, models.FailureMFALocked, meta)
		return nil, err
	}

	challengeToken, err := s.tokens.IssueMFAChallenge(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue mfa challenge: %w", err)
	}

	if method == models.MFAMethodEmail {
		if err := s.mfa.IssueEmailCode(ctx, user); err != nil {
			return nil, err
		}
	}

	s.audit.LogAuthAttempt(logger.AuditEvent{
		EventType: "login_mfa_challenged",
		UserID:    user.ID,
		Email:     logger.SanitizedEmail(user.Email),
		IPAddress: meta.IPAddress,
		Success:   true,
	})
	return models.MFARequiredResult(&models.MFAChallenge{
		ChallengeToken: challengeToken,
		Method:         method,
		User:           user.Public(),
	}), nil
}

func (s *AuthService) checkMFALock(user *models.User) error {
	if user.MFALockedUntil != nil && s.clock.Now().UTC().Before(*user.MFALockedUntil) {
		return &models.MFALockedError{Until: *user.MFALockedUntil}
	}
	return nil
}

// VerifyMFA completes a challenged login. The challenge token must be of the
// mfa kind; access and refresh tokens are rejected here the same as garbage.
func (s *AuthService) VerifyMFA(ctx context.Context, challengeToken, method, code string, remember, trustDevice bool, meta models.RequestMeta) (*models.AuthResponse, error) {
	claims, err := s.tokens.Validate(challengeToken, models.TokenKindMFA)
	if err != nil {
		return nil, models.ErrMFAChallengeInvalid
	}

	user, err := s.credentials.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMFAChallengeInvalid
		}
		return nil, err
	}

	if err := s.mfa.Verify(ctx, user, method, code, meta); err != nil {
		s.recordAttempt(ctx, user, user.Email, false, models.FailureMFAInvalid, meta)
		return nil, err
	}

	if trustDevice {
		if _, err := s.mfa.TrustDevice(ctx, user, meta); err != nil {
			// Trust is a convenience; the login itself already succeeded.
			s.logger.Error("failed to trust device", "user_id", user.ID, "error", err)
		}
	}

	s.recordAttempt(ctx, user, user.Email, true, "", meta)
	return s.establishSession(ctx, user, remember, meta)
}

// ResendChallengeCode re-delivers the email code for a pending MFA challenge.
// The challenge token proves the caller already passed the password check.
func (s *AuthService) ResendChallengeCode(ctx context.Context, challengeToken string) error {
	claims, err := s.tokens.Validate(challengeToken, models.TokenKindMFA)
	if err != nil {
		return models.ErrMFAChallengeInvalid
	}

	user, err := s.credentials.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMFAChallengeInvalid
		}
		return err
	}

	return s.mfa.ResendEmailCode(ctx, user)
}

// Refresh exchanges a live refresh token for a new access token. The session
// behind the token must still be live; the exchange slides its activity
// window. With rotation enabled the refresh token is replaced as well and the
// old one stops working immediately.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta models.RequestMeta) (*models.TokenPair, error) {
	claims, err := s.tokens.Validate(refreshToken, models.TokenKindRefresh)
	if err != nil {
		return nil, models.ErrUnauthenticated
	}

	session, err := s.sessions.Validate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.credentials.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthenticated
		}
		return nil, err
	}

	accessToken, err := s.tokens.IssueAccess(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	pair := &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if s.cfg.RefreshRotation {
		rotated, err := s.sessions.Rotate(ctx, session, user)
		if err != nil {
			return nil, err
		}
		pair.RefreshToken = rotated
	}

	s.sessions.Touch(ctx, user.ID, pair.RefreshToken, meta)
	return pair, nil
}

// Logout ends the session bound to the presented refresh token. Unknown
// tokens are a no-op: logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.RevokeByRefreshToken(ctx, refreshToken)
}

// LogoutAll ends every session of the user.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) (int64, error) {
	return s.sessions.RevokeAll(ctx, userID)
}

// ChangePassword swaps the authenticated user's password after re-verifying
// the current one. Sessions and trusted devices die with the old password, so
// the caller signs in again everywhere.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string, meta models.RequestMeta) error {
	user, err := s.credentials.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrUnauthenticated
		}
		return err
	}

	if err := s.credentials.ChangePassword(ctx, user, current, next); err != nil {
		return err
	}

	s.audit.LogAccountAction("password_changed", user.ID, meta.IPAddress, nil)
	return nil
}

// establishSession opens a session and assembles the authenticated response.
func (s *AuthService) establishSession(ctx context.Context, user *models.User, remember bool, meta models.RequestMeta) (*models.AuthResponse, error) {
	session, err := s.sessions.Create(ctx, user, remember, meta)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.tokens.IssueAccess(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	return &models.AuthResponse{
		Tokens: models.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: session.RefreshToken,
		},
		User: user.Public(),
	}, nil
}

// recordAttempt persists the login attempt and hands it to the security
// detector asynchronously. Recording failures are logged, never surfaced:
// bookkeeping must not break authentication.
func (s *AuthService) recordAttempt(ctx context.Context, user *models.User, email string, success bool, failureReason string, meta models.RequestMeta) {
	attempt := &models.LoginAttempt{
		Email:     email,
		Success:   success,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
	if user != nil {
		attempt.UserID = &user.ID
	}
	if failureReason != "" {
		attempt.FailureReason = &failureReason
	}

	var location *models.Location
	if success && s.geo != nil {
		// The geolocator's HTTP client carries the configured lookup timeout.
		loc, err := s.geo.Lookup(ctx, meta.IPAddress)
		if err == nil {
			location = loc
			attempt.Location = loc
		}
	}

	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Error("failed to record login attempt", "error", err)
		return
	}

	s.audit.LogAuthAttempt(logger.AuditEvent{
		EventType: "login",
		Email:     logger.SanitizedEmail(email),
		IPAddress: meta.IPAddress,
		Success:   success,
	})

	go s.detector.HandleLogin(attempt, location)
}
