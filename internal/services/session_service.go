package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/castellan-io/castellan/pkg/logger"
)

// SessionManager owns the session lifecycle: creation at login, sliding
// inactivity plus absolute expiry, activity touches, listing and revocation.
type SessionManager struct {
	sessions SessionRepository
	tokens   *auth.TokenManager
	geo      Geolocator
	cfg      config.SessionConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	audit    *logger.AuditLogger
}

func NewSessionManager(
	sessions SessionRepository,
	tokens *auth.TokenManager,
	geo Geolocator,
	cfg config.SessionConfig,
	clock clockwork.Clock,
	log *slog.Logger,
) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		tokens:   tokens,
		geo:      geo,
		cfg:      cfg,
		clock:    clock,
		logger:   log,
		audit:    logger.NewAuditLogger(log),
	}
}

// Create opens a session for a fully authenticated user and returns it with
// its refresh token. Device attributes come from the User-Agent; geolocation
// is best effort with a short deadline and never blocks login on failure.
func (s *SessionManager) Create(ctx context.Context, user *models.User, remember bool, meta models.RequestMeta) (*models.Session, error) {
	refreshToken, err := s.tokens.IssueRefresh(user, remember)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	now := s.clock.Now().UTC()
	info := ParseDevice(meta.UserAgent)

	session := &models.Session{
		UserID:            user.ID,
		RefreshToken:      refreshToken,
		ExpiresAt:         now.Add(s.tokens.RefreshTTL(remember)),
		AbsoluteExpiresAt: now.Add(s.absoluteHorizon(remember)),
		LastActivityAt:    now,
		IPAddress:         meta.IPAddress,
		UserAgent:         meta.UserAgent,
		Browser:           info.Browser,
		OS:                info.OS,
		DeviceType:        info.DeviceType,
		Location:          s.lookupLocation(ctx, meta.IPAddress),
		IsActive:          true,
	}

	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		return nil, err
	}

	s.audit.LogSessionEvent("session_created", user.ID, created.ID, meta.IPAddress)
	return created, nil
}

func (s *SessionManager) absoluteHorizon(remember bool) time.Duration {
	if remember {
		return s.cfg.AbsoluteHorizonRemember
	}
	return s.cfg.AbsoluteHorizon
}

func (s *SessionManager) lookupLocation(ctx context.Context, ip string) *models.Location {
	if s.geo == nil {
		return nil
	}
	// The geolocator's HTTP client carries the configured lookup timeout.
	loc, err := s.geo.Lookup(ctx, ip)
	if err != nil {
		s.logger.Debug("geolocation lookup failed", "error", err)
		return nil
	}
	return loc
}

// Rotate replaces the session's refresh token with a fresh one and slides the
// refresh horizon forward, capped by the absolute expiry. The remember-me
// tier is inferred from the session's original token lifetime.
func (s *SessionManager) Rotate(ctx context.Context, session *models.Session, user *models.User) (string, error) {
	remember := session.ExpiresAt.Sub(session.CreatedAt) > s.tokens.RefreshTTL(false)

	refreshToken, err := s.tokens.IssueRefresh(user, remember)
	if err != nil {
		return "", fmt.Errorf("failed to issue refresh token: %w", err)
	}

	expiresAt := s.clock.Now().UTC().Add(s.tokens.RefreshTTL(remember))
	if expiresAt.After(session.AbsoluteExpiresAt) {
		expiresAt = session.AbsoluteExpiresAt
	}

	if err := s.sessions.ReplaceRefreshToken(ctx, session.ID, refreshToken, expiresAt); err != nil {
		return "", err
	}
	return refreshToken, nil
}

// Validate resolves a refresh token to its live session. Expiry is judged at
// call time against all three clauses; a dead session yields a
// SessionExpiredError naming which clause killed it.
func (s *SessionManager) Validate(ctx context.Context, refreshToken string) (*models.Session, error) {
	session, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthenticated
		}
		return nil, err
	}

	if reason := s.expiryReason(session); reason != "" {
		return nil, &models.SessionExpiredError{Reason: reason}
	}
	return session, nil
}

// expiryReason returns the first expiry clause the session trips, or "" while
// it is live. Revocation is checked first: a revoked session stays revoked
// whatever the clocks say.
func (s *SessionManager) expiryReason(session *models.Session) string {
	now := s.clock.Now().UTC()

	switch {
	case !session.IsActive:
		return models.SessionExpiredRevoked
	case !now.Before(session.AbsoluteExpiresAt):
		return models.SessionExpiredAbsolute
	case !now.Before(session.ExpiresAt):
		return models.SessionExpiredRefresh
	case !now.Before(session.LastActivityAt.Add(s.cfg.InactivityWindow)):
		return models.SessionExpiredInactivity
	default:
		return ""
	}
}

// Touch slides the session's activity window forward. The session is found by
// refresh token when the caller has one; otherwise the fallback chain matches
// on (user, IP, user-agent) and finally the most recently active session,
// logging which rung matched.
func (s *SessionManager) Touch(ctx context.Context, userID, refreshToken string, meta models.RequestMeta) {
	session, how := s.resolveForTouch(ctx, userID, refreshToken, meta)
	if session == nil {
		s.logger.Debug("no session found to touch", "user_id", userID)
		return
	}
	if how != "refresh_token" {
		s.logger.Debug("session touch used fallback match",
			"user_id", userID,
			"session_id", session.ID,
			"matched_by", how,
		)
	}
	if err := s.sessions.Touch(ctx, session.ID); err != nil {
		s.logger.Warn("failed to touch session", "session_id", session.ID, "error", err)
	}
}

func (s *SessionManager) resolveForTouch(ctx context.Context, userID, refreshToken string, meta models.RequestMeta) (*models.Session, string) {
	if refreshToken != "" {
		session, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
		if err == nil {
			return session, "refresh_token"
		}
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Warn("session lookup by refresh token failed", "error", err)
		}
	}

	session, err := s.sessions.FindByRequestMatch(ctx, userID, meta.IPAddress, meta.UserAgent)
	if err == nil {
		return session, "request_match"
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("session lookup by request match failed", "error", err)
	}

	session, err = s.sessions.FindMostRecentlyActive(ctx, userID)
	if err == nil {
		return session, "most_recent"
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("session lookup by recency failed", "error", err)
	}
	return nil, ""
}

// List returns the user's active sessions newest-activity-first, with the
// session belonging to currentRefreshToken flagged.
func (s *SessionManager) List(ctx context.Context, userID, currentRefreshToken string) ([]*models.SessionView, error) {
	sessions, err := s.sessions.ListByUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	views := make([]*models.SessionView, 0, len(sessions))
	for _, session := range sessions {
		if s.expiryReason(session) != "" {
			continue
		}
		views = append(views, &models.SessionView{
			ID:             session.ID,
			IPAddress:      session.IPAddress,
			Browser:        session.Browser,
			OS:             session.OS,
			DeviceType:     session.DeviceType,
			Location:       session.Location,
			LastActivityAt: session.LastActivityAt,
			CreatedAt:      session.CreatedAt,
			Current:        session.RefreshToken == currentRefreshToken,
		})
	}
	return views, nil
}

// Revoke kills one of the user's sessions. The current session cannot be
// revoked this way; logout exists for that.
func (s *SessionManager) Revoke(ctx context.Context, userID, sessionID, currentRefreshToken string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return models.ErrNotFound
	}
	if session.RefreshToken == currentRefreshToken {
		return models.ErrCannotRevokeCurrent
	}

	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.audit.LogSessionEvent("session_revoked", userID, sessionID, "")
	return nil
}

// RevokeOthers kills every session of the user except the current one.
func (s *SessionManager) RevokeOthers(ctx context.Context, userID, currentRefreshToken string) (int64, error) {
	current, err := s.sessions.GetByRefreshToken(ctx, currentRefreshToken)
	if err != nil {
		return 0, err
	}

	revoked, err := s.sessions.RevokeAllExcept(ctx, userID, current.ID)
	if err != nil {
		return 0, err
	}
	s.audit.LogSessionEvent("other_sessions_revoked", userID, current.ID, "")
	return revoked, nil
}

// RevokeByRefreshToken ends the session bound to the token. Used by logout;
// an unknown token is not an error there.
func (s *SessionManager) RevokeByRefreshToken(ctx context.Context, refreshToken string) error {
	session, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.sessions.Revoke(ctx, session.ID); err != nil {
		return err
	}
	s.audit.LogSessionEvent("session_logged_out", session.UserID, session.ID, "")
	return nil
}

// RevokeAll kills every session of the user, the current one included.
func (s *SessionManager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.audit.LogSessionEvent("all_sessions_revoked", userID, "", "")
	return revoked, nil
}

// CleanupExpired deletes sessions past any expiry clause. Run from the
// background sweeper.
func (s *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, s.cfg.InactivityWindow)
}
