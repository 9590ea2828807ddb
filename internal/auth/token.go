package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Token validation failures. Every Validate error is one of these.
var (
	ErrTokenMalformed    = errors.New("token is malformed")
	ErrTokenExpired      = errors.New("token is expired")
	ErrTokenBadSignature = errors.New("token signature is invalid")
	ErrTokenBadAudience  = errors.New("token audience or issuer mismatch")
	ErrTokenWrongKind    = errors.New("token kind mismatch")
)

// TokenManager issues and validates the three disjoint token kinds (access,
// refresh, mfa) over HMAC-SHA-256. Key rotation is supported by a key id in
// the token header: new tokens are signed with the active key, old keys stay
// registered for verification.
type TokenManager struct {
	keys               map[string][]byte
	activeKID          string
	issuer             string
	audience           string
	accessTTL          time.Duration
	refreshTTL         time.Duration
	refreshTTLRemember time.Duration
	mfaChallengeTTL    time.Duration
	clock              clockwork.Clock
}

// NewTokenManager creates a TokenManager from config. The clock is injected
// so tests can step time across expiries.
func NewTokenManager(cfg config.AuthConfig, clock clockwork.Clock) *TokenManager {
	keys := make(map[string][]byte, len(cfg.SigningKeys))
	for kid, secret := range cfg.SigningKeys {
		keys[kid] = []byte(secret)
	}

	return &TokenManager{
		keys:               keys,
		activeKID:          cfg.ActiveKeyID,
		issuer:             cfg.Issuer,
		audience:           cfg.Audience,
		accessTTL:          cfg.AccessTTL,
		refreshTTL:         cfg.RefreshTTL,
		refreshTTLRemember: cfg.RefreshTTLRemember,
		mfaChallengeTTL:    cfg.MFAChallengeTTL,
		clock:              clock,
	}
}

// AccessTTL exposes the configured access token lifetime.
func (tm *TokenManager) AccessTTL() time.Duration {
	return tm.accessTTL
}

// RefreshTTL returns the refresh token lifetime for the remember-me choice.
func (tm *TokenManager) RefreshTTL(remember bool) time.Duration {
	if remember {
		return tm.refreshTTLRemember
	}
	return tm.refreshTTL
}

// IssueAccess creates a short-lived access token carrying the user's role.
func (tm *TokenManager) IssueAccess(user *models.User) (string, error) {
	return tm.issue(models.TokenKindAccess, user.ID, tm.accessTTL, func(c *models.TokenClaims) {
		c.Role = user.Role
	})
}

// IssueRefresh creates a refresh token; remember-me extends its lifetime.
func (tm *TokenManager) IssueRefresh(user *models.User, remember bool) (string, error) {
	return tm.issue(models.TokenKindRefresh, user.ID, tm.RefreshTTL(remember), nil)
}

// IssueMFAChallenge creates the short-lived token that proves the password
// step succeeded while an MFA code is still owed.
func (tm *TokenManager) IssueMFAChallenge(user *models.User) (string, error) {
	return tm.issue(models.TokenKindMFA, user.ID, tm.mfaChallengeTTL, func(c *models.TokenClaims) {
		c.Email = user.Email
	})
}

func (tm *TokenManager) issue(kind, subject string, ttl time.Duration, extra func(*models.TokenClaims)) (string, error) {
	now := tm.clock.Now()

	claims := &models.TokenClaims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if extra != nil {
		extra(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = tm.activeKID

	signed, err := token.SignedString(tm.keys[tm.activeKID])
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	return signed, nil
}

// Validate verifies the token and enforces the expected kind. A token of one
// kind is never accepted where another is required.
func (tm *TokenManager) Validate(tokenString, expectedKind string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, tm.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithAudience(tm.audience),
		jwt.WithTimeFunc(tm.clock.Now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !token.Valid {
		return nil, ErrTokenMalformed
	}

	if claims.Type != expectedKind {
		return nil, ErrTokenWrongKind
	}

	return claims, nil
}

func (tm *TokenManager) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = tm.activeKID
	}

	key, ok := tm.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key id %q", kid)
	}
	return key, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenBadSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrTokenBadAudience
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}
