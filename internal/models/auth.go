package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token kinds. The three kinds are disjoint: a token of one kind is never
// accepted where another is required.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
	TokenKindMFA     = "mfa"
)

// TokenClaims is the payload of every signed token issued by the service.
type TokenClaims struct {
	Type  string `json:"type"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// RequestMeta carries the request-scoped attributes every core operation
// needs. It is an explicit parameter, never ambient state.
type RequestMeta struct {
	IPAddress      string
	UserAgent      string
	AcceptLanguage string
}

// TokenPair is the credential set handed out on full authentication.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse is the success arm of a login.
type AuthResponse struct {
	Tokens TokenPair   `json:"tokens"`
	User   *PublicUser `json:"user"`
}

// MFAChallenge is the half-authenticated arm of a login: credentials were
// correct but an MFA code is still owed.
type MFAChallenge struct {
	ChallengeToken string      `json:"challenge_token"`
	Method         string      `json:"method"`
	User           *PublicUser `json:"user"`
}

// Login outcome discriminators
const (
	LoginOutcomeAuthenticated = "authenticated"
	LoginOutcomeMFARequired   = "mfa_required"
)

// LoginResult is the closed outcome of a login attempt: exactly one of Auth
// or Challenge is set, discriminated by Outcome.
type LoginResult struct {
	Outcome   string        `json:"outcome"`
	Auth      *AuthResponse `json:"auth,omitempty"`
	Challenge *MFAChallenge `json:"challenge,omitempty"`
}

func AuthenticatedResult(resp *AuthResponse) *LoginResult {
	return &LoginResult{Outcome: LoginOutcomeAuthenticated, Auth: resp}
}

func MFARequiredResult(ch *MFAChallenge) *LoginResult {
	return &LoginResult{Outcome: LoginOutcomeMFARequired, Challenge: ch}
}
