package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

// NewTestRequest creates an HTTP request with a JSON body for testing.
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds access-token claims to the request context, simulating
// what RequireAccessToken does on a live request.
func WithAuthContext(req *http.Request, userID, role string) *http.Request {
	claims := &models.TokenClaims{
		Type: models.TokenKindAccess,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}
	ctx := context.WithValue(req.Context(), auth.ClaimsContextKey, claims)
	return req.WithContext(ctx)
}

// WithURLParam places a chi route parameter on the request context.
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks the status code and decodes the JSON body into target.
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that the response is an error with the given code.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing.
type MockAuthService struct {
	RegisterFunc  func(ctx context.Context, username, email, password string, meta models.RequestMeta) (*models.AuthResponse, error)
	LoginFunc     func(ctx context.Context, email, password string, remember bool, meta models.RequestMeta) (*models.LoginResult, error)
	VerifyMFAFunc func(ctx context.Context, challengeToken, method, code string, remember, trustDevice bool, meta models.RequestMeta) (*models.AuthResponse, error)
	RefreshFunc   func(ctx context.Context, refreshToken string, meta models.RequestMeta) (*models.TokenPair, error)
	LogoutFunc    func(ctx context.Context, refreshToken string) error
	LogoutAllFunc func(ctx context.Context, userID string) (int64, error)

	ChangePasswordFunc func(ctx context.Context, userID, current, next string, meta models.RequestMeta) error
}

func (m *MockAuthService) Register(ctx context.Context, username, email, password string, meta models.RequestMeta) (*models.AuthResponse, error) {
	if m.RegisterFunc == nil {
		return nil, &models.ConflictError{Field: "email"}
	}
	return m.RegisterFunc(ctx, username, email, password, meta)
}

func (m *MockAuthService) Login(ctx context.Context, email, password string, remember bool, meta models.RequestMeta) (*models.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.LoginFunc(ctx, email, password, remember, meta)
}

func (m *MockAuthService) VerifyMFA(ctx context.Context, challengeToken, method, code string, remember, trustDevice bool, meta models.RequestMeta) (*models.AuthResponse, error) {
	if m.VerifyMFAFunc == nil {
		return nil, models.ErrMFAChallengeInvalid
	}
	return m.VerifyMFAFunc(ctx, challengeToken, method, code, remember, trustDevice, meta)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken string, meta models.RequestMeta) (*models.TokenPair, error) {
	if m.RefreshFunc == nil {
		return nil, models.ErrUnauthenticated
	}
	return m.RefreshFunc(ctx, refreshToken, meta)
}

func (m *MockAuthService) Logout(ctx context.Context, refreshToken string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, refreshToken)
}

func (m *MockAuthService) LogoutAll(ctx context.Context, userID string) (int64, error) {
	if m.LogoutAllFunc == nil {
		return 0, nil
	}
	return m.LogoutAllFunc(ctx, userID)
}

func (m *MockAuthService) ChangePassword(ctx context.Context, userID, current, next string, meta models.RequestMeta) error {
	if m.ChangePasswordFunc == nil {
		return nil
	}
	return m.ChangePasswordFunc(ctx, userID, current, next, meta)
}

// MockChallengeService implements MFAChallengeServiceInterface for testing.
type MockChallengeService struct {
	ResendChallengeCodeFunc func(ctx context.Context, challengeToken string) error
}

func (m *MockChallengeService) ResendChallengeCode(ctx context.Context, challengeToken string) error {
	if m.ResendChallengeCodeFunc == nil {
		return nil
	}
	return m.ResendChallengeCodeFunc(ctx, challengeToken)
}

// MockMFAService implements MFAServiceInterface for testing.
type MockMFAService struct {
	BeginTOTPSetupFunc          func(ctx context.Context, user *models.User) (*models.TOTPEnrollment, error)
	EnableTOTPFunc              func(ctx context.Context, user *models.User, code string) ([]string, error)
	DisableTOTPFunc             func(ctx context.Context, user *models.User, password string) error
	RegenerateBackupCodesFunc   func(ctx context.Context, user *models.User, password string) ([]string, error)
	StatusFunc                  func(ctx context.Context, user *models.User) (*models.MFAStatus, error)
	ClearLockoutFunc            func(ctx context.Context, userID, actorID string) error
	ListTrustedDevicesFunc      func(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	RevokeTrustedDeviceFunc     func(ctx context.Context, userID, deviceID string) error
	RevokeAllTrustedDevicesFunc func(ctx context.Context, userID string) error
}

func (m *MockMFAService) BeginTOTPSetup(ctx context.Context, user *models.User) (*models.TOTPEnrollment, error) {
	if m.BeginTOTPSetupFunc == nil {
		return nil, models.ErrMFAAlreadyEnabled
	}
	return m.BeginTOTPSetupFunc(ctx, user)
}

func (m *MockMFAService) EnableTOTP(ctx context.Context, user *models.User, code string) ([]string, error) {
	if m.EnableTOTPFunc == nil {
		return nil, models.ErrMFASetupCodeInvalid
	}
	return m.EnableTOTPFunc(ctx, user, code)
}

func (m *MockMFAService) DisableTOTP(ctx context.Context, user *models.User, password string) error {
	if m.DisableTOTPFunc == nil {
		return nil
	}
	return m.DisableTOTPFunc(ctx, user, password)
}

func (m *MockMFAService) RegenerateBackupCodes(ctx context.Context, user *models.User, password string) ([]string, error) {
	if m.RegenerateBackupCodesFunc == nil {
		return nil, models.ErrMFANotEnabled
	}
	return m.RegenerateBackupCodesFunc(ctx, user, password)
}

func (m *MockMFAService) Status(ctx context.Context, user *models.User) (*models.MFAStatus, error) {
	if m.StatusFunc == nil {
		return &models.MFAStatus{}, nil
	}
	return m.StatusFunc(ctx, user)
}

func (m *MockMFAService) ClearLockout(ctx context.Context, userID, actorID string) error {
	if m.ClearLockoutFunc == nil {
		return nil
	}
	return m.ClearLockoutFunc(ctx, userID, actorID)
}

func (m *MockMFAService) ListTrustedDevices(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	if m.ListTrustedDevicesFunc == nil {
		return []*models.TrustedDevice{}, nil
	}
	return m.ListTrustedDevicesFunc(ctx, userID)
}

func (m *MockMFAService) RevokeTrustedDevice(ctx context.Context, userID, deviceID string) error {
	if m.RevokeTrustedDeviceFunc == nil {
		return nil
	}
	return m.RevokeTrustedDeviceFunc(ctx, userID, deviceID)
}

func (m *MockMFAService) RevokeAllTrustedDevices(ctx context.Context, userID string) error {
	if m.RevokeAllTrustedDevicesFunc == nil {
		return nil
	}
	return m.RevokeAllTrustedDevicesFunc(ctx, userID)
}

// MockUserLookup implements UserLookup for testing.
type MockUserLookup struct {
	FindByIDFunc func(ctx context.Context, id string) (*models.User, error)
}

func (m *MockUserLookup) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.FindByIDFunc == nil {
		return &models.User{ID: id, Username: "alice", Email: "alice@example.com", Role: models.RoleUser, IsActive: true}, nil
	}
	return m.FindByIDFunc(ctx, id)
}

// MockSessionService implements SessionServiceInterface for testing.
type MockSessionService struct {
	ListFunc         func(ctx context.Context, userID, currentRefreshToken string) ([]*models.SessionView, error)
	RevokeFunc       func(ctx context.Context, userID, sessionID, currentRefreshToken string) error
	RevokeOthersFunc func(ctx context.Context, userID, currentRefreshToken string) (int64, error)
}

func (m *MockSessionService) List(ctx context.Context, userID, currentRefreshToken string) ([]*models.SessionView, error) {
	if m.ListFunc == nil {
		return []*models.SessionView{}, nil
	}
	return m.ListFunc(ctx, userID, currentRefreshToken)
}

func (m *MockSessionService) Revoke(ctx context.Context, userID, sessionID, currentRefreshToken string) error {
	if m.RevokeFunc == nil {
		return nil
	}
	return m.RevokeFunc(ctx, userID, sessionID, currentRefreshToken)
}

func (m *MockSessionService) RevokeOthers(ctx context.Context, userID, currentRefreshToken string) (int64, error) {
	if m.RevokeOthersFunc == nil {
		return 0, nil
	}
	return m.RevokeOthersFunc(ctx, userID, currentRefreshToken)
}

// MockSecurityEventService implements SecurityEventServiceInterface for testing.
type MockSecurityEventService struct {
	ListEventsFunc       func(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	AcknowledgeEventFunc func(ctx context.Context, userID, eventID string) error
}

func (m *MockSecurityEventService) ListEvents(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	if m.ListEventsFunc == nil {
		return []*models.SecurityEvent{}, nil
	}
	return m.ListEventsFunc(ctx, userID, limit, offset)
}

func (m *MockSecurityEventService) AcknowledgeEvent(ctx context.Context, userID, eventID string) error {
	if m.AcknowledgeEventFunc == nil {
		return nil
	}
	return m.AcknowledgeEventFunc(ctx, userID, eventID)
}
