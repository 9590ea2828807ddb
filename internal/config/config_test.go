package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "test-password")
	t.Setenv("JWT_SECRET", "test-signing-secret-0123456789")
	t.Setenv("MFA_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTTLRemember)
	assert.Equal(t, 5*time.Minute, cfg.Auth.MFAChallengeTTL)
	assert.False(t, cfg.Auth.RefreshRotation)
	assert.Equal(t, "numeric_6", cfg.MFA.EmailCodeFormat)
	assert.Equal(t, 5, cfg.MFA.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.MFA.LockoutDuration)
	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityWindow)
	assert.Equal(t, 5, cfg.Security.BruteForceThreshold)
	assert.Equal(t, 120*time.Minute, cfg.Security.BruteForceDedupeWindow)
	assert.Len(t, cfg.MFA.EncryptionKey, 32)
}

func TestLoad_SingleKeyGetsDefaultKID(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "v1", cfg.Auth.ActiveKeyID)
	assert.Contains(t, cfg.Auth.SigningKeys, "v1")
}

func TestLoad_MultipleSigningKeys(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNING_KEYS", "v1:first-signing-secret-000000,v2:second-signing-secret-00000")
	t.Setenv("ACTIVE_SIGNING_KEY", "v2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "v2", cfg.Auth.ActiveKeyID)
	assert.Len(t, cfg.Auth.SigningKeys, 2)
}

func TestLoad_MultipleKeysRequireActiveSelection(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNING_KEYS", "v1:first-signing-secret-000000,v2:second-signing-secret-00000")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ActiveKeyMustExist(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNING_KEYS", "v1:first-signing-secret-000000")
	t.Setenv("ACTIVE_SIGNING_KEY", "v9")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingSigningKeys(t *testing.T) {
	t.Setenv("DB_PASSWORD", "test-password")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MFA_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingDBPassword(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_PASSWORD", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MFAKeyMustBe32Bytes(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MFA_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MFAKeyMustBeBase64(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MFA_ENCRYPTION_KEY", "!!! not base64 !!!")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownEmailCodeFormat(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMAIL_CODE_FORMAT", "hex_12")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsLowBcryptCost(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADAPTIVE_HASH_WORK_FACTOR", "6")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ProductionRequiresLongerSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "only-20-characters!!")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_TrustedProxiesParsed(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 10.0.0.2 ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Server.TrustedProxies)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "postgres",
		Password: "secret", Name: "castellan", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=castellan sslmode=disable",
		cfg.DSN(),
	)
}
