package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Auth     AuthConfig
	MFA      MFAConfig
	Session  SessionConfig
	Security SecurityConfig
	Email    EmailConfig
	Geo      GeoConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
}

type AuthConfig struct {
	// SigningKeys maps key id -> HMAC secret; ActiveKeyID selects the key
	// used for newly issued tokens. Old keys stay valid for verification.
	SigningKeys        map[string]string
	ActiveKeyID        string
	Issuer             string
	Audience           string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	RefreshTTLRemember time.Duration
	MFAChallengeTTL    time.Duration
	BcryptCost         int
	RefreshRotation    bool
}

type MFAConfig struct {
	// EncryptionKey protects TOTP shared secrets at rest (AES-256-GCM).
	EncryptionKey       []byte
	TOTPIssuer          string
	EmailCodeTTL        time.Duration
	EmailCodeFormat     string
	EmailResendCooldown time.Duration
	EmailMaxResend      int
	MaxAttempts         int
	LockoutDuration     time.Duration
	BackupCodeCount     int
	TrustWindow         time.Duration
	TrustedDeviceMax    int
}

type SessionConfig struct {
	InactivityWindow        time.Duration
	AbsoluteHorizon         time.Duration
	AbsoluteHorizonRemember time.Duration
	CleanupInterval         time.Duration
}

type SecurityConfig struct {
	BruteForceThreshold    int
	BruteForceWindow       time.Duration
	DedupeWindow           time.Duration
	BruteForceDedupeWindow time.Duration
	MinHistoricalSessions  int
	LocationHistoryDepth   int
	AttemptRetention       time.Duration
}

type EmailConfig struct {
	AWSRegion   string
	FromAddress string
	Timeout     time.Duration
}

type GeoConfig struct {
	Endpoint string
	Timeout  time.Duration
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	signingKeys, activeKID, err := parseSigningKeys(env)
	if err != nil {
		return nil, err
	}

	mfaKey, err := parseMFAEncryptionKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "castellan"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseCSV(getEnv("TRUSTED_PROXIES", "")),
		},
		Auth: AuthConfig{
			SigningKeys:        signingKeys,
			ActiveKeyID:        activeKID,
			Issuer:             getEnv("TOKEN_ISSUER", "castellan"),
			Audience:           getEnv("TOKEN_AUDIENCE", "castellan-api"),
			AccessTTL:          getEnvAsDuration("ACCESS_TTL", 15*time.Minute),
			RefreshTTL:         getEnvAsDuration("REFRESH_TTL", 7*24*time.Hour),
			RefreshTTLRemember: getEnvAsDuration("REFRESH_TTL_REMEMBER", 30*24*time.Hour),
			MFAChallengeTTL:    getEnvAsDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
			BcryptCost:         getEnvAsInt("ADAPTIVE_HASH_WORK_FACTOR", 12),
			RefreshRotation:    getEnvAsBool("REFRESH_ROTATION", false),
		},
		MFA: MFAConfig{
			EncryptionKey:       mfaKey,
			TOTPIssuer:          getEnv("TOTP_ISSUER", "Castellan"),
			EmailCodeTTL:        getEnvAsDuration("EMAIL_CODE_TTL", 5*time.Minute),
			EmailCodeFormat:     getEnv("EMAIL_CODE_FORMAT", "numeric_6"),
			EmailResendCooldown: getEnvAsDuration("EMAIL_RESEND_COOLDOWN", 30*time.Second),
			EmailMaxResend:      getEnvAsInt("EMAIL_MAX_RESEND", 3),
			MaxAttempts:         getEnvAsInt("MFA_MAX_ATTEMPTS", 5),
			LockoutDuration:     getEnvAsDuration("MFA_LOCKOUT_DURATION", 15*time.Minute),
			BackupCodeCount:     getEnvAsInt("BACKUP_CODE_COUNT", 10),
			TrustWindow:         getEnvAsDuration("TRUST_WINDOW", 30*24*time.Hour),
			TrustedDeviceMax:    getEnvAsInt("TRUSTED_DEVICE_MAX_PER_USER", 5),
		},
		Session: SessionConfig{
			InactivityWindow:        getEnvAsDuration("INACTIVITY_WINDOW", 30*time.Minute),
			AbsoluteHorizon:         getEnvAsDuration("ABSOLUTE_HORIZON", 7*24*time.Hour),
			AbsoluteHorizonRemember: getEnvAsDuration("ABSOLUTE_HORIZON_REMEMBER", 30*24*time.Hour),
			CleanupInterval:         getEnvAsDuration("SESSION_CLEANUP_INTERVAL", 1*time.Hour),
		},
		Security: SecurityConfig{
			BruteForceThreshold:    getEnvAsInt("BRUTE_FORCE_THRESHOLD", 5),
			BruteForceWindow:       getEnvAsDuration("BRUTE_FORCE_WINDOW", 15*time.Minute),
			DedupeWindow:           getEnvAsDuration("EVENT_DEDUPE_WINDOW", 60*time.Minute),
			BruteForceDedupeWindow: getEnvAsDuration("BRUTE_FORCE_DEDUPE_WINDOW", 120*time.Minute),
			MinHistoricalSessions:  2,
			LocationHistoryDepth:   100,
			AttemptRetention:       getEnvAsDuration("LOGIN_ATTEMPT_RETENTION", 30*24*time.Hour),
		},
		Email: EmailConfig{
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "no-reply@castellan.io"),
			Timeout:     getEnvAsDuration("EMAIL_TIMEOUT", 10*time.Second),
		},
		Geo: GeoConfig{
			Endpoint: getEnv("GEO_ENDPOINT", "http://ip-api.com/json"),
			Timeout:  getEnvAsDuration("GEO_TIMEOUT", 5*time.Second),
			CacheTTL: getEnvAsDuration("GEO_CACHE_TTL", 24*time.Hour),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Auth.BcryptCost < 10 {
		return nil, fmt.Errorf("ADAPTIVE_HASH_WORK_FACTOR must be at least 10 (got %d)", cfg.Auth.BcryptCost)
	}

	switch cfg.MFA.EmailCodeFormat {
	case "numeric_6", "numeric_8", "alphanumeric_6":
	default:
		return nil, fmt.Errorf("EMAIL_CODE_FORMAT must be one of numeric_6, numeric_8, alphanumeric_6 (got %q)", cfg.MFA.EmailCodeFormat)
	}

	return cfg, nil
}

// parseSigningKeys reads SIGNING_KEYS ("kid1:secret1,kid2:secret2") or falls
// back to a single JWT_SECRET under kid "v1". Missing keys abort startup.
func parseSigningKeys(env string) (map[string]string, string, error) {
	keys := make(map[string]string)

	if raw := os.Getenv("SIGNING_KEYS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			kid, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || kid == "" || secret == "" {
				return nil, "", fmt.Errorf("SIGNING_KEYS entry %q is not kid:secret", pair)
			}
			keys[kid] = secret
		}
	} else if secret := os.Getenv("JWT_SECRET"); secret != "" {
		keys["v1"] = secret
	}

	if len(keys) == 0 {
		return nil, "", fmt.Errorf("SIGNING_KEYS or JWT_SECRET is required")
	}

	activeKID := getEnv("ACTIVE_SIGNING_KEY", "")
	if activeKID == "" {
		// Single-key deployments omit ACTIVE_SIGNING_KEY
		if len(keys) == 1 {
			for kid := range keys {
				activeKID = kid
			}
		} else {
			return nil, "", fmt.Errorf("ACTIVE_SIGNING_KEY is required with multiple signing keys")
		}
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, "", fmt.Errorf("ACTIVE_SIGNING_KEY %q not present in SIGNING_KEYS", activeKID)
	}

	minLength := 16
	if env == "production" {
		minLength = 32
	}
	for kid, secret := range keys {
		if len(secret) < minLength {
			return nil, "", fmt.Errorf("signing key %q must be at least %d characters in %s environment", kid, minLength, env)
		}
	}

	return keys, activeKID, nil
}

// parseMFAEncryptionKey reads the base64-encoded AES-256 key protecting TOTP
// secrets. A missing or malformed key aborts startup.
func parseMFAEncryptionKey() ([]byte, error) {
	raw := os.Getenv("MFA_ENCRYPTION_KEY")
	if raw == "" {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{}
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
