package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/background"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/handlers"
	middlewareCustom "github.com/castellan-io/castellan/internal/middleware"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/castellan-io/castellan/internal/repositories"
	"github.com/castellan-io/castellan/internal/routes"
	"github.com/castellan-io/castellan/internal/services"
	pkgauth "github.com/castellan-io/castellan/pkg/auth"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if err := runMigrations(cfg, logger); err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	clock := clockwork.NewRealClock()

	// Repositories
	userRepo := repositories.NewUserRepository(db, clock)
	sessionRepo := repositories.NewSessionRepository(db, clock)
	mfaSecretRepo := repositories.NewMFASecretRepository(db, clock)
	backupCodeRepo := repositories.NewBackupCodeRepository(db, clock)
	emailCodeRepo := repositories.NewEmailCodeRepository(db, clock)
	trustedDeviceRepo := repositories.NewTrustedDeviceRepository(db, clock)
	mfaAttemptRepo := repositories.NewMFAAttemptRepository(db, clock)
	loginAttemptRepo := repositories.NewLoginAttemptRepository(db, clock)
	securityEventRepo := repositories.NewSecurityEventRepository(db, clock)
	policyRepo := repositories.NewRoleMFAPolicyRepository(db, clock)

	// Token and TOTP managers
	tokenManager := auth.NewTokenManager(cfg.Auth, clock)
	totpManager, err := auth.NewTOTPManager(cfg.MFA.EncryptionKey, cfg.MFA.TOTPIssuer, clock)
	if err != nil {
		logger.Error("failed to initialize totp manager", slog.Any("error", err))
		os.Exit(1)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   200,
		RandomDelayMs: 100,
	})

	// Email dispatch via SES
	mailer, err := services.NewAWSSESDispatcher(cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Email.Timeout, logger)
	if err != nil {
		logger.Error("failed to initialize email dispatcher", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional redis cache for geolocation lookups
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	geolocator := services.NewHTTPGeolocator(cfg.Geo.Endpoint, cfg.Geo.Timeout, redisClient, cfg.Geo.CacheTTL, logger)

	// Services
	credentialStore := services.NewCredentialStore(userRepo, sessionRepo, trustedDeviceRepo, cfg.Auth.BcryptCost, clock, logger)
	mfaService := services.NewMFAService(
		userRepo, mfaSecretRepo, backupCodeRepo, emailCodeRepo, trustedDeviceRepo,
		mfaAttemptRepo, policyRepo, totpManager, mailer, cfg.MFA, clock, logger,
	)
	sessionManager := services.NewSessionManager(sessionRepo, tokenManager, geolocator, cfg.Session, clock, logger)
	securityDetector := services.NewSecurityDetector(securityEventRepo, loginAttemptRepo, sessionRepo, cfg.Security, clock, logger)
	authService := services.NewAuthService(
		credentialStore, mfaService, sessionManager, securityDetector,
		loginAttemptRepo, tokenManager, geolocator, timingDelay, cfg.Auth, clock, logger,
	)

	// Handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(authService, authService, ipConfig)
	mfaHandler := handlers.NewMFAHandler(mfaService, credentialStore)
	sessionHandler := handlers.NewSessionHandler(sessionManager)
	eventHandler := handlers.NewSecurityEventHandler(securityDetector)

	// Bootstrap first admin user if configured
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(bootCtx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	bootCancel()

	// Background cleanup
	cleanupManager := background.NewCleanupManager(
		sessionManager, emailCodeRepo, trustedDeviceRepo, loginAttemptRepo, mfaAttemptRepo,
		*cfg, clock, logger,
	)

	// Router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, mfaHandler, sessionHandler, eventHandler, tokenManager, sessionManager, ipConfig)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go cleanupManager.Start(cleanupCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// runMigrations applies pending goose migrations before the pool opens.
func runMigrations(cfg *config.Config, logger *slog.Logger) error {
	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	sqlDB, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}

// ensureAdminUser creates the first admin account when ADMIN_EMAIL and
// ADMIN_PASSWORD are set and no such user exists yet.
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	if _, err := userRepo.GetByEmail(ctx, adminEmail); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	passwordHash, err := pkgauth.HashPassword(adminPassword, pkgauth.DefaultBcryptCost)
	if err != nil {
		return err
	}

	_, err = userRepo.Create(ctx, &models.User{
		Username:     "admin",
		Email:        adminEmail,
		PasswordHash: passwordHash,
		Role:         models.RoleAdmin,
		IsActive:     true,
	})
	if err != nil {
		return err
	}

	logger.Info("bootstrap admin user created")
	return nil
}
