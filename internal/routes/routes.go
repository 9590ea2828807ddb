package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/handlers"
	"github.com/castellan-io/castellan/internal/middleware"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

// RegisterRoutes wires all application routes.
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	mfaHandler *handlers.MFAHandler,
	sessionHandler *handlers.SessionHandler,
	eventHandler *handlers.SecurityEventHandler,
	tokenManager *auth.TokenManager,
	sessionManager middleware.SessionToucher,
	ipConfig *pkghttp.IPConfig,
) {
	rateLimit := middleware.DefaultAuthRateLimit()

	// Public routes, rate limited by IP. Login failures also cost a server-side
	// timing delay, this limit just caps volume.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimit))

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/mfa/verify", authHandler.VerifyMFA)
		r.Post("/auth/mfa/resend", authHandler.ResendCode)
		r.Post("/auth/refresh", authHandler.Refresh)
		r.Post("/auth/logout", authHandler.Logout)
	})

	// Protected routes.
	router.Group(func(r chi.Router) {
		r.Use(auth.RequireAccessToken(tokenManager))
		r.Use(middleware.TouchSession(sessionManager, ipConfig))

		r.Post("/auth/logout-all", authHandler.LogoutAll)
		r.Put("/auth/password", authHandler.ChangePassword)

		r.Get("/mfa/status", mfaHandler.Status)
		r.Post("/mfa/totp/setup", mfaHandler.BeginSetup)
		r.Post("/mfa/totp/enable", mfaHandler.Enable)
		r.Post("/mfa/totp/disable", mfaHandler.Disable)
		r.Post("/mfa/backup-codes/regenerate", mfaHandler.RegenerateBackupCodes)

		r.Get("/mfa/devices", mfaHandler.ListTrustedDevices)
		r.Delete("/mfa/devices", mfaHandler.RevokeAllTrustedDevices)
		r.Delete("/mfa/devices/{id}", mfaHandler.RevokeTrustedDevice)

		r.Get("/sessions", sessionHandler.List)
		r.Post("/sessions/revoke-others", sessionHandler.RevokeOthers)
		r.Delete("/sessions/{id}", sessionHandler.Revoke)

		r.Get("/security/events", eventHandler.List)
		r.Post("/security/events/{id}/ack", eventHandler.Acknowledge)

		// Admin-only routes.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin, models.RoleSuperAdmin))
			r.Post("/admin/users/{id}/mfa/unlock", mfaHandler.ClearLockout)
		})
	})
}
