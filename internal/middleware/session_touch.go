package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	pkghttp "github.com/castellan-io/castellan/pkg/http"
)

const sessionTouchTimeout = 5 * time.Second

// SessionToucher slides a session's inactivity window forward.
type SessionToucher interface {
	Touch(ctx context.Context, userID, refreshToken string, meta models.RequestMeta)
}

// TouchSession records activity on the caller's session for every
// authenticated request, so the inactivity timeout only expires sessions
// that are actually idle. The touch runs off the request path with its own
// deadline; requests without access-token claims pass through untouched.
func TouchSession(sessions SessionToucher, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
				meta := models.RequestMeta{
					IPAddress:      pkghttp.ExtractClientIP(r, ipConfig),
					UserAgent:      r.Header.Get("User-Agent"),
					AcceptLanguage: r.Header.Get("Accept-Language"),
				}
				refreshToken := r.Header.Get("X-Refresh-Token")
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), sessionTouchTimeout)
					defer cancel()
					sessions.Touch(ctx, claims.Subject, refreshToken, meta)
				}()
			}

			next.ServeHTTP(w, r)
		})
	}
}
