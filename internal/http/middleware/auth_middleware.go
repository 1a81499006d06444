package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/http/response"
	"github.com/inkwell-notes/session-service/internal/observability"
	"github.com/inkwell-notes/session-service/internal/security"
	"github.com/inkwell-notes/session-service/internal/service"
)

type contextKey string

const (
	UserContextKey   contextKey = "user"
	ClaimsContextKey contextKey = "claims"
)

// AccessVerifier authenticates a raw access token and re-resolves its
// subject, so a deleted account fails even while its token is unexpired.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, raw string) (*domain.User, *security.Claims, error)
}

// ActivitySink receives non-blocking last-active stamps for authenticated
// requests.
type ActivitySink interface {
	Record(userID uint, at time.Time)
}

// AuthMiddleware guards a route with access-token verification. The token is
// read from the auth cookie or a bearer header. Verification failures are
// 401; a store outage is 503, never a silent pass.
func AuthMiddleware(verifier AccessVerifier, activity ActivitySink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := security.GetCookie(r, security.AccessTokenCookie)
			source := "cookie"
			if raw == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					raw = strings.TrimSpace(auth[7:])
					source = "bearer"
				}
			}
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}

			user, claims, err := verifier.VerifyAccess(r.Context(), raw)
			if err != nil {
				if errors.Is(err, service.ErrStoreUnavailable) {
					observability.RecordAccessTokenValidation(r.Context(), "unavailable", source)
					response.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "authentication backend unavailable", nil)
					return
				}
				observability.RecordAccessTokenValidation(r.Context(), "invalid", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			if activity != nil {
				activity.Record(user.ID, time.Now())
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			ctx = context.WithValue(ctx, ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserFromContext(ctx context.Context) (*domain.User, bool) {
	u, ok := ctx.Value(UserContextKey).(*domain.User)
	return u, ok
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}
