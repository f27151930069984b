package authgate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"authguard/internal/token"
)

type contextKey struct{}

var principalKey contextKey

// Middleware authenticates requests by their opaque bearer token. Every
// failure mode collapses to the same 401: callers learn nothing about
// whether the token was malformed, unknown, revoked or expired.
func Middleware(tokens *token.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		principal, err := tokens.Validate(r.Context(), raw)
		if err != nil {
			// A row-store outage is not a verdict on the token; don't tell
			// the client its session is gone.
			var storageErr *token.StorageError
			if errors.As(err, &storageErr) {
				sentry.CaptureException(err)
				writeError(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		if principal == nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the principal resolved by Middleware.
func PrincipalFromContext(ctx context.Context) (*token.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(*token.Principal)
	return principal, ok
}

// AdminMiddleware guards administrative endpoints with a shared bearer
// secret. With no secret configured the endpoints do not exist.
func AdminMiddleware(secret string, next http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		raw, ok := bearerToken(r)
		if !ok || raw != secret {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", false
	}
	return raw, true
}
