package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Middleware applies the limiter to a handler. Mounted only on
// authentication endpoints; everything else bypasses the budget entirely.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probe := l.TryConsume(r.Context(), ClientKey(r), 1)

		if probe.Consumed {
			if probe.RemainingTokens >= 0 {
				w.Header().Set("X-Rate-Limit-Remaining", strconv.FormatInt(probe.RemainingTokens, 10))
			}
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := probe.RetryAfterSeconds()
		w.Header().Set("X-Rate-Limit-Remaining", "0")
		w.Header().Set("X-Rate-Limit-Retry-After-Seconds", strconv.Itoa(retryAfter))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "Too many requests",
			"message": "Rate limit exceeded. Please try again later.",
		})
	})
}

// ClientKey derives the per-client bucket key. The first hop of
// X-Forwarded-For wins, then X-Real-IP, then the directly observed peer.
// This trusts the reverse proxy to sanitize forwarded headers; without that
// the key is spoofable and the limiter degrades to best effort.
func ClientKey(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		if ip := strings.TrimSpace(strings.Split(xForwardedFor, ",")[0]); ip != "" {
			return ip
		}
	}

	if xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); xRealIP != "" {
		return xRealIP
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
