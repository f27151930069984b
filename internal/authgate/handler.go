package authgate

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"authguard/internal/lockout"
	"authguard/internal/ratelimit"
	"authguard/internal/token"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	maxPasswordLength = 200
	maxEmailLength    = 254
)

type Handler struct {
	gate     *Gate
	tokens   *token.Store
	lockouts *lockout.Tracker
}

func NewHandler(gate *Gate, tokens *token.Store, lockouts *lockout.Tracker) *Handler {
	return &Handler{gate: gate, tokens: tokens, lockouts: lockouts}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if len(body.Email) > maxEmailLength || !emailRegex.MatchString(strings.ToLower(body.Email)) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if body.Password == "" || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	session, err := h.gate.Login(r.Context(), body.Email, body.Password, LoginMeta{
		IPAddress: ratelimit.ClientKey(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var lockedErr *LockedError
		if errors.As(err, &lockedErr) {
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "login temporarily locked")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     session.Token,
		TokenType: "Bearer",
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout revokes the presented bearer token. Always 204: revoking an
// unknown or already expired token is a no-op.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	if err := h.tokens.Revoke(r.Context(), raw); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll expires every active session of the authenticated principal.
func (h *Handler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	count, err := h.tokens.RevokeAll(r.Context(), principal.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"revoked_sessions": count})
}

// Sessions reports the authenticated principal's active session count.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	count, err := h.tokens.CountActive(r.Context(), principal.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"active_sessions": count})
}

type unlockRequest struct {
	Email string `json:"email"`
}

// Unlock clears an identity's lockout state and failure counter.
// Administrative endpoint; the caller is authenticated by the admin secret.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body unlockRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.lockouts.Reset(r.Context(), body.Email, true); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to unlock")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LockoutStatus reports whether an identity is locked and until when.
func (h *Handler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	details, err := h.lockouts.LockoutDetails(r.Context(), email)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to read lockout state")
		return
	}
	if details == nil {
		writeJSON(w, http.StatusOK, map[string]any{"locked": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"locked":              true,
		"locked_at":           details.LockedAt.UTC().Format(time.RFC3339),
		"expires_at":          details.Expires.UTC().Format(time.RFC3339),
		"lockout_number":      details.Ordinal,
		"retry_after_seconds": int(details.RetryAfter(time.Now().UTC()).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
