package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"authguard/internal/token"
)

// CleanupHandler deletes expired token rows past their retention window.
// It is meant to be hit by an external cron with a shared bearer secret;
// with no secret configured the endpoint does not exist.
type CleanupHandler struct {
	tokens     *token.Store
	logger     *zap.Logger
	cronSecret string
	retention  time.Duration
}

func NewCleanupHandler(tokens *token.Store, logger *zap.Logger, cronSecret string, retention time.Duration) *CleanupHandler {
	return &CleanupHandler{
		tokens:     tokens,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	cutoff := time.Now().UTC().Add(-h.retention)
	deleted, err := h.tokens.SweepExpired(r.Context(), cutoff)
	if err != nil {
		h.logger.Error("token_cleanup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("token_cleanup_completed", zap.Int64("deleted_tokens", deleted))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"deleted_tokens": deleted,
	})
}

// Sweeper runs the same expired-token sweep on a fixed interval for
// long-running deployments without an external cron.
type Sweeper struct {
	tokens    *token.Store
	logger    *zap.Logger
	interval  time.Duration
	retention time.Duration
}

func NewSweeper(tokens *token.Store, logger *zap.Logger, interval, retention time.Duration) *Sweeper {
	return &Sweeper{tokens: tokens, logger: logger, interval: interval, retention: retention}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.retention)
			deleted, err := s.tokens.SweepExpired(ctx, cutoff)
			if err != nil {
				s.logger.Error("token_sweep_failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Info("token_sweep_completed", zap.Int64("deleted_tokens", deleted))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
