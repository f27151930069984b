package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"authguard/internal/audit"
	"authguard/internal/authgate"
	"authguard/internal/db"
	"authguard/internal/kvstore"
	"authguard/internal/lockout"
	"authguard/internal/maintenance"
	"authguard/internal/observability"
	"authguard/internal/ratelimit"
	"authguard/internal/token"
	"authguard/internal/tokencodec"
	"authguard/internal/user"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	StartSweeper  bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *zap.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	environment := envOrDefault("APP_ENV", "development")

	logger, err := observability.NewLogger(environment)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	redisURL, err := mustEnv("REDIS_URL")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	auditor := audit.NewLogSink(logger)

	codec, err := tokencodec.New(rand.Reader, tokencodec.DefaultParams())
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("build token codec: %w", err)
	}

	tokenStore := token.NewStore(token.NewPostgresRepository(database), codec, auditor, token.Config{
		SlidingExtension: envHoursOrDefault("SESSION_SLIDING_HOURS", 24),
		SweepBatchSize:   envIntOrDefault("TOKEN_SWEEP_BATCH_SIZE", 500),
	})

	lockoutTracker := lockout.NewTracker(kvstore.NewRedis(redisClient), lockout.Policy{
		Threshold:     envIntOrDefault("LOCKOUT_THRESHOLD", 5),
		AttemptWindow: envMinutesOrDefault("LOCKOUT_ATTEMPT_WINDOW_MINUTES", 60),
		BaseDuration:  envMinutesOrDefault("LOCKOUT_BASE_MINUTES", 5),
		MaxDuration:   envHoursOrDefault("LOCKOUT_MAX_HOURS", 24),
	}, auditor)

	userRepo := user.NewRepository(database)

	if err := userRepo.UpsertBootstrapAdmin(context.Background(), os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	gate, err := authgate.NewGate(userRepo, tokenStore, lockoutTracker, auditor, envHoursOrDefault("SESSION_TTL_HOURS", 720))
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("build auth gate: %w", err)
	}
	authHandler := authgate.NewHandler(gate, tokenStore, lockoutTracker)

	bucketStore, err := ratelimit.NewRedisStore(redisClient, ratelimit.Config{
		Capacity:       int64(envIntOrDefault("RATE_LIMIT_CAPACITY", 10)),
		RefillInterval: envSecondsOrDefault("RATE_LIMIT_REFILL_SECONDS", 1),
	})
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("build rate limit store: %w", err)
	}
	loginLimiter := ratelimit.NewLimiter(bucketStore, auditor)

	sweepRetention := envDaysOrDefault("TOKEN_RETENTION_DAYS", 14)
	cleanupHandler := maintenance.NewCleanupHandler(tokenStore, logger, os.Getenv("CRON_SECRET"), sweepRetention)

	adminSecret := os.Getenv("ADMIN_API_SECRET")

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/revoke-all", authgate.Middleware(tokenStore, http.HandlerFunc(authHandler.RevokeAll)))
	mux.Handle("GET /auth/sessions", authgate.Middleware(tokenStore, http.HandlerFunc(authHandler.Sessions)))
	mux.Handle("POST /internal/admin/unlock", authgate.AdminMiddleware(adminSecret, http.HandlerFunc(authHandler.Unlock)))
	mux.Handle("GET /internal/admin/lockout", authgate.AdminMiddleware(adminSecret, http.HandlerFunc(authHandler.LockoutStatus)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	if options.StartSweeper {
		sweeper := maintenance.NewSweeper(tokenStore, logger,
			envMinutesOrDefault("TOKEN_SWEEP_INTERVAL_MINUTES", 60), sweepRetention)
		go sweeper.Run(sweepCtx)
	}

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			stopSweeper()
			observability.FlushSentry()
			_ = redisClient.Close()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unreachable"
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["redis"] = "unreachable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
