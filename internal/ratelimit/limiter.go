package ratelimit

import (
	"context"
	"fmt"
	"time"

	"authguard/internal/audit"
)

// Probe is the outcome of one consume attempt against a bucket.
type Probe struct {
	Consumed        bool
	RemainingTokens int64
	NanosToRefill   int64
}

// RetryAfterSeconds converts the refill wait into a Retry-After value,
// rounded up and never below one second.
func (p Probe) RetryAfterSeconds() int {
	seconds := int((p.NanosToRefill + int64(time.Second) - 1) / int64(time.Second))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Config describes a token bucket: Capacity tokens, refilled continuously at
// one token per RefillInterval.
type Config struct {
	Capacity       int64
	RefillInterval time.Duration
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit: capacity must be positive")
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("ratelimit: refill interval must be positive")
	}
	return nil
}

// BucketStore performs the atomic consume-or-reject step. The store's
// read-modify-write primitive is the correctness boundary: implementations
// must not over-admit under concurrent access from multiple processes.
type BucketStore interface {
	Consume(ctx context.Context, key string, cost int64) (Probe, error)
}

// Limiter throttles per-client request budgets shared across service
// instances.
type Limiter struct {
	store   BucketStore
	auditor audit.Sink
}

func NewLimiter(store BucketStore, auditor audit.Sink) *Limiter {
	return &Limiter{store: store, auditor: auditor}
}

// TryConsume takes cost tokens from the client's bucket. A backing-store
// failure fails open: a limiter outage must not lock out all authentication,
// so the request is admitted and the degradation is audited.
func (l *Limiter) TryConsume(ctx context.Context, clientKey string, cost int64) Probe {
	probe, err := l.store.Consume(ctx, clientKey, cost)
	if err != nil {
		l.auditor.Record(audit.Event{
			Type:        "RATE_LIMITER_DEGRADED",
			Identity:    clientKey,
			Description: fmt.Sprintf("bucket store unavailable, admitting request: %v", err),
			Severity:    audit.SeverityWarn,
		})
		return Probe{Consumed: true, RemainingTokens: -1}
	}
	if !probe.Consumed {
		l.auditor.Record(audit.Event{
			Type:        "RATE_LIMIT_EXCEEDED",
			Identity:    clientKey,
			Description: fmt.Sprintf("request rejected, retry in %ds", probe.RetryAfterSeconds()),
			Severity:    audit.SeverityWarn,
		})
	}
	return probe
}
