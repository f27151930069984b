package lockout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"authguard/internal/audit"
)

const (
	attemptsKeyPrefix = "auth:attempts:"
	lockoutKeyPrefix  = "auth:lockout:"
)

// Store is the TTL key-value boundary. IncrWithTTL must be atomic at the
// store level so two racing failures never lose an increment.
type Store interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Lockout is the state stored while an identity is locked. Its presence in
// the store (and an expiry still in the future) is the definition of locked;
// a stale record is logically absent and cleared lazily on the next read.
type Lockout struct {
	Identity string        `json:"identity"`
	LockedAt time.Time     `json:"locked_at"`
	Expires  time.Time     `json:"expires_at"`
	Ordinal  int           `json:"ordinal"`
	Duration time.Duration `json:"duration"`
}

func (l *Lockout) RetryAfter(now time.Time) time.Duration {
	wait := l.Expires.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Policy is the escalation schedule. The n-th lockout for an identity lasts
// min(BaseDuration * 2^(n-1), MaxDuration); no jitter, so the schedule is
// reproducible from the attempt history alone.
type Policy struct {
	Threshold     int
	AttemptWindow time.Duration
	BaseDuration  time.Duration
	MaxDuration   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Threshold:     5,
		AttemptWindow: time.Hour,
		BaseDuration:  5 * time.Minute,
		MaxDuration:   24 * time.Hour,
	}
}

func (p Policy) durationFor(ordinal int) time.Duration {
	if ordinal < 1 {
		ordinal = 1
	}
	if ordinal > 62 {
		return p.MaxDuration
	}
	d := p.BaseDuration << uint(ordinal-1)
	if d <= 0 || d > p.MaxDuration {
		return p.MaxDuration
	}
	return d
}

// Tracker counts failed authentication attempts per identity and escalates
// to a timed lockout with exponential backoff.
type Tracker struct {
	store   Store
	policy  Policy
	auditor audit.Sink
	now     func() time.Time
}

func NewTracker(store Store, policy Policy, auditor audit.Sink) *Tracker {
	if policy.Threshold <= 0 {
		policy = DefaultPolicy()
	}
	return &Tracker{
		store:   store,
		policy:  policy,
		auditor: auditor,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// RecordFailure registers one failed attempt and reports whether the
// identity is locked afterwards. An attempt against an already locked
// identity is audited but neither increments the counter nor extends the
// active lockout.
func (t *Tracker) RecordFailure(ctx context.Context, identity string) (bool, error) {
	identity = Normalize(identity)

	locked, _, err := t.activeLockout(ctx, identity)
	if err != nil {
		return false, err
	}
	if locked {
		t.auditor.Record(audit.Event{
			Type:        "FAILED_LOGIN_ATTEMPT_WHILE_LOCKED",
			Identity:    identity,
			Description: "additional login attempt while account is locked",
			Severity:    audit.SeverityWarn,
		})
		return true, nil
	}

	count, err := t.store.IncrWithTTL(ctx, attemptsKeyPrefix+identity, t.policy.AttemptWindow)
	if err != nil {
		return false, fmt.Errorf("lockout: increment attempts: %w", err)
	}

	t.auditor.Record(audit.Event{
		Type:        "FAILED_LOGIN_ATTEMPT",
		Identity:    identity,
		Description: fmt.Sprintf("failed login attempt %d of %d", count, t.policy.Threshold),
		Severity:    audit.SeverityInfo,
	})

	if count < int64(t.policy.Threshold) {
		return false, nil
	}

	return true, t.lock(ctx, identity, count)
}

// IsLocked reports whether the identity is currently locked, lazily clearing
// a lapsed lockout.
func (t *Tracker) IsLocked(ctx context.Context, identity string) (bool, error) {
	locked, _, err := t.activeLockout(ctx, Normalize(identity))
	return locked, err
}

// LockoutDetails returns the active lockout state, or nil when the identity
// is not locked. Read-only projection for retry-after messaging.
func (t *Tracker) LockoutDetails(ctx context.Context, identity string) (*Lockout, error) {
	locked, lockout, err := t.activeLockout(ctx, Normalize(identity))
	if err != nil || !locked {
		return nil, err
	}
	return lockout, nil
}

// Reset clears both the failure counter and any lockout state. Called after
// a successful authentication and by administrative unlock.
func (t *Tracker) Reset(ctx context.Context, identity string, manual bool) error {
	identity = Normalize(identity)
	if err := t.store.Del(ctx, attemptsKeyPrefix+identity, lockoutKeyPrefix+identity); err != nil {
		return fmt.Errorf("lockout: reset: %w", err)
	}

	if manual {
		t.auditor.Record(audit.Event{
			Type:        "ACCOUNT_UNLOCKED",
			Identity:    identity,
			Description: "account manually unlocked",
			Severity:    audit.SeverityWarn,
		})
	} else {
		t.auditor.Record(audit.Event{
			Type:        "SUCCESSFUL_LOGIN",
			Identity:    identity,
			Description: "failed attempts cleared after successful login",
			Severity:    audit.SeverityInfo,
		})
	}
	return nil
}

// FailedAttemptCount returns the attempts recorded in the current window.
func (t *Tracker) FailedAttemptCount(ctx context.Context, identity string) (int, error) {
	value, ok, err := t.store.Get(ctx, attemptsKeyPrefix+Normalize(identity))
	if err != nil {
		return 0, fmt.Errorf("lockout: read attempts: %w", err)
	}
	if !ok {
		return 0, nil
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

func (t *Tracker) lock(ctx context.Context, identity string, count int64) error {
	ordinal := int(count) - t.policy.Threshold + 1
	duration := t.policy.durationFor(ordinal)
	now := t.now()

	lockout := Lockout{
		Identity: identity,
		LockedAt: now,
		Expires:  now.Add(duration),
		Ordinal:  ordinal,
		Duration: duration,
	}
	encoded, err := json.Marshal(lockout)
	if err != nil {
		return fmt.Errorf("lockout: encode state: %w", err)
	}
	if err := t.store.Set(ctx, lockoutKeyPrefix+identity, string(encoded), duration); err != nil {
		return fmt.Errorf("lockout: store state: %w", err)
	}

	t.auditor.Record(audit.Event{
		Type:     "ACCOUNT_LOCKED",
		Identity: identity,
		Description: fmt.Sprintf("account locked for %s after %d failed attempts (lockout #%d)",
			duration, count, ordinal),
		Severity: audit.SeverityHigh,
	})
	return nil
}

// activeLockout reads the lockout record and applies lazy expiry: a stale or
// corrupt record is removed and treated as absent.
func (t *Tracker) activeLockout(ctx context.Context, identity string) (bool, *Lockout, error) {
	key := lockoutKeyPrefix + identity
	value, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return false, nil, fmt.Errorf("lockout: read state: %w", err)
	}
	if !ok {
		return false, nil, nil
	}

	var lockout Lockout
	if err := json.Unmarshal([]byte(value), &lockout); err != nil {
		_ = t.store.Del(ctx, key)
		return false, nil, nil
	}

	if !lockout.Expires.After(t.now()) {
		if err := t.store.Del(ctx, key); err != nil {
			return false, nil, fmt.Errorf("lockout: clear lapsed state: %w", err)
		}
		t.auditor.Record(audit.Event{
			Type:        "ACCOUNT_UNLOCKED",
			Identity:    identity,
			Description: "lockout lapsed",
			Severity:    audit.SeverityInfo,
		})
		return false, nil, nil
	}

	return true, &lockout, nil
}

// Normalize lower-cases and trims an identity so counters and lockout state
// share one key per account.
func Normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
