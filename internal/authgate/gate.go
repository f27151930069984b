package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authguard/internal/audit"
	"authguard/internal/lockout"
	"authguard/internal/token"
	"authguard/internal/user"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// LockedError reports an attempt against a locked identity, carrying the
// retry horizon for user-facing messaging.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "account temporarily locked"
}

// UserSource resolves credentials. Only the gate touches it, and only after
// the rate-limit and lockout checks have passed.
type UserSource interface {
	GetByEmail(ctx context.Context, email string) (user.User, error)
}

type LoginMeta struct {
	IPAddress string
	UserAgent string
}

type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Gate orchestrates a credential login attempt: lockout check, credential
// comparison, then either token issuance plus counter reset or a recorded
// failure. Rate limiting runs earlier, in middleware, so no credential work
// happens for throttled clients.
type Gate struct {
	users      UserSource
	tokens     *token.Store
	lockouts   *lockout.Tracker
	auditor    audit.Sink
	sessionTTL time.Duration

	// dummyHash keeps the bcrypt cost for unknown identities level with the
	// cost for known ones.
	dummyHash []byte
	now       func() time.Time
}

func NewGate(users UserSource, tokens *token.Store, lockouts *lockout.Tracker, auditor audit.Sink, sessionTTL time.Duration) (*Gate, error) {
	if sessionTTL <= 0 {
		return nil, fmt.Errorf("authgate: non-positive session ttl")
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("authguard-decoy-credential"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("authgate: prepare decoy hash: %w", err)
	}
	return &Gate{
		users:      users,
		tokens:     tokens,
		lockouts:   lockouts,
		auditor:    auditor,
		sessionTTL: sessionTTL,
		dummyHash:  dummyHash,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Login(ctx context.Context, email, password string, meta LoginMeta) (Session, error) {
	identity := lockout.Normalize(email)
	if identity == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}

	// A locked identity is rejected before any credential work. The attempt
	// is audited but does not consume another failure slot.
	details, err := g.lockouts.LockoutDetails(ctx, identity)
	if err != nil {
		return Session{}, err
	}
	if details != nil {
		g.auditor.Record(audit.Event{
			Type:        "FAILED_LOGIN_ATTEMPT_WHILE_LOCKED",
			Identity:    identity,
			Description: "login attempt rejected while account is locked",
			Severity:    audit.SeverityWarn,
		})
		return Session{}, &LockedError{Until: details.Expires}
	}

	account, err := g.users.GetByEmail(ctx, identity)
	switch {
	case errors.Is(err, user.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(g.dummyHash, []byte(password))
		return Session{}, g.fail(ctx, identity)
	case err != nil:
		return Session{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Session{}, g.fail(ctx, identity)
	}

	if err := g.lockouts.Reset(ctx, identity, false); err != nil {
		return Session{}, err
	}

	raw, err := g.tokens.Issue(ctx, account.ID, g.sessionTTL, token.Attributes{
		SessionType: token.SessionTypeWeb,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
	if err != nil {
		// Issuance fails closed: no durable row, no session.
		return Session{}, err
	}

	return Session{Token: raw, ExpiresAt: g.now().Add(g.sessionTTL)}, nil
}

func (g *Gate) fail(ctx context.Context, identity string) error {
	nowLocked, err := g.lockouts.RecordFailure(ctx, identity)
	if err != nil {
		return err
	}
	if nowLocked {
		details, err := g.lockouts.LockoutDetails(ctx, identity)
		if err != nil {
			return err
		}
		if details != nil {
			return &LockedError{Until: details.Expires}
		}
	}
	return ErrInvalidCredentials
}
