package token

import (
	"errors"
	"fmt"
	"time"
)

// Attributes is the closed set of optional metadata carried by a token.
// Extra is a free-form escape hatch for forward compatibility.
type Attributes struct {
	SessionType   string
	IPAddress     string
	UserAgent     string
	OAuthProvider string
	APIKeyName    string
	Extra         string
}

// Metadata is the persisted token record. The raw token value itself is
// never stored: LookupKey is a fast unsalted index digest and TokenHash is
// the slow salted verification digest. Revocation is expressed by forcing
// ExpiresAt to the current time; there is no separate flag.
type Metadata struct {
	ID         string
	UserID     string
	TokenHash  string
	Salt       string
	LookupKey  string
	Attributes Attributes
	LastUsedAt time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

func (m *Metadata) ExpiredAt(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// Principal is the resolved identity behind a validated token.
type Principal struct {
	UserID      string
	TokenID     string
	SessionType string
	ExpiresAt   time.Time
}

const (
	SessionTypeWeb   = "web"
	SessionTypeAPI   = "api"
	SessionTypeOAuth = "oauth"
)

var (
	// ErrDuplicateToken signals a unique-index collision on insert. The
	// store regenerates and retries; it never overwrites.
	ErrDuplicateToken = errors.New("duplicate token digest")

	// ErrInvalidExpiry rejects an extension that is in the past or would
	// shorten the current expiry.
	ErrInvalidExpiry = errors.New("invalid token expiry")
)

// StorageError marks an infrastructure failure in the backing row store,
// distinct from the expected validate-miss outcome.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("token storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
