package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authguard/internal/audit"
)

const insertRetries = 3

// Repository is the row-store boundary for token metadata. Implementations
// must enforce uniqueness of lookup_key and token_hash and surface a
// collision as ErrDuplicateToken.
type Repository interface {
	Insert(ctx context.Context, meta *Metadata) error
	FindByLookupKey(ctx context.Context, lookupKey string) ([]Metadata, error)
	Touch(ctx context.Context, id string, lastUsedAt, expiresAt time.Time) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
}

// Codec is the digest boundary the store depends on. Satisfied by
// *tokencodec.Codec.
type Codec interface {
	Generate() (string, error)
	NewSalt() ([]byte, error)
	Hash(raw string, salt []byte) []byte
	LookupKey(raw string) string
	Verify(raw string, salt, storedHash []byte) bool
	DecoyVerify(raw string)
}

// Store owns the opaque-token lifecycle: issuance, validation, sliding
// extension, revocation and the expiry sweep.
type Store struct {
	repo    Repository
	codec   Codec
	auditor audit.Sink

	// slidingExtension > 0 extends a token's expiry on each successful
	// validation, never shortening it.
	slidingExtension time.Duration
	sweepBatchSize   int
	now              func() time.Time
}

type Config struct {
	SlidingExtension time.Duration
	SweepBatchSize   int
}

func NewStore(repo Repository, codec Codec, auditor audit.Sink, cfg Config) *Store {
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	return &Store{
		repo:             repo,
		codec:            codec,
		auditor:          auditor,
		slidingExtension: cfg.SlidingExtension,
		sweepBatchSize:   cfg.SweepBatchSize,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Issue mints a new opaque token for userID and persists its metadata. The
// raw value is returned exactly once and never stored. A persistence failure
// returns an error and no token: issuance fails closed.
func (s *Store) Issue(ctx context.Context, userID string, ttl time.Duration, attrs Attributes) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("token: empty user id")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token: non-positive ttl")
	}

	now := s.now()
	for attempt := 0; attempt < insertRetries; attempt++ {
		raw, err := s.codec.Generate()
		if err != nil {
			return "", err
		}
		salt, err := s.codec.NewSalt()
		if err != nil {
			return "", err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("token: generate id: %w", err)
		}

		meta := &Metadata{
			ID:         id.String(),
			UserID:     userID,
			TokenHash:  encodeDigest(s.codec.Hash(raw, salt)),
			Salt:       encodeDigest(salt),
			LookupKey:  s.codec.LookupKey(raw),
			Attributes: attrs,
			LastUsedAt: now,
			ExpiresAt:  now.Add(ttl),
			CreatedAt:  now,
		}

		err = s.repo.Insert(ctx, meta)
		if err == nil {
			return raw, nil
		}
		if isDuplicate(err) {
			// Astronomically unlikely digest collision: regenerate.
			continue
		}
		return "", err
	}

	return "", &StorageError{Op: "insert", Err: fmt.Errorf("digest collision persisted across %d attempts", insertRetries)}
}

// Validate resolves a raw token to its principal. Any mismatch, expiry or
// malformed input yields (nil, nil): validation misses are expected outcomes,
// not errors, and the caller learns nothing about which check failed. On a
// lookup miss a decoy verification pass keeps the wall-clock cost level with
// a present-but-wrong token.
func (s *Store) Validate(ctx context.Context, raw string) (*Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	rows, err := s.repo.FindByLookupKey(ctx, s.codec.LookupKey(raw))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		s.codec.DecoyVerify(raw)
		return nil, nil
	}

	now := s.now()
	verifyPaid := false
	for i := range rows {
		meta := &rows[i]
		salt, hash, ok := decodeDigests(meta.Salt, meta.TokenHash)
		if !ok {
			// Corrupt row: remove it and keep looking. Treated as no match.
			_ = s.repo.Delete(ctx, meta.ID)
			continue
		}
		verifyPaid = true
		if !s.codec.Verify(raw, salt, hash) {
			continue
		}
		if meta.ExpiredAt(now) {
			return nil, nil
		}
		if _, err := uuid.Parse(meta.UserID); err != nil {
			_ = s.repo.Delete(ctx, meta.ID)
			return nil, nil
		}

		expiresAt := meta.ExpiresAt
		if s.slidingExtension > 0 {
			if extended := now.Add(s.slidingExtension); extended.After(expiresAt) {
				expiresAt = extended
			}
		}
		if err := s.repo.Touch(ctx, meta.ID, now, expiresAt); err != nil {
			return nil, err
		}

		return &Principal{
			UserID:      meta.UserID,
			TokenID:     meta.ID,
			SessionType: meta.Attributes.SessionType,
			ExpiresAt:   expiresAt,
		}, nil
	}

	// Every candidate was corrupt: no Verify ran, so pay the decoy cost to
	// keep this path level with a present-but-wrong token.
	if !verifyPaid {
		s.codec.DecoyVerify(raw)
	}

	return nil, nil
}

// Extend moves a token's expiry forward. The token must currently resolve to
// a valid record and the new expiry must not be in the past or earlier than
// the current one.
func (s *Store) Extend(ctx context.Context, raw string, newExpiresAt time.Time) error {
	now := s.now()
	if !newExpiresAt.After(now) {
		return ErrInvalidExpiry
	}

	meta, err := s.resolve(ctx, raw)
	if err != nil {
		return err
	}
	if meta == nil || meta.ExpiredAt(now) {
		return ErrInvalidExpiry
	}
	if newExpiresAt.Before(meta.ExpiresAt) {
		return ErrInvalidExpiry
	}

	return s.repo.UpdateExpiry(ctx, meta.ID, newExpiresAt)
}

// Revoke forces the resolved token's expiry to now. Revoking an already
// expired or unknown token is a no-op; revocation never un-revokes.
func (s *Store) Revoke(ctx context.Context, raw string) error {
	meta, err := s.resolve(ctx, raw)
	if err != nil {
		return err
	}
	now := s.now()
	if meta == nil || meta.ExpiredAt(now) {
		return nil
	}
	if err := s.repo.UpdateExpiry(ctx, meta.ID, now); err != nil {
		return err
	}
	s.auditor.Record(audit.Event{
		Type:        "TOKEN_REVOKED",
		Identity:    meta.UserID,
		Description: fmt.Sprintf("token %s revoked", meta.ID),
		Severity:    audit.SeverityInfo,
	})
	return nil
}

// RevokeAll expires every active token for a user. Used on password change
// or account compromise.
func (s *Store) RevokeAll(ctx context.Context, userID string) (int64, error) {
	count, err := s.repo.RevokeAllForUser(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	s.auditor.Record(audit.Event{
		Type:        "ALL_TOKENS_REVOKED",
		Identity:    userID,
		Description: fmt.Sprintf("%d active tokens revoked", count),
		Severity:    audit.SeverityWarn,
	})
	return count, nil
}

// SweepExpired deletes rows whose expiry is at or before the cutoff. Space
// reclamation only: validity is always decided lazily against the clock, so
// correctness never depends on sweep timing.
func (s *Store) SweepExpired(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteExpiredBefore(ctx, before, s.sweepBatchSize)
}

func (s *Store) CountActive(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountActiveForUser(ctx, userID, s.now())
}

// resolve finds the metadata row matching a raw token, expired or not.
func (s *Store) resolve(ctx context.Context, raw string) (*Metadata, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rows, err := s.repo.FindByLookupKey(ctx, s.codec.LookupKey(raw))
	if err != nil {
		return nil, err
	}
	for i := range rows {
		meta := &rows[i]
		salt, hash, ok := decodeDigests(meta.Salt, meta.TokenHash)
		if !ok {
			_ = s.repo.Delete(ctx, meta.ID)
			continue
		}
		if s.codec.Verify(raw, salt, hash) {
			return meta, nil
		}
	}
	return nil, nil
}
