package token

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authguard/internal/audit"
	"authguard/internal/tokencodec"
)

type memoryRepository struct {
	mu         sync.Mutex
	rows       map[string]Metadata
	failInsert int // force this many duplicate errors before accepting
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{rows: make(map[string]Metadata)}
}

func (r *memoryRepository) Insert(_ context.Context, meta *Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert > 0 {
		r.failInsert--
		return ErrDuplicateToken
	}
	for _, row := range r.rows {
		if row.LookupKey == meta.LookupKey || row.TokenHash == meta.TokenHash {
			return ErrDuplicateToken
		}
	}
	r.rows[meta.ID] = *meta
	return nil
}

func (r *memoryRepository) FindByLookupKey(_ context.Context, lookupKey string) ([]Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Metadata
	for _, row := range r.rows {
		if row.LookupKey == lookupKey {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memoryRepository) Touch(_ context.Context, id string, lastUsedAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.LastUsedAt = lastUsedAt
	row.ExpiresAt = expiresAt
	r.rows[id] = row
	return nil
}

func (r *memoryRepository) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.ExpiresAt = expiresAt
	r.rows[id] = row
	return nil
}

func (r *memoryRepository) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for id, row := range r.rows {
		if row.UserID == userID && row.ExpiresAt.After(now) {
			row.ExpiresAt = now
			r.rows[id] = row
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) DeleteExpiredBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for id, row := range r.rows {
		if !row.ExpiresAt.After(cutoff) {
			delete(r.rows, id)
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) CountActiveForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, row := range r.rows {
		if row.UserID == userID && row.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memoryRepository) all() []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metadata, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, cfg Config) (*Store, *memoryRepository, *testClock) {
	t.Helper()
	codec, err := tokencodec.New(rand.Reader, tokencodec.Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	require.NoError(t, err)

	repo := newMemoryRepository()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(repo, codec, audit.NewRecorder(), cfg).WithClock(clock.Now)
	return store, repo, clock
}

func TestIssueValidateRoundTrip(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()
	userID := uuid.NewString()

	raw, err := store.Issue(ctx, userID, 30*24*time.Hour, Attributes{SessionType: SessionTypeWeb})
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	principal, err := store.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, principal)
	assert.Equal(t, userID, principal.UserID)
	assert.Equal(t, SessionTypeWeb, principal.SessionType)

	clock.Advance(30*24*time.Hour + time.Second)
	principal, err = store.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, principal)
}

func TestRawValueNeverPersisted(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{})
	ctx := context.Background()

	raw, err := store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	for _, row := range repo.all() {
		assert.NotEqual(t, raw, row.TokenHash)
		assert.NotEqual(t, raw, row.Salt)
		assert.NotEqual(t, raw, row.LookupKey)
		assert.NotContains(t, row.Attributes.Extra, raw)
	}
}

func TestValidateMalformedInput(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	for _, input := range []string{"", "   ", "not-a-token", "!!!???"} {
		principal, err := store.Validate(ctx, input)
		require.NoError(t, err)
		assert.Nil(t, principal)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	raw, err := store.Issue(ctx, uuid.NewString(), 30*24*time.Hour, Attributes{})
	require.NoError(t, err)

	principal, err := store.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, principal)

	require.NoError(t, store.Revoke(ctx, raw))
	principal, err = store.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, principal)

	// Idempotent: a second revoke does not error and does not un-revoke.
	require.NoError(t, store.Revoke(ctx, raw))
	principal, err = store.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, principal)
}

func TestRevokeAllCountsActiveOnly(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()
	userID := uuid.NewString()

	_, err := store.Issue(ctx, userID, time.Hour, Attributes{})
	require.NoError(t, err)
	_, err = store.Issue(ctx, userID, 2*time.Hour, Attributes{})
	require.NoError(t, err)
	_, err = store.Issue(ctx, userID, time.Minute, Attributes{})
	require.NoError(t, err)
	_, err = store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute) // the one-minute token has lapsed

	count, err := store.RevokeAll(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	active, err := store.CountActive(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}

func TestExtendRules(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()

	raw, err := store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	// Past expiry is rejected.
	err = store.Extend(ctx, raw, clock.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidExpiry)

	// Shortening below the current expiry is rejected.
	err = store.Extend(ctx, raw, clock.Now().Add(30*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidExpiry)

	// Moving forward is allowed.
	newExpiry := clock.Now().Add(3 * time.Hour)
	require.NoError(t, store.Extend(ctx, raw, newExpiry))

	clock.Advance(2 * time.Hour)
	principal, err := store.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, principal)

	// Extending an expired token is rejected.
	clock.Advance(2 * time.Hour)
	err = store.Extend(ctx, raw, clock.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidExpiry)
}

func TestSlidingExtension(t *testing.T) {
	store, repo, clock := newTestStore(t, Config{SlidingExtension: 24 * time.Hour})
	ctx := context.Background()

	raw, err := store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	principal, err := store.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, principal)
	assert.Equal(t, clock.Now().Add(24*time.Hour), principal.ExpiresAt)

	// A long-lived token is never shortened by the sliding policy.
	longRaw, err := store.Issue(ctx, uuid.NewString(), 90*24*time.Hour, Attributes{})
	require.NoError(t, err)
	longPrincipal, err := store.Validate(ctx, longRaw)
	require.NoError(t, err)
	require.NotNil(t, longPrincipal)

	for _, row := range repo.all() {
		if row.ID == longPrincipal.TokenID {
			assert.Equal(t, clock.Now().Add(90*24*time.Hour), row.ExpiresAt)
		}
	}
}

func TestIssueRetriesOnDuplicate(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{})
	repo.failInsert = 2

	raw, err := store.Issue(context.Background(), uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Len(t, repo.all(), 1)
}

func TestCorruptRowIsDeletedOnValidate(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{})
	ctx := context.Background()

	raw, err := store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	repo.mu.Lock()
	for id, row := range repo.rows {
		row.Salt = "%%% not base64 %%%"
		repo.rows[id] = row
	}
	repo.mu.Unlock()

	principal, err := store.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, principal)
	assert.Empty(t, repo.all())
}

// spyCodec counts decoy passes so tests can observe the timing-equalization
// path.
type spyCodec struct {
	*tokencodec.Codec
	decoyCalls int
}

func (s *spyCodec) DecoyVerify(raw string) {
	s.decoyCalls++
	s.Codec.DecoyVerify(raw)
}

func TestValidateAlwaysPaysVerifyCost(t *testing.T) {
	codec, err := tokencodec.New(rand.Reader, tokencodec.Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	require.NoError(t, err)
	spy := &spyCodec{Codec: codec}

	repo := newMemoryRepository()
	store := NewStore(repo, spy, audit.NewRecorder(), Config{})
	ctx := context.Background()

	// Lookup miss: no candidates, decoy runs.
	principal, err := store.Validate(ctx, "bm90LWEtcmVhbC10b2tlbi12YWx1ZQ")
	require.NoError(t, err)
	assert.Nil(t, principal)
	assert.Equal(t, 1, spy.decoyCalls)

	// Candidates exist but all are corrupt: no Verify can run, so the decoy
	// still has to.
	raw, err := store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	repo.mu.Lock()
	for id, row := range repo.rows {
		row.Salt = "%%% not base64 %%%"
		repo.rows[id] = row
	}
	repo.mu.Unlock()

	principal, err = store.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, principal)
	assert.Equal(t, 2, spy.decoyCalls)

	// A decodable row with a non-matching hash pays through Verify, so no
	// decoy pass is added.
	raw2, err := store.Issue(ctx, uuid.NewString(), time.Hour, Attributes{})
	require.NoError(t, err)

	repo.mu.Lock()
	for id, row := range repo.rows {
		row.TokenHash = encodeDigest([]byte("thirty-two-bytes-of-wrong-hash!!"))
		repo.rows[id] = row
	}
	repo.mu.Unlock()

	principal, err = store.Validate(ctx, raw2)
	require.NoError(t, err)
	assert.Nil(t, principal)
	assert.Equal(t, 2, spy.decoyCalls)
}

func TestSweepExpired(t *testing.T) {
	store, repo, clock := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := store.Issue(ctx, uuid.NewString(), time.Minute, Attributes{})
	require.NoError(t, err)
	keep, err := store.Issue(ctx, uuid.NewString(), 48*time.Hour, Attributes{})
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	deleted, err := store.SweepExpired(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, repo.all(), 1)

	principal, err := store.Validate(ctx, keep)
	require.NoError(t, err)
	assert.NotNil(t, principal)
}

func TestIssueRejectsBadInput(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := store.Issue(ctx, "", time.Hour, Attributes{})
	assert.Error(t, err)

	_, err = store.Issue(ctx, uuid.NewString(), 0, Attributes{})
	assert.Error(t, err)
}
