package tokencodec

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestGenerateProducesDistinctURLSafeValues(t *testing.T) {
	codec, err := New(rand.Reader, testParams())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		raw, err := codec.Generate()
		require.NoError(t, err)
		assert.Len(t, raw, 43) // 32 bytes, base64 raw URL encoding
		assert.NotContains(t, raw, "=")
		assert.NotContains(t, raw, "+")
		assert.NotContains(t, raw, "/")
		assert.False(t, seen[raw], "duplicate token generated")
		seen[raw] = true
	}
}

func TestLookupKeyDeterministic(t *testing.T) {
	codec, err := New(rand.Reader, testParams())
	require.NoError(t, err)

	raw, err := codec.Generate()
	require.NoError(t, err)

	assert.Equal(t, codec.LookupKey(raw), codec.LookupKey(raw))
	assert.Len(t, codec.LookupKey(raw), 64)

	other, err := codec.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, codec.LookupKey(raw), codec.LookupKey(other))
}

func TestVerifyRoundTrip(t *testing.T) {
	codec, err := New(rand.Reader, testParams())
	require.NoError(t, err)

	raw, err := codec.Generate()
	require.NoError(t, err)
	salt, err := codec.NewSalt()
	require.NoError(t, err)
	hash := codec.Hash(raw, salt)

	assert.True(t, codec.Verify(raw, salt, hash))
	assert.False(t, codec.Verify(raw+"x", salt, hash))
	assert.False(t, codec.Verify(raw, salt, hash[:len(hash)-1]))

	otherSalt, err := codec.NewSalt()
	require.NoError(t, err)
	assert.False(t, codec.Verify(raw, otherSalt, hash))
}

func TestSaltChangesHash(t *testing.T) {
	codec, err := New(rand.Reader, testParams())
	require.NoError(t, err)

	raw, err := codec.Generate()
	require.NoError(t, err)

	saltA, err := codec.NewSalt()
	require.NoError(t, err)
	saltB, err := codec.NewSalt()
	require.NoError(t, err)

	assert.NotEqual(t, codec.Hash(raw, saltA), codec.Hash(raw, saltB))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestEntropyFailureIsAnError(t *testing.T) {
	_, err := New(failingReader{}, testParams())
	assert.Error(t, err)
}

func TestNewRejectsIncompleteParams(t *testing.T) {
	_, err := New(rand.Reader, Params{Memory: 1024})
	assert.Error(t, err)

	_, err = New(nil, testParams())
	assert.Error(t, err)
}
