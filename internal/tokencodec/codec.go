package tokencodec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const tokenLengthBytes = 32

// Params configures the argon2id verification hash.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Codec generates opaque token values and derives the two digests stored for
// each token: a fast unsalted lookup key used purely as a storage index, and
// a slow salted verification hash that is the actual proof-of-possession
// check. The entropy source is injected so there is no ambient global state.
type Codec struct {
	random    io.Reader
	params    Params
	decoySalt []byte
	decoyHash []byte
}

func New(random io.Reader, params Params) (*Codec, error) {
	if random == nil {
		return nil, fmt.Errorf("tokencodec: nil entropy source")
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 ||
		params.SaltLength == 0 || params.KeyLength == 0 {
		return nil, fmt.Errorf("tokencodec: params must be fully configured")
	}

	c := &Codec{random: random, params: params}

	// Precompute a decoy salt/hash pair so a lookup miss can still pay the
	// full verification cost.
	decoyRaw, err := c.Generate()
	if err != nil {
		return nil, err
	}
	c.decoySalt, err = c.NewSalt()
	if err != nil {
		return nil, err
	}
	c.decoyHash = c.Hash(decoyRaw, c.decoySalt)

	return c, nil
}

// Generate produces a new raw token value: 256 bits from the injected CSPRNG,
// URL-safe base64 without padding. An entropy failure is fatal to the caller.
func (c *Codec) Generate() (string, error) {
	buf := make([]byte, tokenLengthBytes)
	if _, err := io.ReadFull(c.random, buf); err != nil {
		return "", fmt.Errorf("tokencodec: read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// LookupKey derives the deterministic, non-secret index digest of a raw
// token. It is unsalted on purpose: validation must be able to locate the
// candidate row without a table scan. It is never a security boundary.
func (c *Codec) LookupKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (c *Codec) NewSalt() ([]byte, error) {
	salt := make([]byte, c.params.SaltLength)
	if _, err := io.ReadFull(c.random, salt); err != nil {
		return nil, fmt.Errorf("tokencodec: read salt entropy: %w", err)
	}
	return salt, nil
}

// Hash computes the slow salted verification digest of a raw token.
func (c *Codec) Hash(raw string, salt []byte) []byte {
	return argon2.IDKey([]byte(raw), salt, c.params.Iterations, c.params.Memory,
		c.params.Parallelism, c.params.KeyLength)
}

// Verify recomputes the verification hash and compares in constant time.
func (c *Codec) Verify(raw string, salt, storedHash []byte) bool {
	computed := c.Hash(raw, salt)
	if len(computed) != len(storedHash) {
		return false
	}
	return subtle.ConstantTimeCompare(computed, storedHash) == 1
}

// DecoyVerify runs a full-cost verification against the precomputed decoy
// pair and discards the result. Callers use it on a lookup miss so a missing
// token costs roughly the same wall-clock time as a present-but-wrong one.
func (c *Codec) DecoyVerify(raw string) {
	computed := c.Hash(raw, c.decoySalt)
	subtle.ConstantTimeCompare(computed, c.decoyHash)
}
