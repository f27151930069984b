package token

import (
	"encoding/base64"
	"errors"
)

func encodeDigest(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func decodeDigests(salt, hash string) ([]byte, []byte, bool) {
	saltBytes, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil || len(saltBytes) == 0 {
		return nil, nil, false
	}
	hashBytes, err := base64.RawStdEncoding.DecodeString(hash)
	if err != nil || len(hashBytes) == 0 {
		return nil, nil, false
	}
	return saltBytes, hashBytes, true
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateToken)
}
