package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSHA256 is the keyed PRF used for handshake confirmation tags.
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// EqualConfirmation does a constant-time comparison of two HMAC tags.
func EqualConfirmation(a, b []byte) bool {
	return hmac.Equal(a, b)
}
