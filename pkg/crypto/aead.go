package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// AEADKeySize is the XSalsa20-Poly1305 key length.
	AEADKeySize = 32
	// AEADNonceSize is the XSalsa20-Poly1305 nonce length (spec §4.1: 24 bytes).
	AEADNonceSize = 24
	// AEADOverhead is secretbox's fixed per-message tag overhead.
	AEADOverhead = secretbox.Overhead
)

// ErrOpenFailed is returned when AEAD authentication fails.
var ErrOpenFailed = errors.New("crypto: aead open failed")

// AEADCiphertextOverhead returns the number of bytes AEADSeal adds on top
// of the plaintext for a given associated-data length: secretbox's 16-byte
// Poly1305 tag plus the 4-byte AD length prefix plus the AD itself.
func AEADCiphertextOverhead(adLen int) int {
	return AEADOverhead + 4 + adLen
}

// AEADSeal encrypts plaintext under key and nonce (both derived, never
// transmitted, per spec §6) with associated data folded into the box by
// prefixing it to the plaintext before sealing and stripping it back off on
// open — secretbox has no native AD slot.
func AEADSeal(key [AEADKeySize]byte, nonce [AEADNonceSize]byte, plaintext, ad []byte) []byte {
	msg := make([]byte, 0, 4+len(ad)+len(plaintext))
	msg = appendAD(msg, ad)
	msg = append(msg, plaintext...)
	return secretbox.Seal(nil, msg, &nonce, &key)
}

// AEADOpen is the inverse of AEADSeal.
func AEADOpen(key [AEADKeySize]byte, nonce [AEADNonceSize]byte, ciphertext, ad []byte) ([]byte, error) {
	msg, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrOpenFailed
	}
	got, rest, err := splitAD(msg)
	if err != nil {
		return nil, err
	}
	if !hmacEqualBytes(got, ad) {
		return nil, ErrOpenFailed
	}
	return rest, nil
}

func appendAD(dst, ad []byte) []byte {
	n := len(ad)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, ad...)
}

func splitAD(msg []byte) (ad, rest []byte, err error) {
	if len(msg) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated associated data length", ErrOpenFailed)
	}
	n := int(msg[0])<<24 | int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3])
	if len(msg) < 4+n {
		return nil, nil, fmt.Errorf("%w: truncated associated data", ErrOpenFailed)
	}
	return msg[4 : 4+n], msg[4+n:], nil
}

func hmacEqualBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
