// Package crypto implements the primitive operations of the confidential
// runtime's control plane: key derivation, secp256k1 Diffie-Hellman,
// AEAD sealing, and enclave signatures. It never touches group or session
// state; callers own that.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length, in bytes, of a path secret, node secret,
	// application secret, or derived key produced by this package.
	KeySize = 32

	labelPrefix = "anonify "
)

// HKDFExtract implements RFC 5869 HKDF-Extract over SHA-256.
func HKDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// HKDFExpand implements RFC 5869 HKDF-Expand over SHA-256, reading L bytes
// of output keying material from prk under info.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// ExpandLabel is expand_label from spec §4.1: it prefixes label with
// "anonify " for domain separation, concatenates the (length-prefixed)
// context, and runs HKDF-Expand over prk to produce L bytes.
func ExpandLabel(prk []byte, label string, context []byte, length int) ([]byte, error) {
	info := buildLabelInfo(label, context, length)
	return HKDFExpand(prk, info, length)
}

// buildLabelInfo renders the HKDF info string as
// uint16(length) || uint8(len(label)) || label || uint8(len(context)) || context,
// a flat encoding cheap enough to not need internal/wire.
func buildLabelInfo(label string, context []byte, length int) []byte {
	full := labelPrefix + label
	buf := make([]byte, 0, 2+1+len(full)+1+len(context))
	buf = append(buf, byte(length>>8), byte(length))
	buf = append(buf, byte(len(full)))
	buf = append(buf, full...)
	buf = append(buf, byte(len(context)))
	buf = append(buf, context...)
	return buf
}
