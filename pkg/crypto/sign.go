package crypto

import (
	"fmt"

	luxcrypto "github.com/luxfi/crypto"
)

// Sign produces a secp256k1 ECDSA signature over SHA-256(msg) with the
// enclave's signing key, returning the 64-byte (r,s) signature and the
// recovery id separately, matching the Envelope.recovery_id field of
// spec §3.
func Sign(priv *DHKeyPair, msg []byte) (sig []byte, recoveryID byte, err error) {
	digest := Sha256(msg)
	full, err := luxcrypto.Sign(digest, priv.Private)
	if err != nil {
		return nil, 0, fmt.Errorf("signing: %w", err)
	}
	if len(full) != 65 {
		return nil, 0, fmt.Errorf("unexpected signature length %d", len(full))
	}
	return full[:64], full[64], nil
}

// Verify checks a detached (sig, recoveryID) pair against a public key by
// recovering the signer and comparing it to pub, then falling back to a
// direct verification if recovery is unavailable.
func Verify(pub []byte, msg, sig []byte, recoveryID byte) bool {
	digest := Sha256(msg)
	full := make([]byte, 65)
	copy(full, sig)
	full[64] = recoveryID
	recovered, err := luxcrypto.Ecrecover(digest, full)
	if err == nil {
		return bytesEqual(recovered, pub)
	}
	return luxcrypto.VerifySignature(pub, digest, sig)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
