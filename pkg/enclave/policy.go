package enclave

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ChallengeSize matches the teacher's resumeChallengeSize.
const ChallengeSize = 32

// ErrChallengeVerifyFailed is returned when a challenge response does not
// verify under the claimed public key.
var ErrChallengeVerifyFailed = errors.New("enclave: challenge verification failed")

// AccessPolicy implements spec §4.8's access policy: an Ed25519
// challenge-response that authenticates a command as coming from the
// holder of pubkey, and derives a stable account_id from it.
type AccessPolicy struct{}

// NewChallenge generates a fresh random challenge for a caller to sign.
func (AccessPolicy) NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	return c, nil
}

// Verify checks that sig is a valid Ed25519 signature over challenge under
// pubkey.
func (AccessPolicy) Verify(pubkey, challenge, sig []byte) error {
	if len(pubkey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size", ErrChallengeVerifyFailed)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubkey), challenge, sig) {
		return ErrChallengeVerifyFailed
	}
	return nil
}

// AccountID derives the stable account identifier for pubkey:
// BLAKE2b-256(pubkey), per spec §4.8.
func (AccessPolicy) AccountID(pubkey []byte) [32]byte {
	return blake2b.Sum256(pubkey)
}
