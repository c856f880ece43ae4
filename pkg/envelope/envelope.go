// Package envelope implements the command ciphertext envelope of spec
// component C5: encrypt/decrypt over a pkg/keychain generation, canonical
// little-endian wire encoding shared with HandshakeMessage, and the
// enclave signature that authenticates both the ciphertext and the
// enclave's state counter at the moment it was produced.
package envelope

import (
	"errors"
	"fmt"

	"github.com/anonify-go/core/internal/wire"
	"github.com/anonify-go/core/pkg/crypto"
	"github.com/anonify-go/core/pkg/keychain"
)

// AssociatedDataSize is the length of the envelope's AEAD associated data:
// epoch || roster_idx || generation, each a little-endian uint32.
const AssociatedDataSize = 12

// Overhead is the AEAD_OVERHEAD of spec §4.5: how many bytes an encrypted
// envelope adds over its plaintext, given AssociatedDataSize is fixed.
const Overhead = crypto.AEADOverhead + 4 + AssociatedDataSize

var (
	// ErrPlaintextTooLarge is returned when plaintext would not fit within
	// MAX_COMMAND_SIZE once padded.
	ErrPlaintextTooLarge = errors.New("envelope: plaintext exceeds max command size")
	// ErrBadCipher is returned when AEAD decryption fails.
	ErrBadCipher = errors.New("envelope: aead open failed")
)

// Signer produces an enclave signature and recovery id over a message, per
// spec §4.1/§4.5. Implemented by pkg/enclave.Context; declared here to
// avoid an import cycle between envelope and enclave.
type Signer interface {
	Sign(msg []byte) (sig []byte, recoveryID byte, err error)
}

// Envelope is the on-wire ciphertext envelope of spec §4.2.
type Envelope struct {
	Epoch          uint32
	RosterIdx      uint32
	Generation     uint32
	AEADCiphertext []byte
	EnclaveSig     []byte
	RecoveryID     byte
}

// Encrypt implements spec §4.5's encrypt operation: pad plaintext to
// MAX_COMMAND_SIZE-Overhead, seal it under the keychain's next generation
// key, and sign the envelope together with stateCounter so the signature
// binds the enclave's ingestion position at encryption time.
func Encrypt(
	plaintext []byte,
	myIdx int,
	maxCommandSize int,
	kc *keychain.Keychain,
	signer Signer,
	stateCounter uint64,
) (*Envelope, error) {
	paddedSize := maxCommandSize - Overhead
	if len(plaintext) > paddedSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPlaintextTooLarge, len(plaintext), paddedSize)
	}
	padded := make([]byte, paddedSize)
	copy(padded, plaintext)

	gen, aeadKey, aeadNonce, err := kc.Next()
	if err != nil {
		return nil, fmt.Errorf("ratcheting keychain: %w", err)
	}

	env := &Envelope{
		Epoch:      kc.Epoch(),
		RosterIdx:  uint32(myIdx),
		Generation: gen,
	}
	ad := associatedData(env.Epoch, env.RosterIdx, env.Generation)
	env.AEADCiphertext = crypto.AEADSeal(aeadKey, aeadNonce, padded, ad)

	if signer != nil {
		digest := signingDigest(env, stateCounter)
		sig, recID, sErr := signer.Sign(digest)
		if sErr != nil {
			return nil, fmt.Errorf("signing envelope: %w", sErr)
		}
		env.EnclaveSig = sig
		env.RecoveryID = recID
	}
	return env, nil
}

// Decrypt implements spec §4.5's decrypt operation, the inverse of
// Encrypt. Trailing zero padding is left in place; stripping it is the
// command schema's responsibility, not this layer's.
func Decrypt(env *Envelope, aeadKey [crypto.AEADKeySize]byte, aeadNonce [crypto.AEADNonceSize]byte) ([]byte, error) {
	ad := associatedData(env.Epoch, env.RosterIdx, env.Generation)
	pt, err := crypto.AEADOpen(aeadKey, aeadNonce, env.AEADCiphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCipher, err)
	}
	return pt, nil
}

func associatedData(epoch, rosterIdx, generation uint32) []byte {
	w := wire.NewWriter()
	w.PutUint32(epoch)
	w.PutUint32(rosterIdx)
	w.PutUint32(generation)
	return w.Bytes()
}

// signingDigest is hash_for_attested_tx from original_source: SHA256 of
// the envelope's fields (excluding the signature itself) concatenated with
// the state counter at signing time.
func signingDigest(env *Envelope, stateCounter uint64) []byte {
	w := wire.NewWriter()
	w.PutUint32(env.Epoch)
	w.PutUint32(env.RosterIdx)
	w.PutUint32(env.Generation)
	w.PutBytes(env.AEADCiphertext)
	w.PutUint64(stateCounter)
	return crypto.Sha256(w.Bytes())
}

// Encode serializes an Envelope to the canonical wire format.
func Encode(env *Envelope) []byte {
	w := wire.NewWriter()
	w.PutUint32(env.Epoch)
	w.PutUint32(env.RosterIdx)
	w.PutUint32(env.Generation)
	w.PutBytes(env.AEADCiphertext)
	w.PutBytes(env.EnclaveSig)
	w.PutUint8(env.RecoveryID)
	return w.Bytes()
}

// Decode parses an Envelope from the canonical wire format.
func Decode(b []byte) (*Envelope, error) {
	r := wire.NewReader(b)
	env := &Envelope{}
	var err error
	if env.Epoch, err = r.Uint32(); err != nil {
		return nil, fmt.Errorf("epoch: %w", err)
	}
	if env.RosterIdx, err = r.Uint32(); err != nil {
		return nil, fmt.Errorf("roster_idx: %w", err)
	}
	if env.Generation, err = r.Uint32(); err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	if env.AEADCiphertext, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("aead_ciphertext: %w", err)
	}
	if env.EnclaveSig, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("enclave_sig: %w", err)
	}
	if env.RecoveryID, err = r.Uint8(); err != nil {
		return nil, fmt.Errorf("recovery_id: %w", err)
	}
	return env, nil
}
