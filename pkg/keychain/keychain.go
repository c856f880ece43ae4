// Package keychain implements the application keychain of spec component
// C4: a per-(roster_idx, epoch) symmetric ratchet over the tree's
// application secret, producing a fresh AEAD key+nonce for every command
// generation. It generalizes the teacher's pkg/ratchet kdfChain from a
// single 2-party chain to one chain per roster member.
package keychain

import (
	"errors"
	"fmt"

	"github.com/anonify-go/core/pkg/crypto"
)

// DefaultWindow is the out-of-order window W of spec §4.4.
const DefaultWindow = 32

var (
	// ErrReplay is returned for a generation already consumed or fallen
	// outside the out-of-order window.
	ErrReplay = errors.New("keychain: replayed or expired generation")
	// ErrWindowExceeded is returned when a generation is too far ahead of
	// expected_next to fit in the window.
	ErrWindowExceeded = errors.New("keychain: generation exceeds out-of-order window")
)

// memberKey is one ratchet key, K[g], along with the AEAD key+nonce derived
// from it per spec §4.4.
type memberKey struct {
	aeadKey   [crypto.AEADKeySize]byte
	aeadNonce [crypto.AEADNonceSize]byte
}

// Keychain is the ratchet for a single (roster_idx, epoch) pair. A sender
// holds the forward chain and walks it with Next; a receiver holds the same
// chain and walks it with Accept, tolerating reordering within Window.
type Keychain struct {
	rosterIdx int
	epoch     uint32
	window    int

	current []byte // K[g], not yet advanced past the next unconsumed generation
	nextGen uint32 // the sender's next generation to emit

	expectedNext uint32               // receiver: next in-order generation
	skipped      map[uint32]memberKey // receiver: keys held for out-of-order delivery
}

// New derives K[0] = HKDF(app_secret, "member" || roster_idx) and returns a
// Keychain ready to be used as either a sender or receiver chain.
func New(appSecret []byte, rosterIdx int, epoch uint32, window int) (*Keychain, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	k0, err := crypto.ExpandLabel(appSecret, "member", rosterIdxBytes(rosterIdx), crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("keychain: deriving K[0]: %w", err)
	}
	return &Keychain{
		rosterIdx: rosterIdx,
		epoch:     epoch,
		window:    window,
		current:   k0,
		skipped:   make(map[uint32]memberKey),
	}, nil
}

func rosterIdxBytes(idx int) []byte {
	return []byte{
		byte(idx >> 24), byte(idx >> 16), byte(idx >> 8), byte(idx),
	}
}

// ratchet derives K[g+1] = HKDF(K[g], "ratchet") and the (aead_key,
// aead_nonce) pair for K[g], per spec §4.4.
func ratchet(kg []byte) (next []byte, keyNonce memberKey, err error) {
	next, err = crypto.ExpandLabel(kg, "ratchet", nil, crypto.KeySize)
	if err != nil {
		return nil, memberKey{}, fmt.Errorf("deriving next key: %w", err)
	}
	material, err := crypto.ExpandLabel(kg, "aead", nil, crypto.AEADKeySize+crypto.AEADNonceSize)
	if err != nil {
		return nil, memberKey{}, fmt.Errorf("deriving aead key+nonce: %w", err)
	}
	copy(keyNonce.aeadKey[:], material[:crypto.AEADKeySize])
	copy(keyNonce.aeadNonce[:], material[crypto.AEADKeySize:])
	return next, keyNonce, nil
}

// Next emits the next generation on the sender's forward chain: it derives
// (aead_key, aead_nonce) from the current K[g], advances to K[g+1], and
// discards K[g] per spec §4.4 invariant (a).
func (k *Keychain) Next() (generation uint32, aeadKey [crypto.AEADKeySize]byte, aeadNonce [crypto.AEADNonceSize]byte, err error) {
	next, kn, err := ratchet(k.current)
	if err != nil {
		return 0, aeadKey, aeadNonce, err
	}
	generation = k.nextGen
	k.current = next
	k.nextGen++
	return generation, kn.aeadKey, kn.aeadNonce, nil
}

// Accept resolves the (aead_key, aead_nonce) for a received generation,
// windowed per spec §4.4 invariants (b) and (c). Accepting g == expectedNext
// advances the chain in order; accepting g > expectedNext ratchets forward,
// remembering the skipped intermediate keys for later out-of-order delivery;
// accepting a previously skipped g consumes and forgets it; anything older
// than expectedNext-W, or already consumed, is a replay.
func (k *Keychain) Accept(generation uint32) (aeadKey [crypto.AEADKeySize]byte, aeadNonce [crypto.AEADNonceSize]byte, err error) {
	if mk, ok := k.skipped[generation]; ok {
		delete(k.skipped, generation)
		return mk.aeadKey, mk.aeadNonce, nil
	}

	if generation < k.expectedNext {
		return aeadKey, aeadNonce, fmt.Errorf("%w: generation %d < expected %d", ErrReplay, generation, k.expectedNext)
	}
	if int64(generation)-int64(k.expectedNext) >= int64(k.window) {
		return aeadKey, aeadNonce, fmt.Errorf("%w: generation %d, expected %d, window %d", ErrWindowExceeded, generation, k.expectedNext, k.window)
	}

	for g := k.expectedNext; g < generation; g++ {
		next, mk, rErr := ratchet(k.current)
		if rErr != nil {
			return aeadKey, aeadNonce, rErr
		}
		k.current = next
		k.skipped[g] = mk
		k.pruneSkipped(g)
	}

	next, mk, rErr := ratchet(k.current)
	if rErr != nil {
		return aeadKey, aeadNonce, rErr
	}
	k.current = next
	k.expectedNext = generation + 1
	k.pruneSkipped(generation)
	return mk.aeadKey, mk.aeadNonce, nil
}

// pruneSkipped discards any remembered key older than current-window,
// per spec §4.4 invariant (c).
func (k *Keychain) pruneSkipped(current uint32) {
	floor := int64(current) - int64(k.window)
	for g := range k.skipped {
		if int64(g) < floor {
			delete(k.skipped, g)
		}
	}
}

// RosterIdx returns the roster index this keychain is scoped to.
func (k *Keychain) RosterIdx() int { return k.rosterIdx }

// Epoch returns the epoch this keychain is scoped to.
func (k *Keychain) Epoch() uint32 { return k.epoch }

// ExpectedNext returns the receiver's next in-order generation.
func (k *Keychain) ExpectedNext() uint32 { return k.expectedNext }
