package keychain

import (
	"errors"
	"fmt"
)

// ErrStaleEpoch is returned when a record's epoch is older than the
// registry will still resolve a keychain for (spec §4.6 step 3a).
var ErrStaleEpoch = errors.New("keychain: stale epoch")

// Registry holds the live Keychain set for the current epoch and the one
// immediately prior, so a command still in flight when an epoch bump lands
// can be decrypted. Anything older is StaleEpoch.
type Registry struct {
	window int

	epoch    uint32
	current  map[int]*Keychain
	previous map[int]*Keychain
}

// NewRegistry builds an empty Registry at epoch 0.
func NewRegistry(window int) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Registry{
		window:   window,
		current:  make(map[int]*Keychain),
		previous: make(map[int]*Keychain),
	}
}

// Advance moves the registry to newEpoch, moving the current epoch's
// keychains into previous (retained only for StaleEpoch tolerance of
// records still arriving for the outgoing epoch) and clearing everything
// older. Per spec §4.3 step 6 the application secret and all member
// secrets for the outgoing epoch are zeroized by the caller; Advance only
// manages which (roster_idx, epoch) keychains this registry will still
// resolve.
func (r *Registry) Advance(newEpoch uint32) {
	r.previous = r.current
	r.current = make(map[int]*Keychain)
	r.epoch = newEpoch
}

// Epoch returns the current epoch.
func (r *Registry) Epoch() uint32 { return r.epoch }

// Resolve returns the Keychain for (rosterIdx, epoch), lazily deriving it
// from appSecret on first use, for whichever of the current or immediately
// prior epoch the caller asks for. Any older epoch is ErrStaleEpoch.
func (r *Registry) Resolve(rosterIdx int, epoch uint32, appSecret []byte) (*Keychain, error) {
	switch {
	case epoch == r.epoch:
		return r.resolveIn(r.current, rosterIdx, epoch, appSecret)
	case r.epoch > 0 && epoch == r.epoch-1:
		return r.resolveIn(r.previous, rosterIdx, epoch, appSecret)
	case epoch < r.epoch:
		return nil, fmt.Errorf("%w: envelope epoch %d, current %d", ErrStaleEpoch, epoch, r.epoch)
	default:
		// epoch > r.epoch: the caller has not yet observed this epoch's
		// handshake commit; treat as stale-in-the-future, same disposition.
		return nil, fmt.Errorf("%w: envelope epoch %d ahead of current %d", ErrStaleEpoch, epoch, r.epoch)
	}
}

func (r *Registry) resolveIn(set map[int]*Keychain, rosterIdx int, epoch uint32, appSecret []byte) (*Keychain, error) {
	if kc, ok := set[rosterIdx]; ok {
		return kc, nil
	}
	kc, err := New(appSecret, rosterIdx, epoch, r.window)
	if err != nil {
		return nil, err
	}
	set[rosterIdx] = kc
	return kc, nil
}
