package enclave

import (
	"errors"
	"sync/atomic"
)

// ErrStateSkew is returned by VerifyIncrement when the proposed next value
// does not immediately follow the current counter, per spec §7.
var ErrStateSkew = errors.New("enclave: state counter gap")

// StateCounter is the monotonic per-enclave counter of spec §4.8: one
// increment per ingested log record, used both as replay-protection
// associated data (the envelope signing digest, pkg/envelope) and as
// commit freshness. It is the single source of truth for how many records
// this enclave has processed, including Poisoned ones.
type StateCounter struct {
	value atomic.Uint64
}

// Value returns the current counter value.
func (c *StateCounter) Value() uint64 { return c.value.Load() }

// VerifyIncrement checks that observed equals the current value and, if
// so, advances it by one. Per the supplemented ordering in SPEC_FULL.md
// (grounded on original_source's verify_state_counter_increment), the
// caller must call this before processing the record's body, so the
// counter still advances even if handshake or ciphertext processing fails
// afterward.
func (c *StateCounter) VerifyIncrement(observed uint64) error {
	current := c.value.Load()
	if observed != current {
		return ErrStateSkew
	}
	c.value.Store(current + 1)
	return nil
}
