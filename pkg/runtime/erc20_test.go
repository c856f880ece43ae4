package runtime_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonify-go/core/pkg/crypto"
	"github.com/anonify-go/core/pkg/envelope"
	"github.com/anonify-go/core/pkg/handshake"
	"github.com/anonify-go/core/pkg/ingest"
	"github.com/anonify-go/core/pkg/keychain"
	"github.com/anonify-go/core/pkg/runtime"
	"github.com/anonify-go/core/pkg/seal"
)

func randomSecret(t *testing.T) []byte {
	t.Helper()
	b, err := crypto.RandPathSecret()
	require.NoError(t, err)
	return b
}

func randomKey(t *testing.T) [crypto.AEADKeySize]byte {
	t.Helper()
	var k [crypto.AEADKeySize]byte
	copy(k[:], randomSecret(t))
	return k
}

// harness wires a single member's Group, Pipeline, and BoltStore together
// so the spec §8 scenario tests can submit commands and read balances. The
// group is a single-member roster that founds itself with its own Update
// commit, reaching Member(epoch=1) with a real application secret before
// any command is encrypted, matching every other package's bootstrap
// convention (see pkg/ingest/ingest_test.go's bootstrapPair).
type harness struct {
	group   *handshake.Group
	store   *runtime.BoltStore
	pipe    *ingest.Pipeline
	sender  *keychain.Keychain
	nextSeq uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	group, err := handshake.Bootstrap(1, 0, randomSecret(t))
	require.NoError(t, err)
	_, _, err = group.CreateCommit(handshake.Update, 0, nil)
	require.NoError(t, err)

	store, err := runtime.OpenBoltStore(filepath.Join(t.TempDir(), "state.db"), randomKey(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sealer, err := seal.OpenLocalStore(filepath.Join(t.TempDir(), "secrets"), randomKey(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sealer.Close() })

	pipe := ingest.New(group, store, runtime.ERC20Runtime{}, sealer, 32)

	sender, err := keychain.New(group.AppSecret(), 0, group.Epoch(), 32)
	require.NoError(t, err)

	return &harness{group: group, store: store, pipe: pipe, sender: sender}
}

// submit encrypts a command under the harness's own sender-side keychain
// (kept in lockstep with the pipeline's receiver-side keychain because
// every submission is ingested immediately, in order) and feeds it through
// the pipeline as the next log record.
func (h *harness) submit(t *testing.T, kindID uint32, caller [32]byte, args []byte) {
	t.Helper()
	plaintext := ingest.EncodeCommand(kindID, caller, args)
	env, err := envelope.Encrypt(plaintext, 0, 512, h.sender, nil, h.pipe.StateCounter())
	require.NoError(t, err)

	disp, err := h.pipe.Ingest(ingest.LogRecord{Seq: h.nextSeq, Kind: ingest.KindCiphertext, Envelope: env})
	require.NoError(t, err)
	require.Equal(t, ingest.Applied, disp)
	h.nextSeq++
}

func (h *harness) balanceOf(t *testing.T, acct [32]byte) uint64 {
	t.Helper()
	v, err := runtime.BalanceOf(h.store, acct)
	require.NoError(t, err)
	return v
}

func (h *harness) allowance(t *testing.T, owner, spender [32]byte) uint64 {
	t.Helper()
	v, err := runtime.Allowance(h.store, owner, spender)
	require.NoError(t, err)
	return v
}

func account(b byte) [32]byte {
	var a [32]byte
	a[0] = b
	return a
}

func TestScenario1_InitAndBalanceOf(t *testing.T) {
	h := newHarness(t)
	owner, bob := account(1), account(2)

	h.submit(t, runtime.KindConstruct, owner, runtime.EncodeConstruct(100))

	assert.Equal(t, uint64(100), h.balanceOf(t, owner))
	assert.Equal(t, uint64(0), h.balanceOf(t, bob))
}

func TestScenario2_Transfer(t *testing.T) {
	h := newHarness(t)
	owner, bob := account(1), account(2)

	h.submit(t, runtime.KindConstruct, owner, runtime.EncodeConstruct(100))
	h.submit(t, runtime.KindTransfer, owner, runtime.EncodeTransfer(bob, 30))

	assert.Equal(t, uint64(70), h.balanceOf(t, owner))
	assert.Equal(t, uint64(30), h.balanceOf(t, bob))
}

func TestScenario3_ApproveAndTransferFrom(t *testing.T) {
	h := newHarness(t)
	owner, bob, carol := account(1), account(2), account(3)

	h.submit(t, runtime.KindConstruct, owner, runtime.EncodeConstruct(100))
	h.submit(t, runtime.KindTransfer, owner, runtime.EncodeTransfer(bob, 30))
	h.submit(t, runtime.KindApprove, owner, runtime.EncodeApprove(bob, 20))
	h.submit(t, runtime.KindTransferFrom, bob, runtime.EncodeTransferFrom(owner, carol, 15))

	assert.Equal(t, uint64(55), h.balanceOf(t, owner))
	assert.Equal(t, uint64(30), h.balanceOf(t, bob))
	assert.Equal(t, uint64(15), h.balanceOf(t, carol))
	assert.Equal(t, uint64(5), h.allowance(t, owner, bob))
}

func TestTransferInsufficientBalanceIsPoisoned(t *testing.T) {
	h := newHarness(t)
	owner, bob := account(1), account(2)

	h.submit(t, runtime.KindConstruct, owner, runtime.EncodeConstruct(10))

	plaintext := ingest.EncodeCommand(runtime.KindTransfer, owner, runtime.EncodeTransfer(bob, 999))
	env, err := envelope.Encrypt(plaintext, 0, 512, h.sender, nil, h.pipe.StateCounter())
	require.NoError(t, err)

	disp, err := h.pipe.Ingest(ingest.LogRecord{Seq: h.nextSeq, Kind: ingest.KindCiphertext, Envelope: env})
	h.nextSeq++
	assert.Error(t, err)
	assert.Equal(t, ingest.Poisoned, disp)
	assert.Equal(t, uint64(10), h.balanceOf(t, owner))
}
