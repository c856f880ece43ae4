package keychain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonify-go/core/pkg/crypto"
)

func appSecret(t *testing.T) []byte {
	t.Helper()
	s, err := crypto.RandBytes(crypto.KeySize)
	require.NoError(t, err)
	return s
}

func TestInOrderDeliveryMatchesSenderKeys(t *testing.T) {
	a := assert.New(t)
	secret := appSecret(t)

	sender, err := New(secret, 3, 0, DefaultWindow)
	require.NoError(t, err)
	receiver, err := New(secret, 3, 0, DefaultWindow)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		gen, sk, sn, err := sender.Next()
		require.NoError(t, err)
		a.Equal(uint32(i), gen)

		rk, rn, err := receiver.Accept(gen)
		require.NoError(t, err)
		a.Equal(sk, rk)
		a.Equal(sn, rn)
	}
	a.Equal(uint32(5), receiver.ExpectedNext())
}

func TestOutOfOrderWithinWindowIsAccepted(t *testing.T) {
	a := assert.New(t)
	secret := appSecret(t)

	sender, err := New(secret, 0, 1, DefaultWindow)
	require.NoError(t, err)
	receiver, err := New(secret, 0, 1, DefaultWindow)
	require.NoError(t, err)

	var gens []uint32
	var keys [][crypto.AEADKeySize]byte
	var nonces [][crypto.AEADNonceSize]byte
	for i := 0; i < 4; i++ {
		gen, k, n, err := sender.Next()
		require.NoError(t, err)
		gens = append(gens, gen)
		keys = append(keys, k)
		nonces = append(nonces, n)
	}

	// Deliver generation 3 first: receiver must ratchet through 0-2,
	// remembering their keys for later out-of-order delivery.
	rk, rn, err := receiver.Accept(gens[3])
	require.NoError(t, err)
	a.Equal(keys[3], rk)
	a.Equal(nonces[3], rn)

	for _, i := range []int{0, 1, 2} {
		rk, rn, err := receiver.Accept(gens[i])
		require.NoError(t, err, "generation %d should still be deliverable", i)
		a.Equal(keys[i], rk)
		a.Equal(nonces[i], rn)
	}
}

func TestReplayIsRejected(t *testing.T) {
	secret := appSecret(t)
	sender, err := New(secret, 0, 0, DefaultWindow)
	require.NoError(t, err)
	receiver, err := New(secret, 0, 0, DefaultWindow)
	require.NoError(t, err)

	gen, _, _, err := sender.Next()
	require.NoError(t, err)

	_, _, err = receiver.Accept(gen)
	require.NoError(t, err)

	_, _, err = receiver.Accept(gen)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestGenerationBeyondWindowIsRejected(t *testing.T) {
	secret := appSecret(t)
	receiver, err := New(secret, 0, 0, 4)
	require.NoError(t, err)

	_, _, err = receiver.Accept(10)
	assert.ErrorIs(t, err, ErrWindowExceeded)
}

func TestRegistryResolvesCurrentAndPriorEpoch(t *testing.T) {
	reg := NewRegistry(DefaultWindow)

	secret0 := appSecret(t)
	kc0, err := reg.Resolve(1, 0, secret0)
	require.NoError(t, err)
	require.NotNil(t, kc0)

	// Same (rosterIdx, epoch) resolves to the same Keychain instance.
	kc0Again, err := reg.Resolve(1, 0, secret0)
	require.NoError(t, err)
	assert.Same(t, kc0, kc0Again)

	secret1 := appSecret(t)
	reg.Advance(1)
	kc1, err := reg.Resolve(1, 1, secret1)
	require.NoError(t, err)
	require.NotNil(t, kc1)

	// The prior epoch (0) is still resolvable against its old secret.
	kc0Prior, err := reg.Resolve(1, 0, secret0)
	require.NoError(t, err)
	assert.Same(t, kc0, kc0Prior)

	// Two epochs back is stale.
	reg.Advance(2)
	_, err = reg.Resolve(1, 0, secret0)
	assert.ErrorIs(t, err, ErrStaleEpoch)
}
