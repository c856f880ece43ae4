package enclave

import (
	"crypto/ed25519"
	"crypto/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateEd25519(t *testing.T) (pub, priv []byte, err error) {
	t.Helper()
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p, s, nil
}

func signEd25519(priv []byte, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

func TestAttesterRoundTrip(t *testing.T) {
	for _, scheme := range []Scheme{SchemeEd25519, SchemeMLDSA65} {
		t.Run(scheme.String(), func(t *testing.T) {
			a := assert.New(t)

			att, err := NewAttester(scheme)
			require.NoError(t, err)

			msg := []byte("attested-report")
			sig, err := att.Sign(msg)
			require.NoError(t, err)

			a.True(VerifyAttestation(scheme, att.PublicKey(), msg, sig))

			tampered := slices.Clone(sig)
			tampered[0] ^= 0xFF
			a.False(VerifyAttestation(scheme, att.PublicKey(), msg, tampered))
		})
	}
}

func TestContextQuoteBindsKeys(t *testing.T) {
	a := assert.New(t)

	ctx, err := NewContext(SchemeEd25519)
	require.NoError(t, err)

	quote, err := ctx.Quote()
	require.NoError(t, err)
	a.Equal(ctx.PublicKey(), quote.TxSigningKey)
	a.True(VerifyQuote(quote))

	quote.TxSigningKey = []byte("forged")
	a.False(VerifyQuote(quote))
}

func TestAccessPolicyChallengeResponse(t *testing.T) {
	a := assert.New(t)
	var policy AccessPolicy

	pub, priv, err := generateEd25519(t)
	require.NoError(t, err)

	challenge, err := policy.NewChallenge()
	require.NoError(t, err)

	sig := signEd25519(priv, challenge)
	require.NoError(t, policy.Verify(pub, challenge, sig))

	wrongChallenge, err := policy.NewChallenge()
	require.NoError(t, err)
	assert.ErrorIs(t, policy.Verify(pub, wrongChallenge, sig), ErrChallengeVerifyFailed)
}

func TestAccountIDIsStableAndDistinguishing(t *testing.T) {
	a := assert.New(t)
	var policy AccessPolicy

	pubA, _, err := generateEd25519(t)
	require.NoError(t, err)
	pubB, _, err := generateEd25519(t)
	require.NoError(t, err)

	a.Equal(policy.AccountID(pubA), policy.AccountID(pubA))
	a.NotEqual(policy.AccountID(pubA), policy.AccountID(pubB))
}

func TestStateCounterRejectsGaps(t *testing.T) {
	var c StateCounter

	require.NoError(t, c.VerifyIncrement(0))
	assert.Equal(t, uint64(1), c.Value())

	err := c.VerifyIncrement(5)
	assert.ErrorIs(t, err, ErrStateSkew)
	assert.Equal(t, uint64(1), c.Value(), "a rejected increment must not advance the counter")

	require.NoError(t, c.VerifyIncrement(1))
	assert.Equal(t, uint64(2), c.Value())
}

func TestNotificationRegistry(t *testing.T) {
	a := assert.New(t)
	reg := NewNotificationRegistry()
	var id [32]byte
	id[0] = 1

	a.False(reg.Registered(id))
	reg.Register(id)
	a.True(reg.Registered(id))
	reg.Unregister(id)
	a.False(reg.Registered(id))
}
