package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandLabelDeterministic(t *testing.T) {
	a := assert.New(t)

	prk, err := RandBytes(KeySize)
	require.NoError(t, err)

	out1, err := ExpandLabel(prk, "node", nil, KeySize)
	require.NoError(t, err)
	out2, err := ExpandLabel(prk, "node", nil, KeySize)
	require.NoError(t, err)
	a.Equal(out1, out2, "ExpandLabel must be deterministic")

	other, err := ExpandLabel(prk, "path", nil, KeySize)
	require.NoError(t, err)
	a.NotEqual(out1, other, "different labels must yield different output")
}

func TestDHSharedSecretAgrees(t *testing.T) {
	a := assert.New(t)

	alice, err := GenerateDH()
	require.NoError(t, err)
	bob, err := GenerateDH()
	require.NoError(t, err)

	s1, err := alice.ECDH(bob.Public)
	require.NoError(t, err)
	s2, err := bob.ECDH(alice.Public)
	require.NoError(t, err)

	a.Equal(s1, s2, "both sides must agree on the shared point")
}

func TestAEADRoundTrip(t *testing.T) {
	a := assert.New(t)

	var key [AEADKeySize]byte
	k, err := RandBytes(AEADKeySize)
	require.NoError(t, err)
	copy(key[:], k)

	var nonce [AEADNonceSize]byte
	n, err := RandBytes(AEADNonceSize)
	require.NoError(t, err)
	copy(nonce[:], n)

	ad := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}
	plaintext := []byte("transfer{amount=30}")

	ct := AEADSeal(key, nonce, plaintext, ad)
	a.Equal(len(plaintext)+AEADCiphertextOverhead(len(ad)), len(ct))

	pt, err := AEADOpen(key, nonce, ct, ad)
	require.NoError(t, err)
	a.Equal(plaintext, pt)

	_, err = AEADOpen(key, nonce, ct, []byte{0, 0, 0, 9, 0, 0, 0, 2, 0, 0, 0, 3})
	a.ErrorIs(err, ErrOpenFailed, "mismatched AD must fail to open")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	a := assert.New(t)

	key, err := GenerateDH()
	require.NoError(t, err)

	msg := []byte("epoch-commit")
	sig, recID, err := Sign(key, msg)
	require.NoError(t, err)

	a.True(Verify(key.Public, msg, sig, recID))
	a.False(Verify(key.Public, []byte("tampered"), sig, recID))
}
