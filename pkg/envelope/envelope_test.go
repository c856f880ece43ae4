package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonify-go/core/pkg/crypto"
	"github.com/anonify-go/core/pkg/keychain"
)

type fakeSigner struct {
	key *crypto.DHKeyPair
}

func (f *fakeSigner) Sign(msg []byte) ([]byte, byte, error) {
	return crypto.Sign(f.key, msg)
}

func appSecret(t *testing.T) []byte {
	t.Helper()
	s, err := crypto.RandBytes(crypto.KeySize)
	require.NoError(t, err)
	return s
}

const maxCommandSize = 512

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a := assert.New(t)
	secret := appSecret(t)

	sender, err := keychain.New(secret, 2, 0, keychain.DefaultWindow)
	require.NoError(t, err)
	receiver, err := keychain.New(secret, 2, 0, keychain.DefaultWindow)
	require.NoError(t, err)

	signingKey, err := crypto.GenerateDH()
	require.NoError(t, err)
	signer := &fakeSigner{key: signingKey}

	plaintext := []byte("transfer{to=0x01,amount=5}")
	env, err := Encrypt(plaintext, 2, maxCommandSize, sender, signer, 7)
	require.NoError(t, err)

	a.True(crypto.Verify(signingKey.Public, signingDigest(env, 7), env.EnclaveSig, env.RecoveryID))

	aeadKey, aeadNonce, err := receiver.Accept(env.Generation)
	require.NoError(t, err)

	pt, err := Decrypt(env, aeadKey, aeadNonce)
	require.NoError(t, err)
	a.Equal(plaintext, pt[:len(plaintext)])
	for _, b := range pt[len(plaintext):] {
		a.Zero(b, "padding must be zero-filled")
	}
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	secret := appSecret(t)
	sender, err := keychain.New(secret, 0, 0, keychain.DefaultWindow)
	require.NoError(t, err)

	huge := make([]byte, maxCommandSize)
	_, err = Encrypt(huge, 0, maxCommandSize, sender, nil, 0)
	assert.ErrorIs(t, err, ErrPlaintextTooLarge)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	secretA := appSecret(t)
	secretB := appSecret(t)

	sender, err := keychain.New(secretA, 0, 0, keychain.DefaultWindow)
	require.NoError(t, err)
	wrongReceiver, err := keychain.New(secretB, 0, 0, keychain.DefaultWindow)
	require.NoError(t, err)

	env, err := Encrypt([]byte("hi"), 0, maxCommandSize, sender, nil, 0)
	require.NoError(t, err)

	aeadKey, aeadNonce, err := wrongReceiver.Accept(env.Generation)
	require.NoError(t, err)

	_, err = Decrypt(env, aeadKey, aeadNonce)
	assert.ErrorIs(t, err, ErrBadCipher)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := assert.New(t)
	secret := appSecret(t)
	sender, err := keychain.New(secret, 1, 3, keychain.DefaultWindow)
	require.NoError(t, err)

	env, err := Encrypt([]byte("payload"), 1, maxCommandSize, sender, nil, 4)
	require.NoError(t, err)

	encoded := Encode(env)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	a.Equal(env.Epoch, decoded.Epoch)
	a.Equal(env.RosterIdx, decoded.RosterIdx)
	a.Equal(env.Generation, decoded.Generation)
	a.Equal(env.AEADCiphertext, decoded.AEADCiphertext)
}

func TestEnvelopeLengthIsConstantRegardlessOfPlaintextLength(t *testing.T) {
	a := assert.New(t)
	secret := appSecret(t)
	sender, err := keychain.New(secret, 0, 0, keychain.DefaultWindow)
	require.NoError(t, err)

	short, err := Encrypt([]byte("a"), 0, maxCommandSize, sender, nil, 0)
	require.NoError(t, err)
	long, err := Encrypt(make([]byte, maxCommandSize-Overhead), 0, maxCommandSize, sender, nil, 0)
	require.NoError(t, err)

	a.Equal(len(short.AEADCiphertext), len(long.AEADCiphertext))
}
