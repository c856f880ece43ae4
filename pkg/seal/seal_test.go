package seal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonify-go/core/pkg/crypto"
)

func openStore(t *testing.T) (*LocalStore, [crypto.AEADKeySize]byte) {
	t.Helper()
	var sealKey [crypto.AEADKeySize]byte
	copy(sealKey[:], mustRand(t, crypto.AEADKeySize))
	s, err := OpenLocalStore(filepath.Join(t.TempDir(), "secrets"), sealKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, sealKey
}

func mustRand(t *testing.T, n int) []byte {
	t.Helper()
	b, err := crypto.RandBytes(n)
	require.NoError(t, err)
	return b
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := assert.New(t)
	store, _ := openStore(t)

	id := IdentifierFor([]byte("commit-1"))
	secret := mustRand(t, 32)

	require.NoError(t, store.Save(id, 7, secret))
	epoch, got, err := store.Load(id)
	require.NoError(t, err)
	a.Equal(uint32(7), epoch)
	a.Equal(secret, got)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, _ := openStore(t)
	_, _, err := store.Load(IdentifierFor([]byte("never-saved")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveWritesVersionTag(t *testing.T) {
	store, _ := openStore(t)
	id := IdentifierFor([]byte("versioned"))
	require.NoError(t, store.Save(id, 1, mustRand(t, 32)))

	blob, err := os.ReadFile(store.pathFor(id))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(blob), 2)
	assert.Equal(t, []byte{0x01, 0x00}, blob[:2])
}

func TestLoadRejectsBadVersionTag(t *testing.T) {
	store, _ := openStore(t)
	id := IdentifierFor([]byte("bad-version"))
	require.NoError(t, store.Save(id, 1, mustRand(t, 32)))

	path := store.pathFor(id)
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[0] = 0xFF
	require.NoError(t, os.WriteFile(path, blob, 0600))

	_, _, err = store.Load(id)
	assert.ErrorIs(t, err, ErrBadVersion)
}

// TestSurvivesReopen exercises the "save -> crash -> load" durability
// property: Save's temp-file-fsync-rename sequence means a fresh handle to
// the same directory must see the write even if the process restarts
// between Save and the next Load.
func TestSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	var sealKey [crypto.AEADKeySize]byte
	copy(sealKey[:], mustRand(t, crypto.AEADKeySize))

	id := IdentifierFor([]byte("commit-reopen"))
	secret := mustRand(t, 32)

	s1, err := OpenLocalStore(dir, sealKey)
	require.NoError(t, err)
	require.NoError(t, s1.Save(id, 3, secret))
	require.NoError(t, s1.Close())

	s2, err := OpenLocalStore(dir, sealKey)
	require.NoError(t, err)
	defer s2.Close()

	epoch, got, err := s2.Load(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), epoch)
	assert.Equal(t, secret, got)
}

type fakeTransport struct {
	failures int32
	calls    atomic.Int32
}

func (f *fakeTransport) PutSealedSecret(_ context.Context, _ [32]byte, _ uint32, _ []byte) error {
	n := f.calls.Add(1)
	if n <= int32(f.failures) {
		return errors.New("fake: transient failure")
	}
	return nil
}

func TestVaultMirrorRetriesThenSucceeds(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	m := NewVaultMirror(transport, BackoffConfig{
		InitialDelay: 1, MaxDelay: 2, Multiplier: 2, MaxAttempts: 5, Jitter: 0,
	})

	err := m.Mirror(context.Background(), IdentifierFor([]byte("x")), 0, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), transport.calls.Load())
}

func TestVaultMirrorExhaustsAttempts(t *testing.T) {
	transport := &fakeTransport{failures: 100}
	m := NewVaultMirror(transport, BackoffConfig{
		InitialDelay: 1, MaxDelay: 2, Multiplier: 2, MaxAttempts: 3, Jitter: 0,
	})

	err := m.Mirror(context.Background(), IdentifierFor([]byte("x")), 0, []byte("blob"))
	require.Error(t, err)
	assert.Equal(t, int32(3), transport.calls.Load())
}

type fakeRemote struct {
	secrets map[[32]byte][]byte
	epochs  map[[32]byte]uint32
}

func (f *fakeRemote) FetchSealedSecret(_ context.Context, id [32]byte) (uint32, []byte, error) {
	secret, ok := f.secrets[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	return f.epochs[id], secret, nil
}

func TestRecoverPrefersLocalThenRemoteThenDerivation(t *testing.T) {
	store, _ := openStore(t)

	localID := IdentifierFor([]byte("local"))
	remoteID := IdentifierFor([]byte("remote"))
	derivedID := IdentifierFor([]byte("derived"))
	lostID := IdentifierFor([]byte("lost"))

	localSecret := mustRand(t, 32)
	require.NoError(t, store.Save(localID, 1, localSecret))

	remoteSecret := mustRand(t, 32)
	remote := &fakeRemote{
		secrets: map[[32]byte][]byte{remoteID: remoteSecret},
		epochs:  map[[32]byte]uint32{remoteID: 2},
	}

	derivedSecret := mustRand(t, 32)
	derivedCalls := 0

	records := []RecoveryRecord{
		{ID: localID, Epoch: 1, WasMember: true},
		{ID: remoteID, Epoch: 2, WasMember: true},
		{
			ID: derivedID, Epoch: 3, WasMember: true,
			DeriveFromCiphertexts: func() (uint32, []byte, error) {
				derivedCalls++
				return 3, derivedSecret, nil
			},
		},
		{ID: lostID, Epoch: 4, WasMember: true},
	}

	unrecoverable, has, err := Recover(context.Background(), store, remote, records)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, uint32(4), unrecoverable)
	assert.Equal(t, 1, derivedCalls)

	_, got, err := store.Load(remoteID)
	require.NoError(t, err)
	assert.Equal(t, remoteSecret, got)

	_, got, err = store.Load(derivedID)
	require.NoError(t, err)
	assert.Equal(t, derivedSecret, got)
}

func TestRecoverSkipsRecordsNotLocallyAMember(t *testing.T) {
	store, _ := openStore(t)
	records := []RecoveryRecord{
		{ID: IdentifierFor([]byte("before-join")), Epoch: 0, WasMember: false},
	}
	_, has, err := Recover(context.Background(), store, nil, records)
	require.NoError(t, err)
	assert.False(t, has)
}
