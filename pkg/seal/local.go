// Package seal implements the sealed secret store of spec component C7:
// a local encrypted path-secret store and an optional remote key-vault
// mirror, following the functional-options/fsync-then-rename shape of the
// teacher's storage.go.
package seal

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anonify-go/core/pkg/crypto"
)

var (
	// ErrNotFound is returned by Load when no path secret is sealed under id.
	ErrNotFound = errors.New("seal: path secret not found")
	// ErrSealIO is returned for local disk failures, fatal for that commit
	// per spec §7.
	ErrSealIO = errors.New("seal: local disk error")
	// ErrBadVersion is returned by Load when a sealed file's leading version
	// tag doesn't match versionTag.
	ErrBadVersion = errors.New("seal: unrecognized path secret file version")
)

// versionTag is the two-byte prefix every sealed path-secret file begins
// with, per spec.
var versionTag = [2]byte{0x01, 0x00}

const headerLen = len(versionTag) + 4 + 32 // version || epoch || identifier

// LocalStore is the directory-backed local store of spec §4.7: each path
// secret is sealed under a file named by the hex of its identifier (the
// SHA-256 of the handshake that produced it, see IdentifierFor), written
// atomically (temp file, fsync, rename). File contents carry the epoch and
// identifier in clear ahead of the sealed blob, so Load needs no separate
// index.
type LocalStore struct {
	dir     string
	sealKey [crypto.AEADKeySize]byte
}

// LocalStoreOption configures OpenLocalStore, following the teacher's
// StorageOption shape.
type LocalStoreOption func(*localStoreConfig)

type localStoreConfig struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// WithDirPermissions overrides the default 0740 directory permission used
// when creating the store's directory.
func WithDirPermissions(perm os.FileMode) LocalStoreOption {
	return func(c *localStoreConfig) { c.dirPerm = perm }
}

// OpenLocalStore opens (creating if absent) a directory-backed local store
// rooted at dir, sealing every file's contents with sealKey. sealKey is the
// enclave's sealing key; per spec §9's "Sealing semantics" note, on
// platforms without a hardware sealing capability this is a
// caller-supplied key-encryption-key derivation (see cmd/anonifyd's config
// loader), substituting for a TEE measurement-bound seal.
func OpenLocalStore(dir string, sealKey [crypto.AEADKeySize]byte, opts ...LocalStoreOption) (*LocalStore, error) {
	cfg := localStoreConfig{dirPerm: 0740, filePerm: 0600}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, fmt.Errorf("creating path secret directory %s: %w", dir, err)
	}

	slog.Info("opening sealed path secret store", slog.String("dir", dir))
	return &LocalStore{dir: dir, sealKey: sealKey}, nil
}

// Close is a no-op: a directory-backed store holds no long-lived handle.
func (s *LocalStore) Close() error { return nil }

func (s *LocalStore) pathFor(id [32]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(id[:]))
}

// Save seals secret (a 32-byte UnsealedPathSecret, spec §4.7) under id,
// recording epoch and id in clear ahead of the sealed blob, and writes the
// file atomically: write to a temp file in the same directory, fsync,
// rename over the final path.
func (s *LocalStore) Save(id [32]byte, epoch uint32, secret []byte) error {
	nonce, err := crypto.RandBytes(crypto.AEADNonceSize)
	if err != nil {
		return fmt.Errorf("generating seal nonce: %w", err)
	}
	var n [crypto.AEADNonceSize]byte
	copy(n[:], nonce)
	ciphertext := crypto.AEADSeal(s.sealKey, n, secret, id[:])

	blob := make([]byte, 0, headerLen+crypto.AEADNonceSize+len(ciphertext))
	blob = append(blob, versionTag[:]...)
	var epochBytes [4]byte
	binary.LittleEndian.PutUint32(epochBytes[:], epoch)
	blob = append(blob, epochBytes[:]...)
	blob = append(blob, id[:]...)
	blob = append(blob, n[:]...)
	blob = append(blob, ciphertext...)

	if err := writeFileAtomic(s.dir, s.pathFor(id), blob); err != nil {
		return fmt.Errorf("%w: %v", ErrSealIO, err)
	}
	return nil
}

// writeFileAtomic implements spec §5's "path-secret files are written
// atomically (write to temp, fsync, rename)": the temp file lives in dir so
// the final rename is same-filesystem and therefore atomic.
func writeFileAtomic(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".sealed-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Load returns the epoch and unsealed secret previously saved under id.
// Load is idempotent: it never mutates the store.
func (s *LocalStore) Load(id [32]byte) (epoch uint32, secret []byte, err error) {
	blob, readErr := os.ReadFile(s.pathFor(id))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrSealIO, readErr)
	}
	if len(blob) < headerLen+crypto.AEADNonceSize {
		return 0, nil, fmt.Errorf("%w: truncated record", ErrSealIO)
	}
	if blob[0] != versionTag[0] || blob[1] != versionTag[1] {
		return 0, nil, fmt.Errorf("%w: got %#x %#x", ErrBadVersion, blob[0], blob[1])
	}
	epoch = binary.LittleEndian.Uint32(blob[2:6])
	var gotID [32]byte
	copy(gotID[:], blob[6:headerLen])
	if gotID != id {
		return 0, nil, fmt.Errorf("%w: identifier mismatch in %s", ErrSealIO, s.pathFor(id))
	}

	var n [crypto.AEADNonceSize]byte
	copy(n[:], blob[headerLen:headerLen+crypto.AEADNonceSize])
	ciphertext := blob[headerLen+crypto.AEADNonceSize:]
	pt, decErr := crypto.AEADOpen(s.sealKey, n, ciphertext, id[:])
	if decErr != nil {
		return 0, nil, fmt.Errorf("%w: unsealing: %v", ErrSealIO, decErr)
	}
	return epoch, pt, nil
}

// IdentifierFor is the SHA-256 of handshake's encoded bytes, the hex of
// which names a path secret's on-disk identifier per spec §4.7 and
// original_source's handshake.hash() (see SPEC_FULL.md supplemented
// feature 1).
func IdentifierFor(encodedHandshake []byte) [32]byte {
	var id [32]byte
	copy(id[:], crypto.Sha256(encodedHandshake))
	return id
}
