// Package runtime implements a reference host Runtime and Store collaborator
// (spec §6) for the ingestion pipeline's execute/get/put_batch capability
// sets: a deterministic ERC20-like program, and a bbolt-backed sealed
// key-value store for its account state.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/anonify-go/core/pkg/crypto"
	"github.com/anonify-go/core/pkg/ingest"
)

var stateBucket = []byte("account-state")

// BoltStore is the sealed KV store collaborator of spec §6: values are
// opaque sealed blobs the ingestion pipeline never interprets. Grounded on
// the teacher's pkg/store bbolt bucket layout, adapted to arbitrary
// (account_id, mem_id) state.
type BoltStore struct {
	db      *bolt.DB
	sealKey [crypto.AEADKeySize]byte
}

// OpenBoltStore opens (creating if absent) a bbolt-backed store at path,
// sealing every value with sealKey.
func OpenBoltStore(path string, sealKey [crypto.AEADKeySize]byte) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0740); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating state bucket: %w", err)
	}
	return &BoltStore{db: db, sealKey: sealKey}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error { return s.db.Close() }

func stateKey(accountID [32]byte, memID string) []byte {
	return append(append([]byte{}, accountID[:]...), []byte("|"+memID)...)
}

// Get implements ingest.StateGetter.
func (s *BoltStore) Get(accountID [32]byte, memID string) ([]byte, bool, error) {
	key := stateKey(accountID, memID)
	var plaintext []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket(stateBucket).Get(key)
		if blob == nil {
			return nil
		}
		pt, err := s.unseal(accountID, blob)
		if err != nil {
			return err
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return plaintext, plaintext != nil, nil
}

// PutBatch implements ingest.Store, sealing and writing every update
// inside one durable bbolt transaction.
func (s *BoltStore) PutBatch(updates []ingest.UpdatedState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		for _, u := range updates {
			blob, err := s.seal(u.AccountID, u.NewValue)
			if err != nil {
				return err
			}
			if err := bucket.Put(stateKey(u.AccountID, u.MemID), blob); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) seal(accountID [32]byte, plaintext []byte) ([]byte, error) {
	nonce, err := crypto.RandBytes(crypto.AEADNonceSize)
	if err != nil {
		return nil, fmt.Errorf("generating seal nonce: %w", err)
	}
	var n [crypto.AEADNonceSize]byte
	copy(n[:], nonce)
	ciphertext := crypto.AEADSeal(s.sealKey, n, plaintext, accountID[:])
	return append(append([]byte{}, n[:]...), ciphertext...), nil
}

func (s *BoltStore) unseal(accountID [32]byte, blob []byte) ([]byte, error) {
	if len(blob) < crypto.AEADNonceSize {
		return nil, fmt.Errorf("runtime: truncated sealed state record")
	}
	var n [crypto.AEADNonceSize]byte
	copy(n[:], blob[:crypto.AEADNonceSize])
	return crypto.AEADOpen(s.sealKey, n, blob[crypto.AEADNonceSize:], accountID[:])
}
