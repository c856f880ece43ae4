package tree

import (
	"fmt"

	"github.com/anonify-go/core/pkg/crypto"
)

// EncryptedPathSecret is one ciphertext of path_updates: a newly derived
// path secret, encrypted toward one resolution member so it can recover it.
type EncryptedPathSecret struct {
	// Level counts ancestor steps from the updater's leaf; 0 is the
	// updater's parent, increasing toward the root.
	Level int
	// Target is the arena slot of the resolution member that can decrypt
	// this entry (a leaf, or an internal node whose private key every
	// descendant leaf already holds).
	Target int
	// Ciphertext is AEAD-sealed with a key derived from
	// ECDH(updater's new private key at Level, Target's public key).
	Ciphertext []byte
	Nonce      [crypto.AEADNonceSize]byte
}

// UpdateMyPath derives a fresh direct-path chain from newLeafSecret and
// encrypts the resulting path secrets toward every copath resolution
// member, per spec §4.2.
func (t *Tree) UpdateMyPath(newLeafSecret []byte) (pathPublicKeys [][]byte, encrypted []EncryptedPathSecret, err error) {
	leafSlot := t.leafSlot(t.myIdx)
	pathSecret := newLeafSecret

	pub, priv, secret, parentSecret, err := deriveNodeValues(pathSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving leaf: %w", err)
	}
	t.nodes[leafSlot] = &node{public: pub, private: priv, secret: secret}
	pathPublicKeys = append(pathPublicKeys, pub)
	pathSecret = parentSecret

	level := 0
	for _, anc := range ancestors(leafSlot) {
		pub, priv, secret, parentSecret, err := deriveNodeValues(pathSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("deriving level %d: %w", level, err)
		}
		t.nodes[anc] = &node{public: pub, private: priv, secret: secret}
		pathPublicKeys = append(pathPublicKeys, pub)

		copath := sibling(childOnPath(anc, leafSlot))
		targets := t.resolution(copath)
		for _, target := range targets {
			ct, nonce, encErr := t.encryptPathSecretTo(priv, target, pathSecret)
			if encErr != nil {
				return nil, nil, fmt.Errorf("encrypting to slot %d: %w", target, encErr)
			}
			encrypted = append(encrypted, EncryptedPathSecret{
				Level:      level,
				Target:     target,
				Ciphertext: ct,
				Nonce:      nonce,
			})
		}

		pathSecret = parentSecret
		level++
	}

	return pathPublicKeys, encrypted, nil
}

// childOnPath returns whichever of anc's two children is an ancestor of (or
// equal to) leafSlot, so its sibling is the copath node at that level.
func childOnPath(anc, leafSlot int) int {
	child := leafSlot
	for parent(child) != anc {
		child = parent(child)
	}
	return child
}

// resolution is the set of non-blank nodes reachable from slot that
// collectively cover every leaf beneath it, per spec §4.2's tie-break: a
// non-blank node resolves to itself (its private key is already held by
// every descendant leaf); a blank node resolves to the union of its
// children's resolutions, bottoming out at nothing for blank leaves.
func (t *Tree) resolution(slot int) []int {
	if slot < 1 || slot >= len(t.nodes) {
		return nil
	}
	if !t.nodes[slot].blank() {
		return []int{slot}
	}
	if t.isLeaf(slot) {
		return nil
	}
	return append(t.resolution(left(slot)), t.resolution(right(slot))...)
}

func (t *Tree) encryptPathSecretTo(updaterPriv *crypto.DHKeyPair, target int, pathSecret []byte) (ciphertext []byte, nonce [crypto.AEADNonceSize]byte, err error) {
	targetPub := t.nodes[target].public
	shared, err := updaterPriv.ECDH(targetPub)
	if err != nil {
		return nil, nonce, fmt.Errorf("ecdh: %w", err)
	}
	key, err := crypto.ExpandLabel(shared, "path-wrap", nil, crypto.AEADKeySize)
	if err != nil {
		return nil, nonce, fmt.Errorf("deriving wrap key: %w", err)
	}
	n, err := crypto.RandBytes(crypto.AEADNonceSize)
	if err != nil {
		return nil, nonce, err
	}
	copy(nonce[:], n)
	var k [crypto.AEADKeySize]byte
	copy(k[:], key)
	ciphertext = crypto.AEADSeal(k, nonce, pathSecret, []byte("path-secret"))
	return ciphertext, nonce, nil
}

func (t *Tree) decryptPathSecretFrom(receiverPriv *crypto.DHKeyPair, updaterNewPublic []byte, entry EncryptedPathSecret) ([]byte, error) {
	shared, err := receiverPriv.ECDH(updaterNewPublic)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key, err := crypto.ExpandLabel(shared, "path-wrap", nil, crypto.AEADKeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving wrap key: %w", err)
	}
	var k [crypto.AEADKeySize]byte
	copy(k[:], key)
	return crypto.AEADOpen(k, entry.Nonce, entry.Ciphertext, []byte("path-secret"))
}

// ApplyPath replaces public keys along fromIdx's direct path, decrypts the
// first path secret this member can recover, derives the remaining chain
// toward the root, and returns the new root secret. It returns ErrBadPath
// if no encrypted entry is decryptable.
func (t *Tree) ApplyPath(fromIdx int, pathPublicKeys [][]byte, encryptedPathSecrets []EncryptedPathSecret) (rootSecret []byte, err error) {
	leafSlot := t.leafSlot(fromIdx)
	chain := append([]int{leafSlot}, ancestors(leafSlot)...)
	if len(pathPublicKeys) != len(chain) {
		return nil, fmt.Errorf("tree: expected %d path public keys, got %d", len(chain), len(pathPublicKeys))
	}

	// Stamp the proposer's new public keys onto the tree immediately; any
	// node we don't hold a private key for stays public-key-only.
	for i, slot := range chain {
		if t.nodes[slot] == nil {
			t.nodes[slot] = &node{}
		}
		t.nodes[slot].public = pathPublicKeys[i]
	}

	// Find the earliest decryptable entry.
	var (
		decryptLevel = -1
		pathSecret   []byte
	)
	for level := 0; level < len(chain)-1 && decryptLevel < 0; level++ {
		for _, entry := range encryptedPathSecrets {
			if entry.Level != level {
				continue
			}
			priv := t.privateKeyFor(entry.Target)
			if priv == nil {
				continue
			}
			ps, decErr := t.decryptPathSecretFrom(priv, pathPublicKeys[level+1], entry)
			if decErr != nil {
				continue
			}
			pathSecret = ps
			decryptLevel = level
			break
		}
	}
	if decryptLevel < 0 {
		return nil, ErrBadPath
	}

	// Derive node values at decryptLevel+1 (the node whose path secret we
	// just recovered) and every level above it, chaining up to the root.
	for level := decryptLevel + 1; level < len(chain); level++ {
		pub, priv, secret, parentSecret, derErr := deriveNodeValues(pathSecret)
		if derErr != nil {
			return nil, fmt.Errorf("deriving level %d: %w", level, derErr)
		}
		if !bytesEqual(pub, pathPublicKeys[level]) {
			return nil, fmt.Errorf("%w: derived public key mismatch at level %d", ErrBadPath, level)
		}
		t.nodes[chain[level]] = &node{public: pub, private: priv, secret: secret}
		if level == len(chain)-1 {
			rootSecret = secret
		}
		pathSecret = parentSecret
	}

	return rootSecret, nil
}

// privateKeyFor returns the private key this member holds for slot, either
// because it is an ancestor of (or equal to) their own leaf.
func (t *Tree) privateKeyFor(slot int) *crypto.DHKeyPair {
	if slot < 1 || slot >= len(t.nodes) || t.nodes[slot] == nil {
		return nil
	}
	return t.nodes[slot].private
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
