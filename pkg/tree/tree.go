// Package tree implements the ratchet tree and path-secret derivation of
// spec component C2: a left-balanced binary tree of secp256k1 DH nodes,
// one leaf per roster member, used to agree on a root secret that all
// members can derive without ever transmitting it in the clear.
package tree

import (
	"errors"
	"fmt"

	"github.com/anonify-go/core/pkg/crypto"
)

var (
	// ErrBadPath is returned by ApplyPath when none of the encrypted path
	// secrets in a commit are decryptable by this member (spec §7).
	ErrBadPath = errors.New("tree: no decryptable copath entry")
	// ErrUnknownLeaf is returned when a roster index has no assigned leaf.
	ErrUnknownLeaf = errors.New("tree: roster index out of range")
	// ErrRosterFull reports a roster with no free slot. AddLeaf does not
	// return it: a full roster grows the tree instead.
	ErrRosterFull = errors.New("tree: roster is full")
)

// node is one arena slot: an internal node or a leaf. Public is nil for a
// blank (never-assigned or tombstoned) node. Private and Secret are present
// only for nodes on the local member's own direct path (spec §3 invariant).
type node struct {
	public  []byte
	private *crypto.DHKeyPair
	secret  []byte
}

func (n *node) blank() bool { return n == nil || n.public == nil }

// Tree is the local member's view of the group's ratchet tree.
type Tree struct {
	capacity int // power-of-two leaf capacity; grows by doubling
	roster   int // number of roster slots handed out so far (<= capacity)
	nodes    []*node // 1-indexed arena, len == 2*capacity; nodes[0] unused
	myIdx    int
}

// New builds a tree with a single known leaf: the caller's own. Every other
// slot starts blank, to be filled in by Add commits processed later.
func New(rosterSize, myIdx int, myLeafSecret []byte) (*Tree, error) {
	if myIdx < 0 || myIdx >= rosterSize {
		return nil, fmt.Errorf("%w: idx %d size %d", ErrUnknownLeaf, myIdx, rosterSize)
	}
	t := &Tree{
		capacity: nextPow2(rosterSize),
		roster:   rosterSize,
		myIdx:    myIdx,
	}
	t.nodes = make([]*node, 2*t.capacity)

	pub, priv, secret, _, err := deriveNodeValues(myLeafSecret)
	if err != nil {
		return nil, fmt.Errorf("deriving leaf node values: %w", err)
	}
	t.nodes[t.leafSlot(myIdx)] = &node{public: pub, private: priv, secret: secret}
	return t, nil
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

func (t *Tree) leafSlot(rosterIdx int) int { return t.capacity + rosterIdx }

func left(i int) int   { return 2 * i }
func right(i int) int  { return 2*i + 1 }
func parent(i int) int { return i / 2 }
func sibling(i int) int {
	if i%2 == 0 {
		return i + 1
	}
	return i - 1
}

// ancestors returns the chain of ancestor slot indices of leafSlot, from its
// parent up to and including the root (slot 1).
func ancestors(leafSlot int) []int {
	var out []int
	for i := parent(leafSlot); i >= 1; i = parent(i) {
		out = append(out, i)
	}
	return out
}

func (t *Tree) isLeaf(slot int) bool { return slot >= t.capacity }

// grow doubles the arena capacity, relocating every existing leaf to its
// new slot; internal nodes are dropped. This is a deliberate
// simplification of MLS's general left-balanced tree: capacity is always a
// power of two, so the heap-array formula of spec §4.2 applies unmodified.
func (t *Tree) grow() {
	newCap := t.capacity * 2
	newNodes := make([]*node, 2*newCap)
	for r := 0; r < t.capacity; r++ {
		newNodes[newCap+r] = t.nodes[t.leafSlot(r)]
	}
	// Internal nodes are not relocatable in general (the tree shape
	// changed), so they are dropped and re-derived on the next commit that
	// touches them; only leaves (and the local member's own cached secret)
	// must survive a grow.
	t.capacity = newCap
	t.nodes = newNodes
}

// AddLeaf implements the Add proposal of spec §4.3: it assigns the new
// member's leaf at the next tombstoned slot, or appends a fresh slot
// (growing the tree's capacity if the roster is full).
func (t *Tree) AddLeaf(publicKey []byte) (rosterIdx int, err error) {
	for r := 0; r < t.roster; r++ {
		if t.nodes[t.leafSlot(r)].blank() {
			t.nodes[t.leafSlot(r)] = &node{public: publicKey}
			return r, nil
		}
	}
	if t.roster >= t.capacity {
		t.grow()
	}
	idx := t.roster
	t.roster++
	t.nodes[t.leafSlot(idx)] = &node{public: publicKey}
	return idx, nil
}

// SetLeafPublicKey installs a known roster member's current leaf public key
// without allocating a new roster slot. Used to bootstrap a locally-held
// Tree with the public keys of members who joined before this node did.
func (t *Tree) SetLeafPublicKey(rosterIdx int, publicKey []byte) error {
	slot := t.leafSlot(rosterIdx)
	if slot < 0 || slot >= len(t.nodes) {
		return ErrUnknownLeaf
	}
	t.nodes[slot] = &node{public: publicKey}
	return nil
}

// BlankLeaf tombstones a roster member's leaf (Remove).
func (t *Tree) BlankLeaf(rosterIdx int) error {
	slot := t.leafSlot(rosterIdx)
	if slot < 0 || slot >= len(t.nodes) {
		return ErrUnknownLeaf
	}
	t.nodes[slot] = nil
	return nil
}

// MyIndex returns the local member's roster index.
func (t *Tree) MyIndex() int { return t.myIdx }

// RootSecret returns the current root node's secret, the value UpdateMyPath
// or ApplyPath most recently derived at slot 1.
func (t *Tree) RootSecret() []byte {
	if len(t.nodes) < 2 || t.nodes[1] == nil {
		return nil
	}
	return t.nodes[1].secret
}

// LeafPublicKey returns the public key of a roster member's leaf, or nil if
// blank.
func (t *Tree) LeafPublicKey(rosterIdx int) []byte {
	slot := t.leafSlot(rosterIdx)
	if slot < 0 || slot >= len(t.nodes) || t.nodes[slot].blank() {
		return nil
	}
	return t.nodes[slot].public
}

// deriveNodeValues is PathSecret::derive_node_values from the original
// anonify source: node_secret = HKDF-Expand-Label(path_secret, "node"),
// parent_path_secret = HKDF-Expand-Label(path_secret, "path"), and the
// node's DH keypair is seeded from node_secret.
func deriveNodeValues(pathSecret []byte) (publicKey []byte, priv *crypto.DHKeyPair, nodeSecret, parentPathSecret []byte, err error) {
	if len(pathSecret) != crypto.KeySize {
		return nil, nil, nil, nil, fmt.Errorf("tree: path secret must be %d bytes", crypto.KeySize)
	}
	nodeSecret, err = crypto.ExpandLabel(pathSecret, "node", nil, crypto.KeySize)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("expand node label: %w", err)
	}
	parentPathSecret, err = crypto.ExpandLabel(pathSecret, "path", nil, crypto.KeySize)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("expand path label: %w", err)
	}
	priv, err = crypto.RestoreDH(nodeSecret)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("node secret is not a valid scalar: %w", err)
	}
	return priv.Public, priv, nodeSecret, parentPathSecret, nil
}
