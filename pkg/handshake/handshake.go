// Package handshake implements the group handshake engine of spec
// component C3: the per-group state machine, the commit-processing
// algorithm of spec §4.3, and the confirmation tag that authenticates a
// commit's effect on the ratchet tree.
package handshake

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/anonify-go/core/internal/wire"
	"github.com/anonify-go/core/pkg/crypto"
	"github.com/anonify-go/core/pkg/enclave"
	"github.com/anonify-go/core/pkg/tree"
)

var (
	// ErrEpochSkew is returned when a commit's prior_epoch does not match
	// the group's current epoch (fatal for that commit only).
	ErrEpochSkew = errors.New("handshake: prior_epoch does not match current epoch")
	// ErrBadConfirmation is returned when a commit's confirmation tag does
	// not verify against the newly derived application secret.
	ErrBadConfirmation = errors.New("handshake: confirmation tag mismatch")
	// ErrBadAttestation is returned when an Add-commit carries a Quote that
	// does not verify.
	ErrBadAttestation = errors.New("handshake: attestation quote does not verify")
)

// ProposalKind distinguishes the three commit shapes of spec §4.2/§4.3.
type ProposalKind int

const (
	Add ProposalKind = iota
	Update
	Remove
)

func (k ProposalKind) String() string {
	switch k {
	case Add:
		return "add"
	case Update:
		return "update"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Proposal is the inline proposal a commit carries, per spec §4.3: "a
// commit carries its own proposal inline."
type Proposal struct {
	Kind ProposalKind
	// Target is the roster index the proposal acts on: the new member's
	// slot for Add (assigned by the applying side, see applyProposal), or
	// the removed member's slot for Remove. Unused for Update (the
	// proposer's own path update is the entire effect).
	Target int
	// NewMemberPublicKey is the new member's leaf public key, required
	// only for Add.
	NewMemberPublicKey []byte
}

// Message is the on-wire HandshakeMessage of spec §4.3/§4.5, sharing the
// canonical little-endian wire format with Envelope.
type Message struct {
	PriorEpoch           uint32
	ProposerIdx          uint32
	Proposal             Proposal
	PathPublicKeys       [][]byte
	EncryptedPathSecrets []tree.EncryptedPathSecret
	ConfirmationTag      []byte
	// Quote binds the proposer's enclave identity to its transaction
	// signing key, produced once per Add-commit (spec §4.8's remote
	// attestation requirement) and nil for Update/Remove commits.
	Quote *enclave.Quote
}

// State is the per-group state of spec §4.3's state machine.
type State int

const (
	Uninitialised State = iota
	Member
)

// Group is one member's local view of a group's handshake state machine:
// Uninitialised (epoch 0) -> Member(epoch=1) -> Member(epoch=e) ..., each
// commit advancing the epoch by one.
type Group struct {
	state     State
	epoch     uint32
	tree      *tree.Tree
	appSecret []byte
}

// Bootstrap builds a group with a single known leaf (the local member's
// own), in the Uninitialised state at epoch 0: it becomes Member(epoch=1)
// once the founding commit is created or processed.
func Bootstrap(rosterSize, myIdx int, myLeafSecret []byte) (*Group, error) {
	t, err := tree.New(rosterSize, myIdx, myLeafSecret)
	if err != nil {
		return nil, fmt.Errorf("handshake: building tree: %w", err)
	}
	return &Group{state: Uninitialised, tree: t}, nil
}

// State returns the group's current state.
func (g *Group) State() State { return g.state }

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint32 { return g.epoch }

// Tree exposes the underlying ratchet tree, e.g. for a caller wiring a new
// member's leaf public key into peers' local trees out of band.
func (g *Group) Tree() *tree.Tree { return g.tree }

// AppSecret returns the current epoch's application secret, the seed
// pkg/keychain derives per-member keychains from.
func (g *Group) AppSecret() []byte { return g.appSecret }

// MyIndex returns the local member's roster index.
func (g *Group) MyIndex() int { return g.tree.MyIndex() }

// IsOwnAlreadyApplied reports whether msg is this member's own commit,
// already applied eagerly by CreateCommit, now being observed a second
// time as it comes back around through the ordered log. The ingestion
// pipeline must treat this as a no-op, not reprocess it.
func (g *Group) IsOwnAlreadyApplied(msg *Message) bool {
	return int(msg.ProposerIdx) == g.MyIndex() && msg.PriorEpoch < g.epoch
}

// CommitOption configures CreateCommit, following the functional-options
// shape used throughout this module (cmd/anonifyd.ConfigOption,
// pkg/seal.LocalStoreOption).
type CommitOption func(*commitConfig)

type commitConfig struct {
	identity *enclave.Context
}

// WithIdentity attaches the proposer's enclave identity to an Add commit:
// CreateCommit calls identity.Quote() once and carries the result on the
// Message so receivers can bind the new member's introduction to an
// attested enclave (spec §4.8). Ignored for Update/Remove commits.
func WithIdentity(identity *enclave.Context) CommitOption {
	return func(c *commitConfig) { c.identity = identity }
}

// CreateCommit is the proposer side of spec §4.3: it mutates the
// proposer's own tree with the proposal, derives a fresh direct-path chain
// from a freshly generated leaf secret, advances local group state to the
// new epoch, and returns the Message to publish together with the leaf
// secret the caller (the enclave host) must seal through C7 before
// publishing. For an Add commit, passing WithIdentity attaches a quote
// binding the proposer's attested identity to its transaction signing key.
func (g *Group) CreateCommit(kind ProposalKind, target int, newMemberPublicKey []byte, opts ...CommitOption) (*Message, []byte, error) {
	var cfg commitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	proposal := Proposal{Kind: kind, Target: target, NewMemberPublicKey: newMemberPublicKey}
	if err := applyProposal(g.tree, proposal); err != nil {
		return nil, nil, fmt.Errorf("applying proposal: %w", err)
	}

	newLeafSecret, err := crypto.RandPathSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("generating leaf secret: %w", err)
	}
	pathPublicKeys, encryptedPathSecrets, err := g.tree.UpdateMyPath(newLeafSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("updating own path: %w", err)
	}

	msg := &Message{
		PriorEpoch:           g.epoch,
		ProposerIdx:          uint32(g.tree.MyIndex()),
		Proposal:             proposal,
		PathPublicKeys:       pathPublicKeys,
		EncryptedPathSecrets: encryptedPathSecrets,
	}

	if kind == Add && cfg.identity != nil {
		quote, err := cfg.identity.Quote()
		if err != nil {
			return nil, nil, fmt.Errorf("producing attestation quote: %w", err)
		}
		msg.Quote = quote
	}

	appSecret, err := crypto.ExpandLabel(g.tree.RootSecret(), "app", nil, crypto.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving app secret: %w", err)
	}
	msg.ConfirmationTag = confirmationTag(appSecret, msg)

	g.advance(appSecret)
	return msg, newLeafSecret, nil
}

// ProcessCommit is the receiver side of spec §4.3's 7-step
// commit-processing algorithm. It is never called by a commit's own
// proposer: CreateCommit already applies a commit's effect locally, and
// the ingestion pipeline must recognize and skip a proposer's own commit
// when it is later observed coming back through the log (it carries a
// prior_epoch already behind the proposer's advanced epoch). On success,
// newlyLearnedPathSecret is the new root secret ApplyPath derived; the
// copath path secret this member decrypted on the way is not returned.
func (g *Group) ProcessCommit(msg *Message) (newlyLearnedPathSecret []byte, err error) {
	if g.state == Member && msg.PriorEpoch != g.epoch {
		return nil, ErrEpochSkew
	}

	if msg.Proposal.Kind == Add && msg.Quote != nil && !enclave.VerifyQuote(msg.Quote) {
		return nil, ErrBadAttestation
	}

	if err := applyProposal(g.tree, msg.Proposal); err != nil {
		return nil, fmt.Errorf("applying proposal: %w", err)
	}

	rootSecret, err := g.tree.ApplyPath(int(msg.ProposerIdx), msg.PathPublicKeys, msg.EncryptedPathSecrets)
	if err != nil {
		return nil, fmt.Errorf("applying path: %w", err)
	}

	appSecret, err := crypto.ExpandLabel(rootSecret, "app", nil, crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving app secret: %w", err)
	}

	expectedTag := confirmationTag(appSecret, msg)
	if !bytes.Equal(expectedTag, msg.ConfirmationTag) {
		return nil, ErrBadConfirmation
	}

	g.advance(appSecret)
	return rootSecret, nil
}

// advance implements spec §4.3 step 6: zeroize the previous epoch's
// application secret and swap in the new one, incrementing epoch.
func (g *Group) advance(newAppSecret []byte) {
	zeroize(g.appSecret)
	g.appSecret = newAppSecret
	g.epoch++
	g.state = Member
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// applyProposal mutates t according to proposal, deterministically the
// same way on every member holding synchronized tree state (spec §4.3
// step 2).
func applyProposal(t *tree.Tree, proposal Proposal) error {
	switch proposal.Kind {
	case Add:
		_, err := t.AddLeaf(proposal.NewMemberPublicKey)
		return err
	case Remove:
		return t.BlankLeaf(proposal.Target)
	case Update:
		return nil
	default:
		return fmt.Errorf("handshake: unknown proposal kind %d", proposal.Kind)
	}
}

// confirmationTag implements spec §4.3 step 5:
// HMAC(app_secret, "confirm" || encoded_commit).
func confirmationTag(appSecret []byte, msg *Message) []byte {
	w := wire.NewWriter()
	w.PutUint32(msg.PriorEpoch)
	w.PutUint32(msg.ProposerIdx)
	w.PutUint8(uint8(msg.Proposal.Kind))
	w.PutUint32(uint32(msg.Proposal.Target))
	w.PutBytes(msg.Proposal.NewMemberPublicKey)
	for _, pub := range msg.PathPublicKeys {
		w.PutBytes(pub)
	}
	for _, eps := range msg.EncryptedPathSecrets {
		w.PutUint32(uint32(eps.Level))
		w.PutUint32(uint32(eps.Target))
		w.PutBytes(eps.Ciphertext)
		w.PutFixed(eps.Nonce[:])
	}
	writeQuote(w, msg.Quote)

	confirmInput := append([]byte("confirm"), w.Bytes()...)
	return crypto.HMACSHA256(appSecret, confirmInput)
}

// writeQuote appends q's fields (or a single absence byte) to w, shared by
// confirmationTag and Encode so a stripped or substituted Quote fails
// confirmation rather than merely failing VerifyQuote.
func writeQuote(w *wire.Writer, q *enclave.Quote) {
	if q == nil {
		w.PutUint8(0)
		return
	}
	w.PutUint8(1)
	w.PutUint8(uint8(q.Scheme))
	w.PutBytes(q.IdentityKey)
	w.PutBytes(q.TxSigningKey)
	w.PutBytes(q.IdentitySig)
}

// readQuote is the inverse of writeQuote.
func readQuote(r *wire.Reader) (*enclave.Quote, error) {
	present, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("quote presence: %w", err)
	}
	if present == 0 {
		return nil, nil
	}
	scheme, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("quote scheme: %w", err)
	}
	q := &enclave.Quote{Scheme: enclave.Scheme(scheme)}
	if q.IdentityKey, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("quote identity_key: %w", err)
	}
	if q.TxSigningKey, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("quote tx_signing_key: %w", err)
	}
	if q.IdentitySig, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("quote identity_sig: %w", err)
	}
	return q, nil
}

// Encode serializes a Message to the canonical wire format of spec §6,
// sharing field-writing conventions with pkg/envelope.Encode.
func Encode(msg *Message) []byte {
	w := wire.NewWriter()
	w.PutUint32(msg.PriorEpoch)
	w.PutUint32(msg.ProposerIdx)
	w.PutUint8(uint8(msg.Proposal.Kind))
	w.PutUint32(uint32(msg.Proposal.Target))
	w.PutBytes(msg.Proposal.NewMemberPublicKey)
	w.PutUint32(uint32(len(msg.PathPublicKeys)))
	for _, pub := range msg.PathPublicKeys {
		w.PutBytes(pub)
	}
	w.PutUint32(uint32(len(msg.EncryptedPathSecrets)))
	for _, eps := range msg.EncryptedPathSecrets {
		w.PutUint32(uint32(eps.Level))
		w.PutUint32(uint32(eps.Target))
		w.PutBytes(eps.Ciphertext)
		w.PutFixed(eps.Nonce[:])
	}
	w.PutBytes(msg.ConfirmationTag)
	writeQuote(w, msg.Quote)
	return w.Bytes()
}

// Decode parses a Message from the canonical wire format, the inverse of
// Encode.
func Decode(b []byte) (*Message, error) {
	r := wire.NewReader(b)
	msg := &Message{}
	var err error

	if msg.PriorEpoch, err = r.Uint32(); err != nil {
		return nil, fmt.Errorf("prior_epoch: %w", err)
	}
	if msg.ProposerIdx, err = r.Uint32(); err != nil {
		return nil, fmt.Errorf("proposer_idx: %w", err)
	}
	kind, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("proposal kind: %w", err)
	}
	msg.Proposal.Kind = ProposalKind(kind)
	target, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("proposal target: %w", err)
	}
	msg.Proposal.Target = int(target)
	if msg.Proposal.NewMemberPublicKey, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("proposal new_member_public_key: %w", err)
	}

	numPaths, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("path_public_keys count: %w", err)
	}
	msg.PathPublicKeys = make([][]byte, numPaths)
	for i := range msg.PathPublicKeys {
		if msg.PathPublicKeys[i], err = r.Bytes(); err != nil {
			return nil, fmt.Errorf("path_public_keys[%d]: %w", i, err)
		}
	}

	numSecrets, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("encrypted_path_secrets count: %w", err)
	}
	msg.EncryptedPathSecrets = make([]tree.EncryptedPathSecret, numSecrets)
	for i := range msg.EncryptedPathSecrets {
		eps := &msg.EncryptedPathSecrets[i]
		level, lErr := r.Uint32()
		if lErr != nil {
			return nil, fmt.Errorf("encrypted_path_secrets[%d].level: %w", i, lErr)
		}
		eps.Level = int(level)
		target, tErr := r.Uint32()
		if tErr != nil {
			return nil, fmt.Errorf("encrypted_path_secrets[%d].target: %w", i, tErr)
		}
		eps.Target = int(target)
		if eps.Ciphertext, err = r.Bytes(); err != nil {
			return nil, fmt.Errorf("encrypted_path_secrets[%d].ciphertext: %w", i, err)
		}
		nonce, nErr := r.Fixed(crypto.AEADNonceSize)
		if nErr != nil {
			return nil, fmt.Errorf("encrypted_path_secrets[%d].nonce: %w", i, nErr)
		}
		copy(eps.Nonce[:], nonce)
	}

	if msg.ConfirmationTag, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("confirmation_tag: %w", err)
	}
	if msg.Quote, err = readQuote(r); err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	return msg, nil
}
