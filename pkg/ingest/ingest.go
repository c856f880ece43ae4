// Package ingest implements the command-ingestion pipeline of spec
// component C6: the single-writer loop that turns an ordered log of
// handshake and ciphertext records into state-transition updates, per
// spec §4.6 and the concurrency model of spec §5.
package ingest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/anonify-go/core/pkg/enclave"
	"github.com/anonify-go/core/pkg/envelope"
	"github.com/anonify-go/core/pkg/handshake"
	"github.com/anonify-go/core/pkg/keychain"
	"github.com/anonify-go/core/pkg/seal"
	"github.com/anonify-go/core/pkg/tree"
)

var (
	// ErrBadCipher mirrors pkg/envelope's AEAD-open failure at the
	// ingestion boundary.
	ErrBadCipher = envelope.ErrBadCipher
	// ErrStaleEpoch is returned when env.epoch < current_epoch - 1.
	ErrStaleEpoch = errors.New("ingest: envelope epoch is stale")
	// ErrEpochSkew mirrors pkg/handshake's prior_epoch mismatch.
	ErrEpochSkew = handshake.ErrEpochSkew
	// ErrBadPath mirrors pkg/tree's undecryptable-copath failure.
	ErrBadPath = tree.ErrBadPath
	// ErrStateSkew mirrors pkg/enclave's counter-gap failure; fatal.
	ErrStateSkew = enclave.ErrStateSkew
	// ErrSealIO mirrors pkg/seal's local disk failure; fatal for the commit
	// that triggered it.
	ErrSealIO = seal.ErrSealIO
	// ErrPolicyDenied is returned, with the Rejected disposition, when a
	// RegisterNotification command fails its access-policy check. The
	// record has already been read off the log, so the counter has
	// advanced.
	ErrPolicyDenied = errors.New("ingest: policy denied")
	// ErrRuntimeError wraps any error the host Runtime returns while
	// executing a command.
	ErrRuntimeError = errors.New("ingest: runtime execution failed")
)

// RecordKind distinguishes the two LogRecord payloads of spec §4.6.
type RecordKind int

const (
	KindHandshake RecordKind = iota
	KindCiphertext
)

// LogRecord is one entry from the log collaborator's ordered stream
// (spec §6's `subscribe`). Seq is the record's position in that stream,
// checked against the state counter; the log is at-least-once, so
// duplicates are expected and rejected as StateSkew rather than silently
// reapplied.
type LogRecord struct {
	Block uint64
	Seq   uint64
	Kind  RecordKind

	Envelope  *envelope.Envelope
	Handshake *handshake.Message
}

// Disposition reports the outcome of ingesting one record, for logging
// and tests; it carries no information the caller should branch on beyond
// distinguishing a clean update from a recorded-but-no-op failure.
type Disposition int

const (
	// Applied means the record produced zero or more state updates.
	Applied Disposition = iota
	// Poisoned means the record was logged and the counter advanced, but
	// produced no state change (spec §7's per-record failure policy).
	Poisoned
	// Rejected means the record carried an authenticated command whose
	// access-policy check failed (spec §7's PolicyDenied row: "command
	// rejected at boundary"). Like Poisoned, the counter has already
	// advanced by the time Rejected is returned — the record was still
	// read off the log in order — but no state or group-state mutation
	// beyond the notification registry was attempted.
	Rejected
)

// UpdatedState is one state-transition result from the host Runtime.
type UpdatedState struct {
	AccountID [32]byte
	MemID     string
	NewValue  []byte
}

// StateGetter is the read-only view into sealed application state a
// Runtime.Execute call is given.
type StateGetter interface {
	Get(accountID [32]byte, memID string) ([]byte, bool, error)
}

// Runtime is the host-supplied deterministic state-transition program of
// spec §6: execute is pure apart from reads through StateGetter.
type Runtime interface {
	Execute(kindID uint32, args []byte, caller [32]byte, ctx StateGetter) ([]UpdatedState, error)
}

// Store is the sealed application-state KV store of spec §6, distinct
// from pkg/seal's path-secret store: values here are opaque sealed blobs
// the core never interprets.
type Store interface {
	StateGetter
	PutBatch(updates []UpdatedState) error
}

// PathSecretSealer persists a path secret the group learned while
// processing a commit, spec §4.3 step 7 / §4.7.
type PathSecretSealer interface {
	Save(id [32]byte, epoch uint32, secret []byte) error
}

// Pipeline is the single-writer ingestion loop of spec §4.6, guarding
// group state with one read-write lock exactly as the teacher's
// router.go guards its handler table.
type Pipeline struct {
	mu sync.RWMutex

	counter  *enclave.StateCounter
	group    *handshake.Group
	registry *keychain.Registry
	store    Store
	runtime  Runtime
	notify   *enclave.NotificationRegistry
	policy   enclave.AccessPolicy
	updates  chan [32]byte
	sealer   PathSecretSealer

	window int
}

// notificationQueueSize bounds how many pending update notifications
// Pipeline buffers before enqueueNotification starts dropping the oldest
// ones; a host that cares about every notification should drain
// Notifications() promptly.
const notificationQueueSize = 64

// New builds a Pipeline over an already-bootstrapped group.
func New(group *handshake.Group, store Store, runtime Runtime, sealer PathSecretSealer, window int) *Pipeline {
	p := &Pipeline{
		counter:  &enclave.StateCounter{},
		group:    group,
		registry: keychain.NewRegistry(window),
		store:    store,
		runtime:  runtime,
		notify:   enclave.NewNotificationRegistry(),
		updates:  make(chan [32]byte, notificationQueueSize),
		sealer:   sealer,
		window:   window,
	}
	p.registry.Advance(group.Epoch())
	return p
}

// Notifications returns the channel update notifications (spec §4.6 step
// 3d) are enqueued on for every registered account_id whose state changed.
// A host process drains this to drive its own delivery transport (push,
// websocket, polling endpoint); the core's responsibility ends at
// recognizing the update and enqueuing it.
func (p *Pipeline) Notifications() <-chan [32]byte { return p.updates }

// NewNotificationChallenge hands a caller a fresh challenge to sign for
// RegisterNotification (spec §4.8's authenticated command).
func (p *Pipeline) NewNotificationChallenge() ([]byte, error) {
	return p.policy.NewChallenge()
}

// StateCounter returns the current state counter value.
func (p *Pipeline) StateCounter() uint64 { return p.counter.Value() }

// Ingest processes one log record under the group-state write lock,
// implementing spec §4.6's four-step algorithm. A non-nil error with
// errors.Is(err, ErrStateSkew) or errors.Is(err, ErrSealIO) is fatal: the
// caller must halt ingestion entirely. ErrPolicyDenied comes back with
// Rejected, and any other error with Poisoned. On every error except
// ErrStateSkew the counter has already advanced and later records remain
// processable.
func (p *Pipeline) Ingest(rec LogRecord) (Disposition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.counter.VerifyIncrement(rec.Seq); err != nil {
		return Poisoned, err
	}

	switch rec.Kind {
	case KindHandshake:
		return p.ingestHandshake(rec.Handshake)
	case KindCiphertext:
		return p.ingestCiphertext(rec.Envelope)
	default:
		return Poisoned, fmt.Errorf("ingest: unknown record kind %d", rec.Kind)
	}
}

func (p *Pipeline) ingestHandshake(msg *handshake.Message) (Disposition, error) {
	if msg == nil {
		return Poisoned, fmt.Errorf("ingest: nil handshake message")
	}
	if p.group.IsOwnAlreadyApplied(msg) {
		// CreateCommit already applied this effect eagerly; observing it
		// echo back through the log is a no-op, not a re-application.
		return Applied, nil
	}

	learnedSecret, err := p.group.ProcessCommit(msg)
	if err != nil {
		return Poisoned, err
	}
	p.registry.Advance(p.group.Epoch())

	if len(learnedSecret) > 0 && p.sealer != nil {
		id := seal.IdentifierFor(encodeHandshakeForID(msg))
		if err := p.sealer.Save(id, p.group.Epoch(), learnedSecret); err != nil {
			return Poisoned, fmt.Errorf("%w: %v", ErrSealIO, err)
		}
	}
	return Applied, nil
}

func (p *Pipeline) ingestCiphertext(env *envelope.Envelope) (Disposition, error) {
	if env == nil {
		return Poisoned, fmt.Errorf("ingest: nil envelope")
	}
	if p.group.Epoch() > 0 && env.Epoch < p.group.Epoch()-1 {
		return Poisoned, ErrStaleEpoch
	}

	kc, err := p.registry.Resolve(int(env.RosterIdx), env.Epoch, p.group.AppSecret())
	if err != nil {
		return Poisoned, err
	}
	aeadKey, aeadNonce, err := kc.Accept(env.Generation)
	if err != nil {
		return Poisoned, err
	}
	plaintext, err := envelope.Decrypt(env, aeadKey, aeadNonce)
	if err != nil {
		return Poisoned, err
	}

	kindID, caller, args, err := decodeCommand(plaintext)
	if err != nil {
		return Poisoned, err
	}

	if kindID == KindRegisterNotification {
		return p.registerNotification(args)
	}

	updates, err := p.runtime.Execute(kindID, args, caller, p.store)
	if err != nil {
		return Poisoned, fmt.Errorf("%w: %v", ErrRuntimeError, err)
	}
	if err := p.store.PutBatch(updates); err != nil {
		return Poisoned, fmt.Errorf("ingest: persisting updates: %w", err)
	}
	for _, u := range updates {
		if p.notify.Registered(u.AccountID) {
			p.enqueueNotification(u.AccountID)
		}
	}
	return Applied, nil
}

// registerNotification implements spec §4.8's authenticated
// RegisterNotification command: it verifies sig over challenge under
// pubkey via AccessPolicy, then adds the derived account_id to the
// notification registry. It is dispatched from ingestCiphertext rather
// than ERC20Runtime.Execute because it mutates C8's registry, not
// application state, but it is still read off the same ordered log and
// covered by the same write lock (spec §5's "notification registry is
// mutated only under the group-state write lock").
func (p *Pipeline) registerNotification(args []byte) (Disposition, error) {
	pubkey, challenge, sig, err := decodeRegisterNotificationArgs(args)
	if err != nil {
		return Poisoned, err
	}
	if err := p.policy.Verify(pubkey, challenge, sig); err != nil {
		return Rejected, fmt.Errorf("%w: %v", ErrPolicyDenied, err)
	}
	p.notify.Register(p.policy.AccountID(pubkey))
	return Applied, nil
}

// enqueueNotification pushes accountID onto the notification channel
// without blocking the single-writer critical section: if a host has let
// the channel fill up, the oldest pending notification is dropped to make
// room rather than stalling ingestion (spec §5 forbids blocking here on
// anything but local fsync / the vault round-trip).
func (p *Pipeline) enqueueNotification(accountID [32]byte) {
	select {
	case p.updates <- accountID:
	default:
		select {
		case <-p.updates:
		default:
		}
		select {
		case p.updates <- accountID:
		default:
		}
	}
}

func encodeHandshakeForID(msg *handshake.Message) []byte {
	return handshake.Encode(msg)
}
