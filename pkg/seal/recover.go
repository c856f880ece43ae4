package seal

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnrecoverableEpoch is returned by Recover when a member-epoch's path
// secret cannot be obtained from any of the local store, the remote vault,
// or handshake-ciphertext derivation. Per spec §4.7 this is fail-closed:
// the caller must refuse to process ciphertexts of that epoch or later.
// cmd/anonifyd does not call Recover, so it never exits on this error.
var ErrUnrecoverableEpoch = errors.New("seal: unrecoverable epoch")

// RemoteFetcher is the read side of the key-vault peer, used only during
// recovery; VaultMirror (pkg/seal/mirror.go) is the write side used on the
// hot commit path.
type RemoteFetcher interface {
	FetchSealedSecret(ctx context.Context, id [32]byte) (epoch uint32, secret []byte, err error)
}

// RecoveryRecord is one commit from the replayed log, reduced to what
// Recover needs to decide how to reconstitute its path secret.
type RecoveryRecord struct {
	ID    [32]byte
	Epoch uint32
	// WasMember reports whether the local node held a tree position at
	// this commit (spec §4.7: "for each commit where the node was a
	// member"). Commits processed before the node joined are skipped.
	WasMember bool
	// DeriveFromCiphertexts re-derives the path secret directly from the
	// handshake's own encrypted path secrets, the fallback used when the
	// node is still a receiver holding the private key needed to open its
	// copath entry (see pkg/tree.ApplyPath). Nil if the node can no longer
	// derive this commit's secret from the handshake alone (e.g. it has
	// since rotated past the leaf key that decrypted it).
	DeriveFromCiphertexts func() (epoch uint32, secret []byte, err error)
}

// Recover replays records in log order, reconstituting every path secret the
// local node should hold by trying, in order: the local store, the remote
// vault (if configured), then handshake-ciphertext derivation. The first
// record that exhausts all three fallbacks is reported as unrecoverable;
// per spec §4.7 this does not abort replay of earlier records, but the
// caller must stop trusting any epoch at or after the unrecoverable one.
//
// remote may be nil, disabling the remote fallback.
func Recover(ctx context.Context, local *LocalStore, remote RemoteFetcher, records []RecoveryRecord) (unrecoverableEpoch uint32, hasUnrecoverable bool, err error) {
	for _, rec := range records {
		if !rec.WasMember {
			continue
		}

		_, _, loadErr := local.Load(rec.ID)
		if loadErr == nil {
			continue
		}
		if !errors.Is(loadErr, ErrNotFound) {
			return 0, false, fmt.Errorf("seal: local recovery lookup: %w", loadErr)
		}

		if remote != nil {
			epoch, secret, remErr := remote.FetchSealedSecret(ctx, rec.ID)
			if remErr == nil {
				if saveErr := local.Save(rec.ID, epoch, secret); saveErr != nil {
					return 0, false, fmt.Errorf("seal: persisting remote-recovered secret: %w", saveErr)
				}
				continue
			}
		}

		if rec.DeriveFromCiphertexts != nil {
			derivedEpoch, derivedSecret, derivErr := rec.DeriveFromCiphertexts()
			if derivErr == nil {
				if saveErr := local.Save(rec.ID, derivedEpoch, derivedSecret); saveErr != nil {
					return 0, false, fmt.Errorf("seal: persisting derived secret: %w", saveErr)
				}
				continue
			}
		}

		return rec.Epoch, true, nil
	}
	return 0, false, nil
}
