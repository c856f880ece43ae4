package ingest

import (
	"fmt"

	"github.com/anonify-go/core/internal/wire"
)

// KindRegisterNotification is a reserved command kind_id, outside the host
// Runtime's own numbering, that Pipeline intercepts itself before ever
// calling Runtime.Execute: spec §4.8's authenticated RegisterNotification
// command, which mutates C8's notification registry rather than
// application state.
const KindRegisterNotification uint32 = 0xFFFFFFFF

// EncodeRegisterNotification builds the command plaintext for a
// RegisterNotification command: the caller field is unused (the pubkey
// inside args is authoritative), and args carries pubkey || challenge ||
// sig, each length-prefixed.
func EncodeRegisterNotification(pubkey, challenge, sig []byte) []byte {
	args := wire.NewWriter()
	args.PutBytes(pubkey)
	args.PutBytes(challenge)
	args.PutBytes(sig)

	var caller [32]byte
	return EncodeCommand(KindRegisterNotification, caller, args.Bytes())
}

// decodeRegisterNotificationArgs is the inverse of the args half of
// EncodeRegisterNotification.
func decodeRegisterNotificationArgs(args []byte) (pubkey, challenge, sig []byte, err error) {
	r := wire.NewReader(args)
	if pubkey, err = r.Bytes(); err != nil {
		return nil, nil, nil, fmt.Errorf("ingest: decoding register_notification pubkey: %w", err)
	}
	if challenge, err = r.Bytes(); err != nil {
		return nil, nil, nil, fmt.Errorf("ingest: decoding register_notification challenge: %w", err)
	}
	if sig, err = r.Bytes(); err != nil {
		return nil, nil, nil, fmt.Errorf("ingest: decoding register_notification sig: %w", err)
	}
	return pubkey, challenge, sig, nil
}

// decodeCommand parses the plaintext a command envelope decrypts to:
// kind_id (uint32) || caller (32 bytes) || args (length-prefixed). Trailing
// zero padding past this is left untouched by envelope.Decrypt and is
// simply never read here, per spec §4.5's "stripped by the command schema,
// not by this layer."
func decodeCommand(plaintext []byte) (kindID uint32, caller [32]byte, args []byte, err error) {
	r := wire.NewReader(plaintext)
	if kindID, err = r.Uint32(); err != nil {
		return 0, caller, nil, fmt.Errorf("ingest: decoding command kind: %w", err)
	}
	callerBytes, err := r.Fixed(32)
	if err != nil {
		return 0, caller, nil, fmt.Errorf("ingest: decoding command caller: %w", err)
	}
	copy(caller[:], callerBytes)
	if args, err = r.Bytes(); err != nil {
		return 0, caller, nil, fmt.Errorf("ingest: decoding command args: %w", err)
	}
	return kindID, caller, args, nil
}

// EncodeCommand builds a command plaintext payload in the format
// decodeCommand expects, for callers constructing commands to encrypt
// through pkg/envelope.
func EncodeCommand(kindID uint32, caller [32]byte, args []byte) []byte {
	w := wire.NewWriter()
	w.PutUint32(kindID)
	w.PutFixed(caller[:])
	w.PutBytes(args)
	return w.Bytes()
}
