package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/anonify-go/core/internal/wire"
	"github.com/anonify-go/core/pkg/ingest"
)

// Command kinds the ERC20Runtime dispatches on, the kind_id of spec §6's
// execute signature. The core never inspects these beyond the numeric id
// per spec §9's "dynamic command dispatch" note; they live here because
// this file is the program that gives them meaning, not the core.
const (
	KindConstruct uint32 = iota
	KindTransfer
	KindApprove
	KindTransferFrom
)

var (
	// ErrInsufficientBalance is returned by Transfer/TransferFrom when the
	// sender's balance cannot cover the amount.
	ErrInsufficientBalance = errors.New("runtime: insufficient balance")
	// ErrInsufficientAllowance is returned by TransferFrom when the
	// spender's allowance cannot cover the amount.
	ErrInsufficientAllowance = errors.New("runtime: insufficient allowance")
	// ErrAlreadyConstructed is returned if Construct runs twice.
	ErrAlreadyConstructed = errors.New("runtime: already constructed")
)

const memBalance = "balance"

func memAllowance(spender [32]byte) string {
	return "allowance:" + fmt.Sprintf("%x", spender[:])
}

// ERC20Runtime is the deterministic state-transition program of spec §8's
// end-to-end scenarios: construct, transfer, approve, transfer_from, plus
// the pure balance_of/allowance queries a caller runs directly against
// the Store without going through ingestion (spec §5: "command-
// decryption-only paths ... acquire a read lock").
type ERC20Runtime struct{}

// Execute implements ingest.Runtime.
func (ERC20Runtime) Execute(kindID uint32, args []byte, caller [32]byte, ctx ingest.StateGetter) ([]ingest.UpdatedState, error) {
	switch kindID {
	case KindConstruct:
		return executeConstruct(args, caller, ctx)
	case KindTransfer:
		return executeTransfer(args, caller, ctx)
	case KindApprove:
		return executeApprove(args, caller, ctx)
	case KindTransferFrom:
		return executeTransferFrom(args, caller, ctx)
	default:
		return nil, fmt.Errorf("runtime: unknown command kind %d", kindID)
	}
}

func executeConstruct(args []byte, owner [32]byte, ctx ingest.StateGetter) ([]ingest.UpdatedState, error) {
	if _, ok, err := ctx.Get(owner, memBalance); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyConstructed
	}
	totalSupply, err := decodeUint64(args)
	if err != nil {
		return nil, fmt.Errorf("decoding construct args: %w", err)
	}
	return []ingest.UpdatedState{
		{AccountID: owner, MemID: memBalance, NewValue: encodeUint64(totalSupply)},
	}, nil
}

func executeTransfer(args []byte, sender [32]byte, ctx ingest.StateGetter) ([]ingest.UpdatedState, error) {
	r := wire.NewReader(args)
	recipientBytes, err := r.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("decoding transfer recipient: %w", err)
	}
	var recipient [32]byte
	copy(recipient[:], recipientBytes)
	amount, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer amount: %w", err)
	}
	return moveBalance(ctx, sender, recipient, amount)
}

func executeApprove(args []byte, owner [32]byte, ctx ingest.StateGetter) ([]ingest.UpdatedState, error) {
	r := wire.NewReader(args)
	spenderBytes, err := r.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("decoding approve spender: %w", err)
	}
	var spender [32]byte
	copy(spender[:], spenderBytes)
	amount, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding approve amount: %w", err)
	}
	return []ingest.UpdatedState{
		{AccountID: owner, MemID: memAllowance(spender), NewValue: encodeUint64(amount)},
	}, nil
}

func executeTransferFrom(args []byte, spender [32]byte, ctx ingest.StateGetter) ([]ingest.UpdatedState, error) {
	r := wire.NewReader(args)
	ownerBytes, err := r.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_from owner: %w", err)
	}
	var owner [32]byte
	copy(owner[:], ownerBytes)
	recipientBytes, err := r.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_from recipient: %w", err)
	}
	var recipient [32]byte
	copy(recipient[:], recipientBytes)
	amount, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_from amount: %w", err)
	}

	allowance, err := getBalance(ctx, owner, memAllowance(spender))
	if err != nil {
		return nil, err
	}
	if allowance < amount {
		return nil, ErrInsufficientAllowance
	}

	updates, err := moveBalance(ctx, owner, recipient, amount)
	if err != nil {
		return nil, err
	}
	updates = append(updates, ingest.UpdatedState{
		AccountID: owner, MemID: memAllowance(spender), NewValue: encodeUint64(allowance - amount),
	})
	return updates, nil
}

func moveBalance(ctx ingest.StateGetter, from, to [32]byte, amount uint64) ([]ingest.UpdatedState, error) {
	fromBalance, err := getBalance(ctx, from, memBalance)
	if err != nil {
		return nil, err
	}
	if fromBalance < amount {
		return nil, ErrInsufficientBalance
	}
	toBalance, err := getBalance(ctx, to, memBalance)
	if err != nil {
		return nil, err
	}
	return []ingest.UpdatedState{
		{AccountID: from, MemID: memBalance, NewValue: encodeUint64(fromBalance - amount)},
		{AccountID: to, MemID: memBalance, NewValue: encodeUint64(toBalance + amount)},
	}, nil
}

func getBalance(ctx ingest.StateGetter, accountID [32]byte, memID string) (uint64, error) {
	v, ok, err := ctx.Get(accountID, memID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeUint64(v)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("runtime: expected 8-byte uint64, got %d", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// BalanceOf is the pure balance_of query of spec §8, run directly against
// the Store outside the ingestion lock (a read-only path per spec §5).
func BalanceOf(store ingest.StateGetter, account [32]byte) (uint64, error) {
	return getBalance(store, account, memBalance)
}

// Allowance is the pure allowance(owner, spender) query of spec §8.
func Allowance(store ingest.StateGetter, owner, spender [32]byte) (uint64, error) {
	return getBalance(store, owner, memAllowance(spender))
}

// EncodeConstruct builds the command args for a Construct command.
func EncodeConstruct(totalSupply uint64) []byte { return encodeUint64(totalSupply) }

// EncodeTransfer builds the command args for a Transfer command.
func EncodeTransfer(recipient [32]byte, amount uint64) []byte {
	w := wire.NewWriter()
	w.PutFixed(recipient[:])
	w.PutUint64(amount)
	return w.Bytes()
}

// EncodeApprove builds the command args for an Approve command.
func EncodeApprove(spender [32]byte, amount uint64) []byte {
	w := wire.NewWriter()
	w.PutFixed(spender[:])
	w.PutUint64(amount)
	return w.Bytes()
}

// EncodeTransferFrom builds the command args for a TransferFrom command.
func EncodeTransferFrom(owner, recipient [32]byte, amount uint64) []byte {
	w := wire.NewWriter()
	w.PutFixed(owner[:])
	w.PutFixed(recipient[:])
	w.PutUint64(amount)
	return w.Bytes()
}
