// Package main implements anonifyd, a thin host process wiring the
// handshake, ingest, seal and runtime packages together behind a
// JSON-over-stdio protocol, in the same shape as the teacher's cmd/daemon
// wraps its P2P transport. Each line on stdin is a Command; each line
// written to stdout is an Event. Logging goes to stderr so stdout stays
// clean JSON, exactly as cmd/daemon does.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anonify-go/core/pkg/crypto"
	"github.com/anonify-go/core/pkg/envelope"
	"github.com/anonify-go/core/pkg/handshake"
	"github.com/anonify-go/core/pkg/ingest"
	"github.com/anonify-go/core/pkg/runtime"
	"github.com/anonify-go/core/pkg/seal"
)

// Exit codes per spec §6.
const (
	exitClean              = 0
	exitConfig             = 2
	exitUnrecoverableEpoch = 3
	exitStateCounterSkew   = 4
)

// Command types accepted on stdin.
const (
	CmdIngestHandshake  = "ingest_handshake"
	CmdIngestCiphertext = "ingest_ciphertext"
	CmdQueryState       = "query_state"
	CmdShutdown         = "shutdown"
)

// Event types written to stdout.
const (
	EvtReady    = "ready"
	EvtApplied  = "applied"
	EvtPoisoned = "poisoned"
	EvtRejected = "rejected"
	EvtResponse = "response"
	EvtError    = "error"
	EvtFatal    = "fatal"
	EvtShutdown = "shutdown"
)

// Command represents one incoming line from stdin.
type Command struct {
	Type   string          `json:"type"`
	Cmd    string          `json:"cmd"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Event represents one outgoing line to stdout.
type Event struct {
	Type string `json:"type"`
	Evt  string `json:"evt"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

// IngestCiphertextParams carries a base64-encoded canonical-wire Envelope
// plus the log's sequence number.
type IngestCiphertextParams struct {
	Seq         uint64 `json:"seq"`
	EnvelopeB64 string `json:"envelope_b64"`
}

// IngestHandshakeParams carries a base64-encoded canonical-wire
// HandshakeMessage plus the log's sequence number.
type IngestHandshakeParams struct {
	Seq          uint64 `json:"seq"`
	HandshakeB64 string `json:"handshake_b64"`
}

// QueryStateParams names one (account_id, mem_id) pair to read directly
// from the Store, bypassing ingestion (spec §6's get collaborator).
// Despite its name, AccountIDHex carries the 32-byte account id
// base64-encoded.
type QueryStateParams struct {
	AccountIDHex string `json:"account_id_hex"`
	MemID        string `json:"mem_id"`
}

// daemon owns the wired-up pipeline and the stdio protocol loop.
type daemon struct {
	cfg    *Config
	group  *handshake.Group
	store  *runtime.BoltStore
	sealer *seal.LocalStore
	pipe   *ingest.Pipeline
	out    *json.Encoder
}

func (d *daemon) emit(evt, correlationID string, data any) {
	if err := d.out.Encode(Event{Type: "evt", Evt: evt, ID: correlationID, Data: data}); err != nil {
		slog.Error("failed to emit event", slog.Any("error", err))
	}
}

func (d *daemon) emitError(correlationID string, err error) {
	d.emit(EvtError, correlationID, map[string]string{"error": err.Error()})
}

// run drives the stdin command loop until EOF or shutdown, returning the
// process exit code per spec §6.
func (d *daemon) run() int {
	d.emit(EvtReady, "", map[string]int{"pid": os.Getpid()})

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			d.emitError("", fmt.Errorf("invalid JSON: %w", err))
			continue
		}
		if code, done := d.handle(cmd); done {
			return code
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("stdin scanner error", slog.Any("error", err))
	}
	return exitClean
}

// handle processes one command, returning (exitCode, true) when the
// daemon should stop.
func (d *daemon) handle(cmd Command) (int, bool) {
	switch cmd.Cmd {
	case CmdIngestHandshake:
		return d.handleIngestHandshake(cmd)
	case CmdIngestCiphertext:
		return d.handleIngestCiphertext(cmd)
	case CmdQueryState:
		d.handleQueryState(cmd)
	case CmdShutdown:
		d.emit(EvtShutdown, cmd.ID, nil)
		return exitClean, true
	default:
		d.emitError(cmd.ID, fmt.Errorf("unknown command: %s", cmd.Cmd))
	}
	return 0, false
}

func (d *daemon) handleIngestHandshake(cmd Command) (int, bool) {
	var p IngestHandshakeParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid params: %w", err))
		return 0, false
	}
	raw, err := base64.StdEncoding.DecodeString(p.HandshakeB64)
	if err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid base64: %w", err))
		return 0, false
	}
	msg, err := handshake.Decode(raw)
	if err != nil {
		d.emitError(cmd.ID, fmt.Errorf("decoding handshake message: %w", err))
		return 0, false
	}
	disp, err := d.pipe.Ingest(ingest.LogRecord{Seq: p.Seq, Kind: ingest.KindHandshake, Handshake: msg})
	return d.reportIngest(cmd.ID, disp, err)
}

func (d *daemon) handleIngestCiphertext(cmd Command) (int, bool) {
	var p IngestCiphertextParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid params: %w", err))
		return 0, false
	}
	raw, err := base64.StdEncoding.DecodeString(p.EnvelopeB64)
	if err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid base64: %w", err))
		return 0, false
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		d.emitError(cmd.ID, fmt.Errorf("decoding envelope: %w", err))
		return 0, false
	}
	disp, err := d.pipe.Ingest(ingest.LogRecord{Seq: p.Seq, Kind: ingest.KindCiphertext, Envelope: env})
	return d.reportIngest(cmd.ID, disp, err)
}

// reportIngest emits the outcome of one Ingest call and maps a fatal
// StateSkew to the process's exit(4), per spec §7's "ingestion halts only
// on StateSkew or SealIO".
func (d *daemon) reportIngest(correlationID string, disp ingest.Disposition, err error) (int, bool) {
	if err != nil {
		if errors.Is(err, ingest.ErrStateSkew) {
			d.emit(EvtFatal, correlationID, map[string]string{"error": err.Error()})
			return exitStateCounterSkew, true
		}
		if errors.Is(err, ingest.ErrPolicyDenied) {
			d.emit(EvtRejected, correlationID, map[string]string{"error": err.Error()})
			return 0, false
		}
		d.emit(EvtPoisoned, correlationID, map[string]string{"error": err.Error()})
		return 0, false
	}
	d.emit(EvtApplied, correlationID, map[string]any{"disposition": int(disp)})
	return 0, false
}

func (d *daemon) handleQueryState(cmd Command) {
	var p QueryStateParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid params: %w", err))
		return
	}
	accountID, err := decodeAccountID(p.AccountIDHex)
	if err != nil {
		d.emitError(cmd.ID, err)
		return
	}
	value, ok, err := d.store.Get(accountID, p.MemID)
	if err != nil {
		d.emitError(cmd.ID, fmt.Errorf("querying state: %w", err))
		return
	}
	d.emit(EvtResponse, cmd.ID, map[string]any{
		"found": ok,
		"value_b64": base64.StdEncoding.EncodeToString(value),
	})
}

func decodeAccountID(hexStr string) ([32]byte, error) {
	var id [32]byte
	raw, err := base64.StdEncoding.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("anonifyd: account_id must be 32 bytes, base64-encoded")
	}
	copy(id[:], raw)
	return id, nil
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("loading configuration", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	d, code, err := bootstrap(cfg)
	if err != nil {
		slog.Error("bootstrapping daemon", slog.Any("error", err))
		os.Exit(code)
	}
	defer func() { _ = d.store.Close() }()
	defer func() { _ = d.sealer.Close() }()

	os.Exit(d.run())
}

// bootstrap wires the config into a running Group, Pipeline, Store and
// LocalStore. It always founds a fresh group rather than attempting
// pkg/seal.Recover: reconstructing a prior roster's tree state needs a
// replayed log, which is exactly what run's ingest_handshake/ingest_ciphertext
// commands already rebuild from. A deployment that embeds this host across
// its own restarts, rather than replaying the full log each time, is the
// one that calls pkg/seal.Recover directly and maps its unrecoverable
// result to exitUnrecoverableEpoch before ever starting the stdio loop.
func bootstrap(cfg *Config) (*daemon, int, error) {
	sealKeyMaterial, err := cfg.passphraseHandler()
	if err != nil {
		return nil, exitConfig, fmt.Errorf("obtaining passphrase: %w", err)
	}
	var sealKey [crypto.AEADKeySize]byte
	derived, err := crypto.ExpandLabel(sealKeyMaterial, "local-store-key", nil, crypto.AEADKeySize)
	if err != nil {
		return nil, exitConfig, fmt.Errorf("deriving local store key: %w", err)
	}
	copy(sealKey[:], derived)

	sealer, err := seal.OpenLocalStore(filepath.Join(cfg.PathSecretsDir, "secrets"), sealKey)
	if err != nil {
		return nil, exitConfig, fmt.Errorf("opening local path-secret store: %w", err)
	}

	leafSecret, err := crypto.RandPathSecret()
	if err != nil {
		_ = sealer.Close()
		return nil, exitConfig, fmt.Errorf("generating leaf secret: %w", err)
	}
	group, err := handshake.Bootstrap(cfg.RosterSize, cfg.MyRosterIdx, leafSecret)
	if err != nil {
		_ = sealer.Close()
		return nil, exitConfig, fmt.Errorf("bootstrapping group: %w", err)
	}

	store, err := runtime.OpenBoltStore(filepath.Join(cfg.PathSecretsDir, "state.db"), sealKey)
	if err != nil {
		_ = sealer.Close()
		return nil, exitConfig, fmt.Errorf("opening application state store: %w", err)
	}

	pipe := ingest.New(group, store, runtime.ERC20Runtime{}, sealer, cfg.OutOfOrderWindow)

	return &daemon{
		cfg:    cfg,
		group:  group,
		store:  store,
		sealer: sealer,
		pipe:   pipe,
		out:    json.NewEncoder(os.Stdout),
	}, exitClean, nil
}
