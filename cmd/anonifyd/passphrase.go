package main

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/term"
)

// passphraseEnvVar follows config.go's ANONIFY_ prefix convention rather
// than the teacher's KAMUNE_ one.
const passphraseEnvVar = "ANONIFY_DB_PASSPHRASE"

// PassphraseHandler returns the passphrase used to derive the local
// sealed store's key-encryption key.
type PassphraseHandler func() ([]byte, error)

// defaultPassphraseHandler prefers passphraseEnvVar and otherwise prompts
// on the controlling terminal. The prompt and the read it triggers write
// to stderr, not stdout: stdout is anonifyd's JSON response stream (see
// main.go's encoder), and a prompt byte landing there would corrupt it
// for whatever is decoding the other end.
func defaultPassphraseHandler() ([]byte, error) {
	if envPass := os.Getenv(passphraseEnvVar); envPass != "" {
		return []byte(envPass), nil
	}

	fmt.Fprintf(os.Stderr, "anonifyd: enter passphrase for %s: ", passphraseEnvVar)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return bytes.TrimSpace(pass), nil
}
