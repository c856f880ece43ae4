package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANONIFY_MAX_COMMAND_SIZE", "ANONIFY_ROSTER_SIZE", "ANONIFY_MY_ROSTER_IDX",
		"ANONIFY_PATH_SECRETS_DIR", "ANONIFY_KEY_VAULT_ENDPOINT",
		"ANONIFY_OUT_OF_ORDER_WINDOW", "ANONIFY_REQUEST_RETRIES", "ANONIFY_RETRY_DELAY_MILLIS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigRejectsMissingRosterSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANONIFY_PATH_SECRETS_DIR", t.TempDir())

	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestLoadConfigRejectsNonPowerOfTwoCommandSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANONIFY_ROSTER_SIZE", "2")
	t.Setenv("ANONIFY_MY_ROSTER_IDX", "0")
	t.Setenv("ANONIFY_PATH_SECRETS_DIR", t.TempDir())
	t.Setenv("ANONIFY_MAX_COMMAND_SIZE", "300")

	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestLoadConfigRejectsOutOfRangeRosterIdx(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANONIFY_ROSTER_SIZE", "2")
	t.Setenv("ANONIFY_MY_ROSTER_IDX", "5")
	t.Setenv("ANONIFY_PATH_SECRETS_DIR", t.TempDir())

	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestLoadConfigAppliesDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANONIFY_ROSTER_SIZE", "4")
	t.Setenv("ANONIFY_MY_ROSTER_IDX", "1")
	t.Setenv("ANONIFY_PATH_SECRETS_DIR", t.TempDir())
	t.Setenv("ANONIFY_OUT_OF_ORDER_WINDOW", "64")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.MaxCommandSize)
	assert.Equal(t, 4, cfg.RosterSize)
	assert.Equal(t, 1, cfg.MyRosterIdx)
	assert.Equal(t, 64, cfg.OutOfOrderWindow)
}

func TestLoadConfigOptionOverridesPassphraseHandler(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANONIFY_ROSTER_SIZE", "1")
	t.Setenv("ANONIFY_MY_ROSTER_IDX", "0")
	t.Setenv("ANONIFY_PATH_SECRETS_DIR", t.TempDir())

	called := false
	cfg, err := LoadConfig(WithPassphraseHandler(func() ([]byte, error) {
		called = true
		return []byte("test-passphrase"), nil
	}))
	require.NoError(t, err)

	_, err = cfg.passphraseHandler()
	require.NoError(t, err)
	assert.True(t, called)
}
