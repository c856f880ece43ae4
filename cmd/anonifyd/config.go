package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the configuration surface of spec §6, populated from
// environment variables under the ANONIFY_ prefix (the same convention as
// the teacher's KAMUNE_DB_PATH / KAMUNE_DB_PASSPHRASE variables).
type Config struct {
	MaxCommandSize   int
	RosterSize       int
	MyRosterIdx      int
	PathSecretsDir   string
	KeyVaultEndpoint string
	OutOfOrderWindow int
	RequestRetries   int
	RetryDelay       time.Duration

	passphraseHandler PassphraseHandler
}

// ErrBadConfig wraps every configuration validation failure; the caller
// maps it to exit code 2.
var ErrBadConfig = errors.New("anonifyd: bad configuration")

// ConfigOption overrides a default field of Config, in the same style as
// the teacher's StorageOption.
type ConfigOption func(*Config)

// WithPassphraseHandler overrides how the local store's key-encryption
// passphrase is obtained, e.g. for tests.
func WithPassphraseHandler(fn PassphraseHandler) ConfigOption {
	return func(c *Config) { c.passphraseHandler = fn }
}

// LoadConfig reads the configuration surface from the environment,
// applying opts after the environment so tests and callers can override
// individual fields without setting env vars.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		MaxCommandSize:    512,
		OutOfOrderWindow:  32,
		RequestRetries:    5,
		RetryDelay:        200 * time.Millisecond,
		passphraseHandler: defaultPassphraseHandler,
	}

	var err error
	if cfg.MaxCommandSize, err = envInt("ANONIFY_MAX_COMMAND_SIZE", cfg.MaxCommandSize); err != nil {
		return nil, err
	}
	if cfg.RosterSize, err = envInt("ANONIFY_ROSTER_SIZE", 0); err != nil {
		return nil, err
	}
	if cfg.MyRosterIdx, err = envInt("ANONIFY_MY_ROSTER_IDX", -1); err != nil {
		return nil, err
	}
	if cfg.OutOfOrderWindow, err = envInt("ANONIFY_OUT_OF_ORDER_WINDOW", cfg.OutOfOrderWindow); err != nil {
		return nil, err
	}
	if cfg.RequestRetries, err = envInt("ANONIFY_REQUEST_RETRIES", cfg.RequestRetries); err != nil {
		return nil, err
	}
	retryMillis, err := envInt("ANONIFY_RETRY_DELAY_MILLIS", int(cfg.RetryDelay/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.RetryDelay = time.Duration(retryMillis) * time.Millisecond

	cfg.PathSecretsDir = os.Getenv("ANONIFY_PATH_SECRETS_DIR")
	cfg.KeyVaultEndpoint = os.Getenv("ANONIFY_KEY_VAULT_ENDPOINT")

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxCommandSize < 256 || c.MaxCommandSize&(c.MaxCommandSize-1) != 0 {
		return fmt.Errorf("%w: ANONIFY_MAX_COMMAND_SIZE must be a power of two >= 256, got %d", ErrBadConfig, c.MaxCommandSize)
	}
	if c.RosterSize <= 0 {
		return fmt.Errorf("%w: ANONIFY_ROSTER_SIZE must be set and positive", ErrBadConfig)
	}
	if c.MyRosterIdx < 0 || c.MyRosterIdx >= c.RosterSize {
		return fmt.Errorf("%w: ANONIFY_MY_ROSTER_IDX must be in [0, %d)", ErrBadConfig, c.RosterSize)
	}
	if c.PathSecretsDir == "" {
		return fmt.Errorf("%w: ANONIFY_PATH_SECRETS_DIR must be set", ErrBadConfig)
	}
	if c.OutOfOrderWindow <= 0 {
		return fmt.Errorf("%w: ANONIFY_OUT_OF_ORDER_WINDOW must be positive", ErrBadConfig)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrBadConfig, key, v)
	}
	return n, nil
}
