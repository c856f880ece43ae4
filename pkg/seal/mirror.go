package seal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// VaultTransport is the remote key-vault collaborator a VaultMirror pushes
// sealed path secrets through. Implementations carry their own transport
// (HTTP, gRPC, ...); pkg/seal only owns the retry/backoff policy around it.
type VaultTransport interface {
	PutSealedSecret(ctx context.Context, id [32]byte, epoch uint32, blob []byte) error
}

// BackoffConfig configures VaultMirror's retry policy, grounded on the
// peer reconnector's exponential-backoff-with-jitter shape, simplified to a
// bounded synchronous retry loop rather than a scheduled background timer.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       float64
}

// DefaultBackoffConfig mirrors the corpus's reconnector defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0.2,
	}
}

// VaultMirror best-effort-replicates sealed path secrets to a remote vault.
// Per spec §4.7, failures on the remote path are logged but never block the
// local transition: Mirror's error return exists for observability and
// tests, callers on the hot commit path should not treat it as fatal.
type VaultMirror struct {
	transport VaultTransport
	cfg       BackoffConfig
}

// NewVaultMirror builds a mirror over transport with cfg's retry policy.
func NewVaultMirror(transport VaultTransport, cfg BackoffConfig) *VaultMirror {
	return &VaultMirror{transport: transport, cfg: cfg}
}

// Mirror pushes the sealed blob for id/epoch to the remote vault, retrying
// with exponential backoff and jitter up to cfg.MaxAttempts times.
func (m *VaultMirror) Mirror(ctx context.Context, id [32]byte, epoch uint32, blob []byte) error {
	delay := m.cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		err := m.transport.PutSealedSecret(ctx, id, epoch, blob)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("vault mirror attempt failed",
			slog.Int("attempt", attempt), slog.Any("err", err))

		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("vault mirror: %w", ctx.Err())
		case <-time.After(jitter(delay, m.cfg.Jitter)):
		}
		delay = time.Duration(math.Min(float64(delay)*m.cfg.Multiplier, float64(m.cfg.MaxDelay)))
	}
	return fmt.Errorf("vault mirror: exhausted %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac * (rand.Float64()*2 - 1)
	return d + time.Duration(delta)
}
