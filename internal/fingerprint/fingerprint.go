// Package fingerprint derives a stable per-install identifier for this
// device. The identifier distinguishes sessions of the same account from
// different devices and must survive restarts, so the resolved value is
// persisted and reused on later runs even when the underlying probe fails.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/sessionguard/agent/internal/logging"
)

var log = logging.L("fingerprint")

// Provider computes a best-effort device fingerprint. Implementations may
// fail or hang; the Resolver recovers via the persisted or synthesized
// fallback and bounds the probe with the context deadline.
type Provider interface {
	Fingerprint(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Fingerprint(ctx context.Context) (string, error) {
	return f(ctx)
}

// probeTimeout bounds the fingerprint probe so a hung platform API cannot
// stall connection setup.
const probeTimeout = 3 * time.Second

// MachineID returns a Provider backed by the host machine identifier.
// The raw id is hashed so it never leaves the device.
func MachineID() Provider {
	return ProviderFunc(func(ctx context.Context) (string, error) {
		id, err := host.HostIDWithContext(ctx)
		if err != nil {
			return "", fmt.Errorf("read host id: %w", err)
		}
		if id == "" {
			return "", fmt.Errorf("host id is empty")
		}
		info, err := host.InfoWithContext(ctx)
		platform := ""
		if err == nil && info != nil {
			platform = info.Platform
		}

		sum := sha256.Sum256([]byte(id + "|" + platform))
		return hex.EncodeToString(sum[:])[:32], nil
	})
}

// Resolver resolves the device fingerprint with a defined fallback law:
// probe result, else previously persisted value, else a synthesized
// identifier. Whatever it returns is persisted so subsequent runs reuse it.
type Resolver struct {
	provider Provider
	store    Store
	now      func() time.Time
}

// NewResolver creates a resolver over the given probe and store.
func NewResolver(provider Provider, store Store) *Resolver {
	return &Resolver{
		provider: provider,
		store:    store,
		now:      time.Now,
	}
}

// Resolve returns the fingerprint for this install. It never fails: probe
// errors degrade to the persisted value, then to a synthesized identifier
// built from the user id, current time, and random entropy.
func (r *Resolver) Resolve(ctx context.Context, userID string) string {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if value, err := r.provider.Fingerprint(probeCtx); err == nil && value != "" {
		if err := r.store.Set(value); err != nil {
			log.Warn("failed to persist fingerprint", "error", err)
		}
		return value
	} else if err != nil {
		log.Warn("fingerprint probe failed, using fallback", "error", err)
	}

	if value, ok := r.store.Get(); ok {
		return value
	}

	value := r.synthesize(userID)
	if err := r.store.Set(value); err != nil {
		log.Warn("failed to persist fallback fingerprint", "error", err)
	}
	return value
}

func (r *Resolver) synthesize(userID string) string {
	entropy := strings.ReplaceAll(uuid.New().String(), "-", "")[:13]
	return fmt.Sprintf("fallback-%s-%d-%s", userID, r.now().UnixMilli(), entropy)
}
