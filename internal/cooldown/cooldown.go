// Package cooldown implements a persistent key-scoped quarantine for
// (provider, model, account) tuples that failed recently. The in-memory map
// is the authoritative runtime view; a storage table mirrors it so cooldowns
// survive restarts.
package cooldown

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// DefaultDuration applies when neither the caller nor the
// PLEXUS_PROVIDER_COOLDOWN_MINUTES environment variable specifies one.
const DefaultDuration = 10 * time.Minute

// EnvCooldownMinutes overrides the default cooldown duration.
const EnvCooldownMinutes = "PLEXUS_PROVIDER_COOLDOWN_MINUTES"

type key struct {
	provider, model, account string
}

// Manager tracks cooling-down targets. Reads take a shared lock; marks and
// expiry deletions take an exclusive lock. Persistence failures never fail
// the calling request.
type Manager struct {
	mu      sync.RWMutex
	entries map[key]time.Time // -> expiry

	store storage.CooldownStore
	now   func() time.Time // overridable in tests

	// OnTrip, when set, is invoked on every MarkFailure. Used by the
	// composition root to feed metrics without coupling this package to them.
	OnTrip func(provider, model string)
}

// New returns a Manager mirrored to store. store may be nil in tests.
func New(store storage.CooldownStore) *Manager {
	return &Manager{
		entries: make(map[key]time.Time),
		store:   store,
		now:     time.Now,
	}
}

// Load purges expired rows and fills the in-memory map from storage.
// Called once at startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	now := m.now()
	if n, err := m.store.DeleteExpiredCooldowns(ctx, now); err != nil {
		return err
	} else if n > 0 {
		slog.Info("purged expired cooldowns", "count", n)
	}

	rows, err := m.store.ListCooldowns(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range rows {
		if e.Expiry.After(now) {
			m.entries[key{e.Provider, e.Model, e.AccountID}] = e.Expiry
		}
	}
	return nil
}

// MarkFailure quarantines the tuple for duration (or the configured default
// when zero) and upserts the mirror row.
func (m *Manager) MarkFailure(ctx context.Context, provider, model, accountID string, duration time.Duration) {
	if duration <= 0 {
		duration = defaultDuration()
	}
	now := m.now()
	expiry := now.Add(duration)

	m.mu.Lock()
	m.entries[key{provider, model, accountID}] = expiry
	m.mu.Unlock()

	if m.OnTrip != nil {
		m.OnTrip(provider, model)
	}

	slog.LogAttrs(ctx, slog.LevelWarn, "provider cooling down",
		slog.String("provider", provider),
		slog.String("model", model),
		slog.String("account", accountID),
		slog.Time("until", expiry),
	)

	if m.store != nil {
		if err := m.store.UpsertCooldown(ctx, plexus.CooldownEntry{
			Provider:  provider,
			Model:     model,
			AccountID: accountID,
			Expiry:    expiry,
			CreatedAt: now,
		}); err != nil {
			slog.Warn("cooldown persist failed", "provider", provider, "model", model, "error", err)
		}
	}
}

// IsHealthy reports whether the tuple is not cooling down. An expired entry
// is deleted eagerly from both the map and storage.
func (m *Manager) IsHealthy(ctx context.Context, provider, model, accountID string) bool {
	k := key{provider, model, accountID}

	m.mu.RLock()
	expiry, ok := m.entries[k]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	if expiry.After(m.now()) {
		return false
	}

	m.mu.Lock()
	// Re-check under the write lock: a concurrent MarkFailure may have
	// extended the entry.
	if expiry, ok = m.entries[k]; ok && !expiry.After(m.now()) {
		delete(m.entries, k)
		if m.store != nil {
			if err := m.store.DeleteCooldown(ctx, provider, model, accountID); err != nil {
				slog.Warn("cooldown delete failed", "provider", provider, "model", model, "error", err)
			}
		}
	}
	m.mu.Unlock()
	return !ok || !expiry.After(m.now())
}

// FilterHealthy returns a new list preserving order, keeping only targets
// not cooling down. accountID returns the oauth account scope for an element.
func FilterHealthy[T any](ctx context.Context, m *Manager, targets []T,
	scope func(T) (provider, model, accountID string)) []T {

	out := make([]T, 0, len(targets))
	for _, t := range targets {
		p, mod, acc := scope(t)
		if m.IsHealthy(ctx, p, mod, acc) {
			out = append(out, t)
		}
	}
	return out
}

// Clear removes entries by scope, wildcarding from the right: an empty model
// clears every model under the provider, an empty provider clears everything.
// Returns the number of in-memory entries removed.
func (m *Manager) Clear(ctx context.Context, provider, model, accountID string) int {
	m.mu.Lock()
	removed := 0
	for k := range m.entries {
		if provider != "" && k.provider != provider {
			continue
		}
		if model != "" && k.model != model {
			continue
		}
		if accountID != "" && k.account != accountID {
			continue
		}
		delete(m.entries, k)
		removed++
	}
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.ClearCooldowns(ctx, provider, model, accountID); err != nil {
			slog.Warn("cooldown clear persist failed", "error", err)
		}
	}
	return removed
}

// Active returns a snapshot of current non-expired entries.
func (m *Manager) Active() []plexus.CooldownEntry {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]plexus.CooldownEntry, 0, len(m.entries))
	for k, expiry := range m.entries {
		if expiry.After(now) {
			out = append(out, plexus.CooldownEntry{
				Provider:  k.provider,
				Model:     k.model,
				AccountID: k.account,
				Expiry:    expiry,
			})
		}
	}
	return out
}

// Sweep deletes expired entries from memory and storage. Run periodically by
// the cooldown sweeper worker.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	for k, expiry := range m.entries {
		if !expiry.After(now) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.DeleteExpiredCooldowns(ctx, now); err != nil {
			slog.Warn("cooldown sweep failed", "error", err)
		}
	}
}

func defaultDuration() time.Duration {
	if v := os.Getenv(EnvCooldownMinutes); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil && minutes > 0 {
			return time.Duration(minutes) * time.Minute
		}
		slog.Warn("invalid "+EnvCooldownMinutes+", using default", "value", v)
	}
	return DefaultDuration
}
