// Package quota enforces per-key usage quotas: rolling leaky-bucket windows
// plus daily and weekly calendar windows. State is persisted per key; every
// check and record is a read-modify-write serialized by a per-key mutex.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/storage"
)

// Enforcer applies the quota assigned to a key by the current config
// snapshot. Cross-key operations are independent; operations for one key are
// serialized.
type Enforcer struct {
	cfg   *config.Store
	store storage.QuotaStateStore
	locks sync.Map // keyName -> *sync.Mutex
	now   func() time.Time
}

// New returns an Enforcer reading quota assignments from cfg and state
// from store.
func New(cfg *config.Store, store storage.QuotaStateStore) *Enforcer {
	return &Enforcer{cfg: cfg, store: store, now: time.Now}
}

func (e *Enforcer) lock(keyName string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(keyName, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// quotaFor returns the quota definition bound to the key, or nil when the
// key has no quota (allow).
func (e *Enforcer) quotaFor(keyName string) (string, *config.QuotaDefinition) {
	cfg := e.cfg.Current()
	k := cfg.KeyByName(keyName)
	if k == nil || k.Quota == "" {
		return "", nil
	}
	return k.Quota, cfg.UserQuotas[k.Quota]
}

// Check evaluates the key's quota without consuming. Returns nil when the
// key has no quota assigned. An unparseable rolling duration fails open.
func (e *Enforcer) Check(ctx context.Context, keyName string) (*plexus.QuotaCheck, error) {
	quotaName, def := e.quotaFor(keyName)
	if def == nil {
		return nil, nil
	}

	mu := e.lock(keyName)
	mu.Lock()
	defer mu.Unlock()

	st, durationMs, err := e.loadState(ctx, keyName, quotaName, def)
	if err != nil {
		if errors.Is(err, errBadDuration) {
			return nil, nil // fail open, already logged
		}
		return nil, err
	}

	if err := e.store.UpsertQuotaState(ctx, st); err != nil {
		return nil, err
	}
	return e.result(st, def, durationMs), nil
}

// Record adds the cost of one finished request to the key's counter.
// No-op when the key has no quota.
func (e *Enforcer) Record(ctx context.Context, keyName string, usage plexus.TokenUsage) error {
	quotaName, def := e.quotaFor(keyName)
	if def == nil {
		return nil
	}

	cost := 1.0
	if def.LimitType == plexus.LimitTokens {
		cost = float64(usage.Total())
	}

	mu := e.lock(keyName)
	mu.Lock()
	defer mu.Unlock()

	st, _, err := e.loadState(ctx, keyName, quotaName, def)
	if err != nil {
		if errors.Is(err, errBadDuration) {
			return nil
		}
		return err
	}
	st.CurrentUsage += cost
	st.LastUpdated = e.now()
	return e.store.UpsertQuotaState(ctx, st)
}

// Clear zeroes the key's counter. Admin-only; callers gate access.
func (e *Enforcer) Clear(ctx context.Context, keyName string) error {
	mu := e.lock(keyName)
	mu.Lock()
	defer mu.Unlock()

	st, err := e.store.GetQuotaState(ctx, keyName)
	if err != nil {
		if errors.Is(err, plexus.ErrNotFound) {
			return nil
		}
		return err
	}
	st.CurrentUsage = 0
	st.LastUpdated = e.now()
	return e.store.UpsertQuotaState(ctx, st)
}

// Status reports the key's current standing without mutating persisted
// state. Readers tolerate slight staleness.
func (e *Enforcer) Status(ctx context.Context, keyName string) (*plexus.QuotaCheck, error) {
	quotaName, def := e.quotaFor(keyName)
	if def == nil {
		return nil, nil
	}
	mu := e.lock(keyName)
	mu.Lock()
	defer mu.Unlock()

	st, durationMs, err := e.loadState(ctx, keyName, quotaName, def)
	if err != nil {
		if errors.Is(err, errBadDuration) {
			return nil, nil
		}
		return nil, err
	}
	return e.result(st, def, durationMs), nil
}

var errBadDuration = errors.New("unparseable quota duration")

// loadState loads (or initializes) the key's row and normalizes it against
// the current config: schema changes reset the counter, calendar windows
// advance, rolling windows leak. The returned state is not yet persisted.
func (e *Enforcer) loadState(ctx context.Context, keyName, quotaName string, def *config.QuotaDefinition) (*plexus.QuotaState, float64, error) {
	now := e.now()

	var durationMs float64
	if def.Type == plexus.QuotaRolling {
		d, err := config.ParseHumanDuration(def.Duration)
		if err != nil {
			slog.Warn("quota duration unparseable, failing open",
				"quota", quotaName, "duration", def.Duration, "error", err)
			return nil, 0, errBadDuration
		}
		durationMs = float64(d.Milliseconds())
	}

	st, err := e.store.GetQuotaState(ctx, keyName)
	switch {
	case errors.Is(err, plexus.ErrNotFound):
		st = &plexus.QuotaState{
			KeyName:     keyName,
			QuotaName:   quotaName,
			LimitType:   def.LimitType,
			LastUpdated: now,
		}
		if def.Type != plexus.QuotaRolling {
			ws := windowStart(def.Type, now)
			st.WindowStart = &ws
		}
		return st, durationMs, nil
	case err != nil:
		return nil, 0, err
	}

	// Stale schema: the stored row belongs to a different quota binding.
	if st.QuotaName != quotaName || st.LimitType != def.LimitType {
		st.QuotaName = quotaName
		st.LimitType = def.LimitType
		st.CurrentUsage = 0
		st.LastUpdated = now
		st.WindowStart = nil
		if def.Type != plexus.QuotaRolling {
			ws := windowStart(def.Type, now)
			st.WindowStart = &ws
		}
		return st, durationMs, nil
	}

	switch def.Type {
	case plexus.QuotaDaily, plexus.QuotaWeekly:
		ws := windowStart(def.Type, now)
		if st.WindowStart == nil || !st.WindowStart.Equal(ws) {
			st.CurrentUsage = 0
			st.WindowStart = &ws
		}
	case plexus.QuotaRolling:
		leakRate := def.Limit / durationMs
		elapsed := float64(now.Sub(st.LastUpdated).Milliseconds())
		if elapsed > 0 {
			st.CurrentUsage = max(0, st.CurrentUsage-leakRate*elapsed)
		}
	}
	st.LastUpdated = now
	return st, durationMs, nil
}

func (e *Enforcer) result(st *plexus.QuotaState, def *config.QuotaDefinition, durationMs float64) *plexus.QuotaCheck {
	now := e.now()
	var resetsAt time.Time
	switch def.Type {
	case plexus.QuotaRolling:
		if def.Limit > 0 {
			resetsAt = now.Add(time.Duration(st.CurrentUsage / def.Limit * durationMs * float64(time.Millisecond)))
		}
	case plexus.QuotaDaily:
		resetsAt = windowStart(def.Type, now).Add(24 * time.Hour)
	case plexus.QuotaWeekly:
		resetsAt = windowStart(def.Type, now).Add(7 * 24 * time.Hour)
	}
	return &plexus.QuotaCheck{
		Allowed:      st.CurrentUsage < def.Limit,
		QuotaName:    st.QuotaName,
		LimitType:    def.LimitType,
		CurrentUsage: st.CurrentUsage,
		Limit:        def.Limit,
		Remaining:    max(0, def.Limit-st.CurrentUsage),
		ResetsAt:     resetsAt,
	}
}

// windowStart returns the UTC start of the current calendar window:
// midnight for daily, Sunday midnight for weekly.
func windowStart(quotaType string, now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if quotaType == plexus.QuotaWeekly {
		return day.AddDate(0, 0, -int(day.Weekday()))
	}
	return day
}
