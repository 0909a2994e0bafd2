// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu          sync.RWMutex
	usage       []plexus.UsageRecord
	cooldowns   map[string]plexus.CooldownEntry
	quotaStates map[string]*plexus.QuotaState
	debugLogs   []*storage.DebugLog
	snapshots   map[string]*storage.ConfigSnapshot

	throughput map[string]float64
	ttft       map[string]float64
	reqCount   map[string]int64

	// InsertUsageErr, when set, is returned by InsertUsage.
	InsertUsageErr error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		cooldowns:   make(map[string]plexus.CooldownEntry),
		quotaStates: make(map[string]*plexus.QuotaState),
		snapshots:   make(map[string]*storage.ConfigSnapshot),
		throughput:  make(map[string]float64),
		ttft:        make(map[string]float64),
		reqCount:    make(map[string]int64),
	}
}

func pairKey(provider, model string) string { return provider + "/" + model }

func cooldownKey(provider, model, accountID string) string {
	return provider + "|" + model + "|" + accountID
}

// SetThroughput seeds the tokens-per-second stat for a provider/model pair.
func (s *FakeStore) SetThroughput(provider, model string, tps float64) {
	s.mu.Lock()
	s.throughput[pairKey(provider, model)] = tps
	s.mu.Unlock()
}

// SetTTFT seeds the average time-to-first-token stat in milliseconds.
func (s *FakeStore) SetTTFT(provider, model string, ms float64) {
	s.mu.Lock()
	s.ttft[pairKey(provider, model)] = ms
	s.mu.Unlock()
}

// SetRequestCount seeds the trailing-24h request count.
func (s *FakeStore) SetRequestCount(provider, model string, n int64) {
	s.mu.Lock()
	s.reqCount[pairKey(provider, model)] = n
	s.mu.Unlock()
}

// InsertedUsage returns a copy of every record passed to InsertUsage.
func (s *FakeStore) InsertedUsage() []plexus.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// DebugLogs returns every persisted debug capture.
func (s *FakeStore) DebugLogs() []*storage.DebugLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.DebugLog, len(s.debugLogs))
	copy(out, s.debugLogs)
	return out
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []plexus.UsageRecord) error {
	if s.InsertUsageErr != nil {
		return s.InsertUsageErr
	}
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) QueryUsage(_ context.Context, f storage.UsageFilter) ([]plexus.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []plexus.UsageRecord
	for _, r := range s.usage {
		if f.APIKey != "" && r.APIKey != f.APIKey {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if f.Model != "" && r.SelectedModel != f.Model {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) Throughput(_ context.Context, provider, model string) (float64, bool, error) {
	s.mu.RLock()
	v, ok := s.throughput[pairKey(provider, model)]
	s.mu.RUnlock()
	return v, ok, nil
}

func (s *FakeStore) AvgTTFT(_ context.Context, provider, model string) (float64, bool, error) {
	s.mu.RLock()
	v, ok := s.ttft[pairKey(provider, model)]
	s.mu.RUnlock()
	return v, ok, nil
}

func (s *FakeStore) RequestCount24h(_ context.Context, provider, model string) (int64, error) {
	s.mu.RLock()
	n := s.reqCount[pairKey(provider, model)]
	s.mu.RUnlock()
	return n, nil
}

// --- CooldownStore ---

func (s *FakeStore) UpsertCooldown(_ context.Context, e plexus.CooldownEntry) error {
	s.mu.Lock()
	s.cooldowns[cooldownKey(e.Provider, e.Model, e.AccountID)] = e
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteCooldown(_ context.Context, provider, model, accountID string) error {
	s.mu.Lock()
	delete(s.cooldowns, cooldownKey(provider, model, accountID))
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteExpiredCooldowns(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.cooldowns {
		if e.Expiry.Before(cutoff) {
			delete(s.cooldowns, k)
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) ListCooldowns(context.Context) ([]plexus.CooldownEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.CooldownEntry, 0, len(s.cooldowns))
	for _, e := range s.cooldowns {
		out = append(out, e)
	}
	return out, nil
}

func (s *FakeStore) ClearCooldowns(_ context.Context, provider, model, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.cooldowns {
		if provider != "" && e.Provider != provider {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		if accountID != "" && e.AccountID != accountID {
			continue
		}
		delete(s.cooldowns, k)
		n++
	}
	return n, nil
}

// --- QuotaStateStore ---

func (s *FakeStore) GetQuotaState(_ context.Context, keyName string) (*plexus.QuotaState, error) {
	s.mu.RLock()
	st, ok := s.quotaStates[keyName]
	s.mu.RUnlock()
	if !ok {
		return nil, plexus.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *FakeStore) UpsertQuotaState(_ context.Context, st *plexus.QuotaState) error {
	s.mu.Lock()
	cp := *st
	s.quotaStates[st.KeyName] = &cp
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteQuotaState(_ context.Context, keyName string) error {
	s.mu.Lock()
	delete(s.quotaStates, keyName)
	s.mu.Unlock()
	return nil
}

// --- DebugStore ---

func (s *FakeStore) InsertDebugLog(_ context.Context, l *storage.DebugLog) error {
	s.mu.Lock()
	cp := *l
	s.debugLogs = append(s.debugLogs, &cp)
	s.mu.Unlock()
	return nil
}

// --- SnapshotStore ---

func (s *FakeStore) CreateSnapshot(_ context.Context, snap *storage.ConfigSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.Name]; ok {
		return plexus.ErrConflict
	}
	cp := *snap
	s.snapshots[snap.Name] = &cp
	return nil
}

func (s *FakeStore) GetSnapshotByName(_ context.Context, name string) (*storage.ConfigSnapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[name]
	s.mu.RUnlock()
	if !ok {
		return nil, plexus.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *FakeStore) ListSnapshots(context.Context) ([]*storage.ConfigSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.ConfigSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateSnapshot(_ context.Context, snap *storage.ConfigSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.Name]; !ok {
		return plexus.ErrNotFound
	}
	cp := *snap
	s.snapshots[snap.Name] = &cp
	return nil
}

func (s *FakeStore) DeleteSnapshot(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[name]; !ok {
		return plexus.ErrNotFound
	}
	delete(s.snapshots, name)
	return nil
}

// --- Lifecycle ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }

var _ storage.Store = (*FakeStore)(nil)
