// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// UsageFilter narrows usage queries.
type UsageFilter struct {
	APIKey   string
	Provider string
	Model    string
	Since    string // RFC3339
	Until    string
	Limit    int
	Offset   int
}

// UsageStore manages request usage persistence and the aggregate statistics
// the selectors read.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []plexus.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]plexus.UsageRecord, error)

	// Throughput returns average output tokens per second for successful
	// requests of the pair; ok is false without data.
	Throughput(ctx context.Context, provider, model string) (float64, bool, error)
	// AvgTTFT returns the average time-to-first-token in milliseconds.
	AvgTTFT(ctx context.Context, provider, model string) (float64, bool, error)
	// RequestCount24h returns total requests for the pair in the trailing 24h.
	RequestCount24h(ctx context.Context, provider, model string) (int64, error)
}

// CooldownStore mirrors the cooldown manager's in-memory map.
type CooldownStore interface {
	UpsertCooldown(ctx context.Context, e plexus.CooldownEntry) error
	DeleteCooldown(ctx context.Context, provider, model, accountID string) error
	// DeleteExpiredCooldowns removes rows with expiry before cutoff.
	DeleteExpiredCooldowns(ctx context.Context, cutoff time.Time) (int64, error)
	ListCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error)
	// ClearCooldowns deletes by scope; empty strings wildcard from the right.
	ClearCooldowns(ctx context.Context, provider, model, accountID string) (int64, error)
}

// QuotaStateStore manages the per-key quota counter rows.
type QuotaStateStore interface {
	// GetQuotaState returns plexus.ErrNotFound when no row exists.
	GetQuotaState(ctx context.Context, keyName string) (*plexus.QuotaState, error)
	UpsertQuotaState(ctx context.Context, st *plexus.QuotaState) error
	DeleteQuotaState(ctx context.Context, keyName string) error
}

// DebugLog is one persisted debug capture row.
type DebugLog struct {
	RequestID                   string
	RawRequest                  string
	TransformedRequest          string
	RawResponse                 string
	TransformedResponse         string
	RawResponseSnapshot         string
	TransformedResponseSnapshot string
	CreatedAt                   time.Time
}

// DebugStore persists stream debug captures.
type DebugStore interface {
	InsertDebugLog(ctx context.Context, l *DebugLog) error
}

// ConfigSnapshot is a named saved configuration document.
type ConfigSnapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Config    string    `json:"config"` // YAML
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotStore manages named config snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *ConfigSnapshot) error
	GetSnapshotByName(ctx context.Context, name string) (*ConfigSnapshot, error)
	ListSnapshots(ctx context.Context) ([]*ConfigSnapshot, error)
	UpdateSnapshot(ctx context.Context, s *ConfigSnapshot) error
	DeleteSnapshot(ctx context.Context, name string) error
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	CooldownStore
	QuotaStateStore
	DebugStore
	SnapshotStore
	Ping(ctx context.Context) error
	Close() error
}
