// Package debug holds per-request capture entries: raw and transformed
// payloads plus reconstructed stream snapshots. Entries live in memory for
// the request's lifetime (snapshots are needed there for usage extraction)
// and are persisted to the debug log only when capture is enabled and the
// request is not ephemeral.
package debug

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plexusgw/plexus/internal/storage"
)

// flushAfter bounds how long an unfinished entry may linger. The timer
// fires even when the request was cancelled mid-stream, so every entry is
// eventually flushed or discarded.
const flushAfter = 5 * time.Minute

// Entry is one request's capture. Field setters are safe to call from the
// request goroutine and the stream pump.
type Entry struct {
	mu        sync.Mutex
	requestID string
	ephemeral bool
	createdAt time.Time

	rawRequest          []byte
	transformedRequest  []byte
	rawResponse         []byte
	transformedResponse []byte
	rawSnapshot         []byte
	transformedSnapshot []byte

	timer   *time.Timer
	flushed bool
}

// SetEphemeral marks the entry to be discarded instead of persisted.
func (e *Entry) SetEphemeral() {
	e.mu.Lock()
	e.ephemeral = true
	e.mu.Unlock()
}

func (e *Entry) SetRawRequest(b []byte)          { e.set(&e.rawRequest, b) }
func (e *Entry) SetTransformedRequest(b []byte)  { e.set(&e.transformedRequest, b) }
func (e *Entry) SetRawResponse(b []byte)         { e.set(&e.rawResponse, b) }
func (e *Entry) SetTransformedResponse(b []byte) { e.set(&e.transformedResponse, b) }
func (e *Entry) SetRawSnapshot(b []byte)         { e.set(&e.rawSnapshot, b) }
func (e *Entry) SetTransformedSnapshot(b []byte) { e.set(&e.transformedSnapshot, b) }

func (e *Entry) set(field *[]byte, b []byte) {
	e.mu.Lock()
	*field = b
	e.mu.Unlock()
}

// RawSnapshot returns the reconstructed upstream response, if one was set.
func (e *Entry) RawSnapshot() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rawSnapshot
}

// BinaryStub builds the metadata placeholder stored in place of binary
// upload bodies (audio, images), which are never captured themselves.
func BinaryStub(filename string, size int64, mimeType string) []byte {
	b, _ := json.Marshal(map[string]any{
		"binary":   true,
		"filename": filename,
		"size":     size,
		"mimeType": mimeType,
	})
	return b
}

// Manager tracks in-flight capture entries keyed by request id.
type Manager struct {
	store   storage.DebugStore
	enabled atomic.Bool

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewManager wires a Manager. store may be used from timer goroutines until
// the manager is no longer referenced.
func NewManager(store storage.DebugStore, enabled bool) *Manager {
	m := &Manager{
		store:   store,
		entries: make(map[string]*Entry),
	}
	m.enabled.Store(enabled)
	return m
}

// Enabled reports whether raw captures are persisted.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// SetEnabled toggles persistence. In-flight entries observe the value at
// flush time.
func (m *Manager) SetEnabled(v bool) { m.enabled.Store(v) }

// Begin creates the capture entry for a request and arms its flush timer.
// Calling Begin twice for the same id returns the existing entry.
func (m *Manager) Begin(requestID string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[requestID]; ok {
		return e
	}
	e := &Entry{requestID: requestID, createdAt: time.Now()}
	e.timer = time.AfterFunc(flushAfter, func() {
		slog.Warn("debug entry expired before finish, flushing", "request_id", requestID)
		m.Finish(context.Background(), requestID)
	})
	m.entries[requestID] = e
	return e
}

// Get returns the entry for a request id, or nil.
func (m *Manager) Get(requestID string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[requestID]
}

// Finish flushes and removes the entry: persisted when capture is enabled
// and the entry is not ephemeral, discarded otherwise. Persistence errors
// are logged, never surfaced. Idempotent.
func (m *Manager) Finish(ctx context.Context, requestID string) {
	m.mu.Lock()
	e, ok := m.entries[requestID]
	if ok {
		delete(m.entries, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushed {
		return
	}
	e.flushed = true
	e.timer.Stop()

	if !m.enabled.Load() || e.ephemeral || m.store == nil {
		return
	}
	log := &storage.DebugLog{
		RequestID:                   e.requestID,
		RawRequest:                  string(e.rawRequest),
		TransformedRequest:          string(e.transformedRequest),
		RawResponse:                 string(e.rawResponse),
		TransformedResponse:         string(e.transformedResponse),
		RawResponseSnapshot:         string(e.rawSnapshot),
		TransformedResponseSnapshot: string(e.transformedSnapshot),
		CreatedAt:                   e.createdAt,
	}
	if err := m.store.InsertDebugLog(ctx, log); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "failed to persist debug log",
			slog.String("request_id", e.requestID),
			slog.String("error", err.Error()),
		)
	}
}

// Pending returns the number of in-flight entries. Used by health reporting
// and tests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
