package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

// reloadDebounce coalesces the burst of fsnotify events editors produce for
// a single save.
const reloadDebounce = 100 * time.Millisecond

// Store holds the current immutable config snapshot behind an atomic pointer.
// Readers always see a complete snapshot; reloads swap the pointer after a
// successful parse+validate and bump the generation counter.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
	gen  atomic.Uint64

	mu       sync.Mutex // serializes reload/save
	onSwap   []func(*Config)
	onSwapMu sync.Mutex
}

// NewStore loads the config file at path and returns a Store with the first
// snapshot installed. A load failure here is fatal by design.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.cur.Store(cfg)
	s.gen.Store(1)
	return s, nil
}

// Current returns the active snapshot. The returned config must be treated
// as immutable.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Generation returns the snapshot generation, incremented on every swap.
// Caches keyed on config-derived values include it to invalidate on reload.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// OnSwap registers a callback invoked after each successful snapshot swap.
func (s *Store) OnSwap(fn func(*Config)) {
	s.onSwapMu.Lock()
	s.onSwap = append(s.onSwap, fn)
	s.onSwapMu.Unlock()
}

// Reload re-reads the file and swaps the snapshot. On failure the previous
// snapshot stays active and the error is returned.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.swap(cfg)
	return nil
}

// Save validates raw as a full YAML document, writes it atomically
// (tmp + rename), and swaps the snapshot.
func (s *Store) Save(raw []byte) error {
	cfg, err := Parse(raw)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".plexus-config-*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}

	s.swap(cfg)
	return nil
}

// Serialize renders the current snapshot back to YAML for the management GET.
func (s *Store) Serialize() ([]byte, error) {
	return yaml.Marshal(s.Current())
}

func (s *Store) swap(cfg *Config) {
	s.cur.Store(cfg)
	s.gen.Add(1)

	s.onSwapMu.Lock()
	callbacks := s.onSwap
	s.onSwapMu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Watch follows file change events until ctx is cancelled, reloading after a
// short debounce. Watching the directory instead of the file survives the
// rename dance editors and Save perform.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	base := filepath.Base(s.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Reload(); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "config reload failed, keeping previous snapshot",
					slog.String("path", s.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "config reloaded",
				slog.String("path", s.path),
				slog.Uint64("generation", s.Generation()),
			)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", werr)
		}
	}
}
