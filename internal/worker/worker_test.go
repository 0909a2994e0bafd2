package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/testutil"
)

type captureStore struct {
	mu      sync.Mutex
	batches [][]plexus.UsageRecord
	flushed chan int
}

func newCaptureStore() *captureStore {
	return &captureStore{flushed: make(chan int, 16)}
}

func (c *captureStore) InsertUsage(_ context.Context, records []plexus.UsageRecord) error {
	c.mu.Lock()
	batch := make([]plexus.UsageRecord, len(records))
	copy(batch, records)
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	c.flushed <- len(records)
	return nil
}

func (c *captureStore) all() []plexus.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []plexus.UsageRecord
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func TestUsageRecorderFlushesFullBatch(t *testing.T) {
	t.Parallel()

	store := newCaptureStore()
	u := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()

	for i := 0; i < usageBatchSize; i++ {
		u.Record(plexus.UsageRecord{Provider: "openai", SelectedModel: "gpt-4o"})
	}

	select {
	case n := <-store.flushed:
		if n != usageBatchSize {
			t.Errorf("flushed batch = %d, want %d", n, usageBatchSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no flush after a full batch")
	}

	cancel()
	<-done
}

func TestUsageRecorderDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	store := newCaptureStore()
	u := NewUsageRecorder(store)

	var depths []int
	u.QueueLength = func(n int) { depths = append(depths, n) }

	u.Record(plexus.UsageRecord{Provider: "openai"})
	u.Record(plexus.UsageRecord{Provider: "openai"})
	u.Record(plexus.UsageRecord{Provider: "anthropic", RequestID: "fixed-id"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.Run(ctx); err != nil {
		t.Fatal(err)
	}

	recs := store.all()
	if len(recs) != 3 {
		t.Fatalf("drained records = %d, want 3", len(recs))
	}
	for _, r := range recs {
		if r.RequestID == "" {
			t.Error("request id not assigned on flush")
		}
	}
	var kept bool
	for _, r := range recs {
		if r.RequestID == "fixed-id" {
			kept = true
		}
	}
	if !kept {
		t.Error("caller-supplied request id overwritten")
	}
	if len(depths) == 0 {
		t.Error("queue length callback never invoked")
	}
}

func TestUsageRecorderKeepsRunningOnStoreError(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.InsertUsageErr = errors.New("disk full")
	u := NewUsageRecorder(store)

	u.Record(plexus.UsageRecord{Provider: "openai"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.Run(ctx); err != nil {
		t.Errorf("Run surfaced store error: %v", err)
	}
}

type workerFunc func(ctx context.Context) error

func (f workerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRunnerCancelsAllOnFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	failing := workerFunc(func(context.Context) error { return boom })
	blocking := workerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	err := NewRunner(blocking, failing).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocking := workerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err := NewRunner(blocking, blocking).Run(ctx); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestCooldownSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	w := NewCooldownSweeper(cooldown.New(testutil.NewFakeStore()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("err = %v", err)
	}
}

func quotaCheckerYAML(url string) string {
	return fmt.Sprintf(`
providers:
  capped:
    apiBaseUrl: https://api.example.com
    apiKey: sk-capped
    models:
      m-1:
      m-2:
    quotaChecker:
      type: http
      intervalMinutes: 5
      options:
        url: %s
        path: remaining
        min: 1
models:
  smart:
    targets:
      - provider: capped
        model: m-1
`, url)
}

func TestProviderQuotaWorkerCoolsDownExhausted(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if got := r.Header.Get("Authorization"); got != "Bearer sk-capped" {
			t.Errorf("auth header = %q", got)
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testutil.StoreFromYAML(t, quotaCheckerYAML(srv.URL))
	cd := cooldown.New(testutil.NewFakeStore())
	w := NewProviderQuotaWorker(cfg, cd, srv.Client())

	ctx := context.Background()
	seen := map[string]time.Time{}
	w.poll(ctx, seen)

	if hits != 1 {
		t.Errorf("quota endpoint hits = %d", hits)
	}
	if got := len(cd.Active()); got != 2 {
		t.Fatalf("active cooldowns = %d, want 2 (one per model)", got)
	}
	if cd.IsHealthy(ctx, "capped", "m-1", "") {
		t.Error("exhausted provider still healthy")
	}

	// A second poll inside the interval does not hit the endpoint again.
	w.poll(ctx, seen)
	if hits != 1 {
		t.Errorf("hits after early re-poll = %d", hits)
	}
}

func TestProviderQuotaWorkerRemainingAboveThreshold(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"remaining": 42}`)
	}))
	defer srv.Close()

	cfg := testutil.StoreFromYAML(t, quotaCheckerYAML(srv.URL))
	cd := cooldown.New(testutil.NewFakeStore())
	w := NewProviderQuotaWorker(cfg, cd, srv.Client())

	w.poll(context.Background(), map[string]time.Time{})
	if got := len(cd.Active()); got != 0 {
		t.Errorf("active cooldowns = %d, want 0", got)
	}
}

func TestProviderQuotaWorkerRemainingAtThreshold(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"remaining": 1}`)
	}))
	defer srv.Close()

	cfg := testutil.StoreFromYAML(t, quotaCheckerYAML(srv.URL))
	cd := cooldown.New(testutil.NewFakeStore())
	w := NewProviderQuotaWorker(cfg, cd, srv.Client())

	w.poll(context.Background(), map[string]time.Time{})
	if got := len(cd.Active()); got != 2 {
		t.Errorf("active cooldowns = %d, want 2", got)
	}
}
