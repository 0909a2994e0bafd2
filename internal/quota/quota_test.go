package quota

import (
	"context"
	"testing"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/testutil"
)

const quotaYAML = `
keys:
  alice:
    secret: sk-alice
    quota: basic
  bob:
    secret: sk-bob
  carol:
    secret: sk-carol
    quota: daily-tokens
userQuotas:
  basic:
    type: rolling
    limitType: requests
    limit: 10
    duration: 1h
  daily-tokens:
    type: daily
    limitType: tokens
    limit: 1000
`

func newEnforcer(t *testing.T) (*Enforcer, *testutil.FakeStore, *time.Time) {
	t.Helper()
	store := testutil.NewFakeStore()
	e := New(testutil.StoreFromYAML(t, quotaYAML), store)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, store, &now
}

func TestCheckNoQuota(t *testing.T) {
	t.Parallel()

	e, _, _ := newEnforcer(t)
	chk, err := e.Check(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if chk != nil {
		t.Errorf("check for unbound key = %+v, want nil", chk)
	}
}

func TestRollingQuotaEnforcesAndLeaks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, _, now := newEnforcer(t)

	for i := 0; i < 10; i++ {
		chk, err := e.Check(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if !chk.Allowed {
			t.Fatalf("request %d denied below limit (usage %v)", i, chk.CurrentUsage)
		}
		if err := e.Record(ctx, "alice", plexus.TokenUsage{}); err != nil {
			t.Fatal(err)
		}
	}

	chk, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if chk.Allowed {
		t.Errorf("allowed at limit: usage=%v limit=%v", chk.CurrentUsage, chk.Limit)
	}
	if chk.ResetsAt.Before(*now) {
		t.Errorf("resets_at %v before now", chk.ResetsAt)
	}

	// The bucket leaks at limit/duration: after half the window, half drains.
	*now = now.Add(30 * time.Minute)
	chk, err = e.Check(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !chk.Allowed {
		t.Error("still denied after leak")
	}
	if chk.CurrentUsage < 4.9 || chk.CurrentUsage > 5.1 {
		t.Errorf("usage after half window = %v, want ~5", chk.CurrentUsage)
	}
}

func TestDailyQuotaTokensAndWindowRollover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, _, now := newEnforcer(t)

	if err := e.Record(ctx, "carol", plexus.TokenUsage{Input: 600, Output: 300}); err != nil {
		t.Fatal(err)
	}
	chk, err := e.Check(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if !chk.Allowed || chk.CurrentUsage != 900 {
		t.Errorf("after 900 tokens: allowed=%v usage=%v", chk.Allowed, chk.CurrentUsage)
	}

	if err := e.Record(ctx, "carol", plexus.TokenUsage{Input: 200}); err != nil {
		t.Fatal(err)
	}
	chk, _ = e.Check(ctx, "carol")
	if chk.Allowed {
		t.Errorf("allowed over token limit: usage=%v", chk.CurrentUsage)
	}
	wantReset := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if !chk.ResetsAt.Equal(wantReset) {
		t.Errorf("resets_at = %v, want %v", chk.ResetsAt, wantReset)
	}

	// Crossing midnight UTC resets the calendar window.
	*now = time.Date(2026, 8, 25, 0, 0, 1, 0, time.UTC)
	chk, err = e.Check(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if !chk.Allowed || chk.CurrentUsage != 0 {
		t.Errorf("after rollover: allowed=%v usage=%v", chk.Allowed, chk.CurrentUsage)
	}
}

func TestSchemaChangeResetsCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, store, _ := newEnforcer(t)

	for i := 0; i < 5; i++ {
		if err := e.Record(ctx, "alice", plexus.TokenUsage{}); err != nil {
			t.Fatal(err)
		}
	}

	// Simulate a rebinding: the stored row names a different quota.
	st, err := store.GetQuotaState(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	st.QuotaName = "old-quota"
	if err := store.UpsertQuotaState(ctx, st); err != nil {
		t.Fatal(err)
	}

	chk, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if chk.CurrentUsage != 0 {
		t.Errorf("usage after schema change = %v, want 0", chk.CurrentUsage)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, _, _ := newEnforcer(t)

	for i := 0; i < 3; i++ {
		if err := e.Record(ctx, "alice", plexus.TokenUsage{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Clear(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	chk, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if chk.CurrentUsage != 0 {
		t.Errorf("usage after clear = %v", chk.CurrentUsage)
	}

	// Clearing a key with no state is a no-op.
	if err := e.Clear(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
}

func TestBadDurationFailsOpen(t *testing.T) {
	t.Parallel()

	doc := `
keys:
  k:
    secret: sk
    quota: broken
userQuotas:
  broken:
    type: rolling
    limitType: requests
    limit: 5
    duration: 1h
`
	cfgStore := testutil.StoreFromYAML(t, doc)
	e := New(cfgStore, testutil.NewFakeStore())

	// Corrupt the in-memory definition the way a racy edit could.
	cfgStore.Current().UserQuotas["broken"].Duration = "bogus"

	chk, err := e.Check(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if chk != nil {
		t.Errorf("check with bad duration = %+v, want nil (fail open)", chk)
	}
}

func TestWindowStart(t *testing.T) {
	t.Parallel()

	// 2026-08-24 is a Monday; the weekly window anchors on Sunday.
	at := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	if got := windowStart(plexus.QuotaDaily, at); !got.Equal(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("daily window = %v", got)
	}
	if got := windowStart(plexus.QuotaWeekly, at); !got.Equal(time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("weekly window = %v", got)
	}
}
