package router

import (
	"errors"
	"testing"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
providers:
  fast:
    apiBaseUrl:
      chat: https://fast.example/v1
    apiKey: sk-fast
    models: [m-fast]
  native:
    apiBaseUrl:
      messages: https://native.example/v1
    apiKey: sk-native
    models: [m-native]
  off:
    apiBaseUrl: https://off.example/v1
    apiKey: sk-off
    enabled: false
    models: [m-off]
models:
  smart:
    priority: api_match
    additionalAliases: [smart-latest]
    targets:
      - provider: fast
        model: m-fast
      - provider: native
        model: m-native
      - provider: off
        model: m-off
  empty:
    targets:
      - provider: fast
        model: m-fast
        enabled: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestResolveIn(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	cands, err := ResolveIn(cfg, "smart", plexus.DialectChat)
	if err != nil {
		t.Fatal(err)
	}
	// Disabled provider filtered; two candidates survive.
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	if cands[0].Alias != "smart" {
		t.Errorf("alias = %q, want smart", cands[0].Alias)
	}
	// api_match priority: the chat-speaking provider leads for a chat request.
	if cands[0].Provider != "fast" {
		t.Errorf("first candidate = %q, want fast", cands[0].Provider)
	}

	// Same alias, messages ingress: the messages-native provider leads.
	cands, err = ResolveIn(cfg, "smart", plexus.DialectMessages)
	if err != nil {
		t.Fatal(err)
	}
	if cands[0].Provider != "native" {
		t.Errorf("first candidate = %q, want native", cands[0].Provider)
	}
}

func TestResolveAdditionalAlias(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	cands, err := ResolveIn(cfg, "smart-latest", plexus.DialectChat)
	if err != nil {
		t.Fatal(err)
	}
	if cands[0].Alias != "smart" {
		t.Errorf("canonical alias = %q, want smart", cands[0].Alias)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	if _, err := ResolveIn(cfg, "ghost", plexus.DialectChat); !errors.Is(err, plexus.ErrAliasUnknown) {
		t.Errorf("unknown alias error = %v", err)
	}
	if _, err := ResolveIn(cfg, "empty", plexus.DialectChat); !errors.Is(err, plexus.ErrNoTargets) {
		t.Errorf("no targets error = %v", err)
	}
}
