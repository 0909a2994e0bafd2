package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

const sampleYAML = `
server:
  addr: ":9090"
  read_timeout: 10s
providers:
  openai:
    apiBaseUrl: https://api.openai.com/v1
    apiKey: sk-test
    models: [gpt-4o, gpt-4o-mini]
  anthropic:
    apiBaseUrl:
      messages: https://api.anthropic.com/v1
    apiKey: sk-ant
    models:
      claude-sonnet:
        pricing:
          input: 3.0
          output: 15.0
models:
  smart:
    selector: in_order
    additionalAliases: [gpt-4o-latest]
    targets:
      - provider: openai
        model: gpt-4o
      - provider: anthropic
        model: claude-sonnet
keys:
  alice:
    secret: sk-alice
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plexus.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	// Defaults survive a partial document.
	if cfg.Database.DSN != "plexus.db" {
		t.Errorf("dsn = %q, want default", cfg.Database.DSN)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown_timeout = %v, want 30s", cfg.Server.ShutdownTimeout)
	}

	p := cfg.Providers["openai"]
	if p == nil {
		t.Fatal("openai provider missing")
	}
	if got := p.Models.Names; len(got) != 2 || got[0] != "gpt-4o" {
		t.Errorf("model names = %v", got)
	}
	ant := cfg.Providers["anthropic"]
	mc := ant.Models.Get("claude-sonnet")
	if mc == nil || mc.Pricing == nil {
		t.Fatal("claude-sonnet pricing missing")
	}
	if mc.Pricing.Input != 3.0 || mc.Pricing.Output != 15.0 {
		t.Errorf("pricing = %+v", mc.Pricing)
	}
}

func TestExpandEnv(t *testing.T) {
	// t.Setenv is incompatible with t.Parallel.
	t.Setenv("PLEXUS_TEST_SECRET", "sk-secret-123")

	got := expandEnv([]byte("apiKey: ${PLEXUS_TEST_SECRET}"))
	if string(got) != "apiKey: sk-secret-123" {
		t.Errorf("expandEnv = %q", got)
	}

	// Unset variables stay verbatim rather than collapsing to empty.
	got = expandEnv([]byte("apiKey: ${PLEXUS_TEST_UNSET_VAR}"))
	if string(got) != "apiKey: ${PLEXUS_TEST_UNSET_VAR}" {
		t.Errorf("unset var = %q", got)
	}
}

func TestDialectURLsResolve(t *testing.T) {
	t.Parallel()

	u := DialectURLs{Entries: []URLEntry{
		{Tag: "messages", URL: "https://a.example/v1/"},
		{Tag: "default", URL: "https://b.example/v1"},
	}}

	if got, fb := u.Resolve(plexus.DialectMessages); got != "https://a.example/v1" || fb {
		t.Errorf("messages = %q fallback=%v", got, fb)
	}
	if got, fb := u.Resolve(plexus.DialectChat); got != "https://b.example/v1" || fb {
		t.Errorf("default = %q fallback=%v", got, fb)
	}

	noDefault := DialectURLs{Entries: []URLEntry{{Tag: "chat", URL: "https://c.example"}}}
	if got, fb := noDefault.Resolve(plexus.DialectGemini); got != "https://c.example" || !fb {
		t.Errorf("first-entry fallback = %q fallback=%v", got, fb)
	}

	single := DialectURLs{Single: "https://d.example/"}
	if got, _ := single.Resolve(plexus.DialectChat); got != "https://d.example" {
		t.Errorf("single = %q", got)
	}
}

func TestProviderDialects(t *testing.T) {
	t.Parallel()

	p := &Provider{
		APIBaseURL: DialectURLs{Entries: []URLEntry{
			{Tag: "chat", URL: "https://x.example"},
			{Tag: "messages", URL: "https://x.example"},
			{Tag: "default", URL: "https://x.example"},
		}},
	}
	ds := p.Dialects()
	if len(ds) != 2 || ds[0] != plexus.DialectChat || ds[1] != plexus.DialectMessages {
		t.Errorf("dialects = %v", ds)
	}

	// Single URL with no hints defaults to chat.
	plain := &Provider{APIBaseURL: DialectURLs{Single: "https://y.example"}}
	if ds := plain.Dialects(); len(ds) != 1 || ds[0] != plexus.DialectChat {
		t.Errorf("plain dialects = %v", ds)
	}
}

func TestCanonicalAlias(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if name, _, ok := cfg.CanonicalAlias("smart"); !ok || name != "smart" {
		t.Errorf("canonical lookup = %q ok=%v", name, ok)
	}
	if name, a, ok := cfg.CanonicalAlias("gpt-4o-latest"); !ok || name != "smart" || a == nil {
		t.Errorf("additional alias lookup = %q ok=%v", name, ok)
	}
	if _, _, ok := cfg.CanonicalAlias("nope"); ok {
		t.Error("unknown alias resolved")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		path string // a path expected among the field errors
	}{
		{
			name: "missing base url",
			doc: `
providers:
  p1:
    apiKey: sk
    models: [m]
`,
			path: "providers.p1.apiBaseUrl",
		},
		{
			name: "both credential branches",
			doc: `
providers:
  p1:
    apiBaseUrl: https://x.example
    apiKey: sk
    oauthProvider: anthropic
    oauthAccount: default
    models: [m]
`,
			path: "providers.p1",
		},
		{
			name: "unknown target provider",
			doc: `
providers:
  p1:
    apiBaseUrl: https://x.example
    apiKey: sk
    models: [m]
models:
  a:
    targets:
      - provider: ghost
        model: m
`,
			path: "models.a.targets[0].provider",
		},
		{
			name: "duplicate additional alias",
			doc: `
providers:
  p1:
    apiBaseUrl: https://x.example
    apiKey: sk
    models: [m]
models:
  a:
    targets: [{provider: p1, model: m}]
  b:
    additionalAliases: [a]
    targets: [{provider: p1, model: m}]
`,
			path: "models.b.additionalAliases",
		},
		{
			name: "rolling quota without duration",
			doc: `
userQuotas:
  q1:
    type: rolling
    limitType: requests
    limit: 10
`,
			path: "userQuotas.q1.duration",
		},
		{
			name: "key references unknown quota",
			doc: `
keys:
  k1:
    secret: sk
    quota: ghost
`,
			path: "keys.k1.quota",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse([]byte(tc.doc))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, plexus.ErrConfigInvalid) {
				t.Errorf("error does not wrap ErrConfigInvalid: %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error is not *ValidationError: %v", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Path == tc.path {
					found = true
				}
			}
			if !found {
				t.Errorf("no field error at %q, got %v", tc.path, verr.Fields)
			}
		})
	}
}

func TestStoreSaveAndReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleYAML)
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	gen := store.Generation()

	// Invalid documents are rejected and the snapshot stays.
	if err := store.Save([]byte("providers:\n  p:\n    models: [m]\n")); err == nil {
		t.Fatal("Save accepted invalid document")
	}
	if store.Generation() != gen {
		t.Error("generation bumped on failed save")
	}

	updated := sampleYAML + `
adminKey: admin-secret
`
	var swapped *Config
	store.OnSwap(func(c *Config) { swapped = c })
	if err := store.Save([]byte(updated)); err != nil {
		t.Fatal(err)
	}
	if store.Generation() != gen+1 {
		t.Errorf("generation = %d, want %d", store.Generation(), gen+1)
	}
	if store.Current().AdminKey != "admin-secret" {
		t.Error("snapshot not swapped")
	}
	if swapped == nil || swapped.AdminKey != "admin-secret" {
		t.Error("OnSwap not invoked with new snapshot")
	}

	// The file itself was rewritten; a fresh load sees the change.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.AdminKey != "admin-secret" {
		t.Error("saved document not persisted")
	}
}

func TestParseHumanDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"1d", 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1.5d", 36 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseHumanDuration(tc.in)
		if err != nil {
			t.Errorf("ParseHumanDuration(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseHumanDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "abc", "5x"} {
		if _, err := ParseHumanDuration(bad); err == nil {
			t.Errorf("ParseHumanDuration(%q) = nil error", bad)
		}
	}
}
