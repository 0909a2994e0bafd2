// Package config handles YAML configuration loading with environment variable
// expansion, validation, and atomic hot-reloaded snapshots.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/pricing"
)

// Config is the top-level gateway configuration. The providers/models/keys
// sections follow the document shape served by the management endpoint; the
// server/database/telemetry sections are deployment settings.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Database  DatabaseConfig  `yaml:"database,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Debug     DebugConfig     `yaml:"debug,omitempty"`

	// OAuthCredentials is the path of the oauth credential file used by
	// oauth-backed providers.
	OAuthCredentials string `yaml:"oauthCredentials,omitempty"`

	Providers  map[string]*Provider        `yaml:"providers"`
	Models     map[string]*Alias           `yaml:"models"`
	Keys       map[string]*Key             `yaml:"keys"`
	AdminKey   string                      `yaml:"adminKey,omitempty"`
	UserQuotas map[string]*QuotaDefinition `yaml:"userQuotas,omitempty"`

	// MCPServers is carried opaquely so management round-trips preserve it.
	MCPServers map[string]yaml.Node `yaml:"mcpServers,omitempty"`

	PerformanceExplorationRate *float64 `yaml:"performanceExplorationRate,omitempty"`
	LatencyExplorationRate     *float64 `yaml:"latencyExplorationRate,omitempty"`

	// UpstreamTimeouts overrides the default upstream timeout per dialect.
	UpstreamTimeouts map[string]time.Duration `yaml:"upstreamTimeouts,omitempty"`
}

// UpstreamTimeout returns the upstream request timeout for a dialect,
// defaulting to 120s.
func (c *Config) UpstreamTimeout(d plexus.Dialect) time.Duration {
	if t, ok := c.UpstreamTimeouts[string(d)]; ok && t > 0 {
		return t
	}
	return 120 * time.Second
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// DebugConfig controls raw request/response capture persistence.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OAuth provider identifiers accepted in provider configs.
var OAuthProviders = []string{
	"anthropic", "openai-codex", "github-copilot",
	"google-gemini-cli", "google-antigravity",
}

// Provider identifies one upstream.
type Provider struct {
	APIBaseURL     DialectURLs         `yaml:"apiBaseUrl"`
	APIKey         string              `yaml:"apiKey,omitempty"`
	OAuthProvider  string              `yaml:"oauthProvider,omitempty"`
	OAuthAccount   string              `yaml:"oauthAccount,omitempty"`
	Enabled        *bool               `yaml:"enabled,omitempty"`
	Models         ModelSet            `yaml:"models"`
	Headers        map[string]string   `yaml:"headers,omitempty"`
	ExtraBody      map[string]any      `yaml:"extraBody,omitempty"`
	Discount       float64             `yaml:"discount,omitempty"`
	EstimateTokens bool                `yaml:"estimateTokens,omitempty"`
	QuotaChecker   *QuotaCheckerConfig `yaml:"quotaChecker,omitempty"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p *Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// HasOAuth reports whether the provider uses the OAuth credential branch.
func (p *Provider) HasOAuth() bool {
	return p.OAuthProvider != "" && p.OAuthAccount != ""
}

// Dialects returns the provider's dialect set: the tags of its URL map plus
// any model-level type hints. A provider with a single URL and no hints
// defaults to {chat}.
func (p *Provider) Dialects() []plexus.Dialect {
	seen := make(map[plexus.Dialect]bool)
	var out []plexus.Dialect
	add := func(d plexus.Dialect) {
		if d != "" && d != "default" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, e := range p.APIBaseURL.Entries {
		if d, ok := plexus.ParseDialect(e.Tag); ok {
			add(d)
		}
	}
	for _, name := range p.Models.Names {
		if mc := p.Models.Configs[name]; mc != nil && mc.Type != "" {
			if d, ok := plexus.ParseDialect(string(mc.Type)); ok {
				add(d)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, plexus.DialectChat)
	}
	return out
}

// Supports reports whether d is in the provider's dialect set.
func (p *Provider) Supports(d plexus.Dialect) bool {
	for _, pd := range p.Dialects() {
		if pd == d {
			return true
		}
	}
	return false
}

// ModelConfig is the per-model declaration under a provider.
type ModelConfig struct {
	Pricing   *pricing.Pricing `yaml:"pricing,omitempty"`
	AccessVia []plexus.Dialect `yaml:"accessVia,omitempty"`
	Type      plexus.Dialect   `yaml:"type,omitempty"`
}

// ModelSet accepts either an ordered list of model names or a map from model
// name to ModelConfig. Names preserves declaration order for the list form.
type ModelSet struct {
	Names   []string
	Configs map[string]*ModelConfig
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *ModelSet) UnmarshalYAML(node *yaml.Node) error {
	m.Configs = make(map[string]*ModelConfig)
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		m.Names = names
		for _, n := range names {
			m.Configs[n] = &ModelConfig{}
		}
		return nil
	case yaml.MappingNode:
		// Walk pairs directly to preserve declaration order.
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			mc := &ModelConfig{}
			if err := node.Content[i+1].Decode(mc); err != nil {
				return fmt.Errorf("model %q: %w", name, err)
			}
			m.Names = append(m.Names, name)
			m.Configs[name] = mc
		}
		return nil
	case 0:
		return nil
	}
	return fmt.Errorf("models: expected list or map, got %s", kindName(node.Kind))
}

// MarshalYAML implements yaml.Marshaler, emitting the map form.
func (m ModelSet) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range m.Names {
		var key, val yaml.Node
		key.SetString(name)
		if err := val.Encode(m.Configs[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &key, &val)
	}
	return node, nil
}

// Has reports whether the model name is declared.
func (m ModelSet) Has(name string) bool {
	_, ok := m.Configs[name]
	return ok
}

// Get returns the model's config, or nil.
func (m ModelSet) Get(name string) *ModelConfig {
	return m.Configs[name]
}

// URLEntry is one tag -> URL pair of a dialect-keyed base URL map.
type URLEntry struct {
	Tag string
	URL string
}

// DialectURLs accepts either a single URL string or a mapping from dialect
// tag to URL. Entries preserves declaration order so "first entry" fallback
// is deterministic.
type DialectURLs struct {
	Single  string
	Entries []URLEntry
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (u *DialectURLs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&u.Single)
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			u.Entries = append(u.Entries, URLEntry{
				Tag: node.Content[i].Value,
				URL: node.Content[i+1].Value,
			})
		}
		return nil
	case 0:
		return nil
	}
	return fmt.Errorf("apiBaseUrl: expected string or map, got %s", kindName(node.Kind))
}

// MarshalYAML implements yaml.Marshaler.
func (u DialectURLs) MarshalYAML() (any, error) {
	if u.Single != "" {
		return u.Single, nil
	}
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range u.Entries {
		var key, val yaml.Node
		key.SetString(e.Tag)
		val.SetString(e.URL)
		node.Content = append(node.Content, &key, &val)
	}
	return node, nil
}

// IsZero reports whether no URL is configured.
func (u DialectURLs) IsZero() bool {
	return u.Single == "" && len(u.Entries) == 0
}

// Resolve returns the base URL for a dialect tag: exact tag first, then the
// "default" key, then the first entry. fallback is true when the first-entry
// path was taken (callers log a warning). The trailing slash is stripped.
func (u DialectURLs) Resolve(d plexus.Dialect) (url string, fallback bool) {
	defer func() { url = strings.TrimSuffix(url, "/") }()
	if u.Single != "" {
		return u.Single, false
	}
	for _, e := range u.Entries {
		if e.Tag == string(d) {
			return e.URL, false
		}
	}
	for _, e := range u.Entries {
		if e.Tag == "default" {
			return e.URL, false
		}
	}
	if len(u.Entries) > 0 {
		return u.Entries[0].URL, true
	}
	return "", false
}

// UsesOAuthScheme reports whether any configured URL uses the oauth:// scheme.
func (u DialectURLs) UsesOAuthScheme() bool {
	if strings.HasPrefix(u.Single, "oauth://") {
		return true
	}
	for _, e := range u.Entries {
		if strings.HasPrefix(e.URL, "oauth://") {
			return true
		}
	}
	return false
}

// Alias selectors.
const (
	SelectorRandom      = "random"
	SelectorInOrder     = "in_order"
	SelectorCost        = "cost"
	SelectorLatency     = "latency"
	SelectorUsage       = "usage"
	SelectorPerformance = "performance"
)

// Alias priorities.
const (
	PrioritySelector = "selector"
	PriorityAPIMatch = "api_match"
)

// Alias is a client-facing model name resolving to one or more targets.
type Alias struct {
	Targets           []*Target      `yaml:"targets"`
	Selector          string         `yaml:"selector,omitempty"` // defaults to random
	Priority          string         `yaml:"priority,omitempty"` // selector | api_match
	Type              plexus.Dialect `yaml:"type,omitempty"`
	AdditionalAliases []string       `yaml:"additionalAliases,omitempty"`
	Behaviors         []*Behavior    `yaml:"behaviors,omitempty"`
}

// ResolvedSelector returns the selector, defaulting to random.
func (a *Alias) ResolvedSelector() string {
	if a.Selector == "" {
		return SelectorRandom
	}
	return a.Selector
}

// Target is one (provider, model) pair within an alias.
type Target struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the target is enabled (defaults to true when nil).
func (t *Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Behavior is an alias-level request mutation, a closed tagged-variant set
// switched on Type. Unknown types are logged and skipped at dispatch.
type Behavior struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options,omitempty"`
}

// BehaviorStripAdaptiveThinking drops a thinking.type == "adaptive" block on
// the messages dialect.
const BehaviorStripAdaptiveThinking = "strip_adaptive_thinking"

// Key is an inbound API credential.
type Key struct {
	Secret  string `yaml:"secret"`
	Quota   string `yaml:"quota,omitempty"` // names a QuotaDefinition
	Comment string `yaml:"comment,omitempty"`
}

// QuotaDefinition is a named quota policy.
type QuotaDefinition struct {
	Type      string  `yaml:"type"`      // rolling | daily | weekly
	LimitType string  `yaml:"limitType"` // requests | tokens
	Limit     float64 `yaml:"limit"`
	Duration  string  `yaml:"duration,omitempty"` // rolling only, e.g. "1h", "30m", "1d"
}

// QuotaCheckerConfig configures out-of-band provider quota polling.
type QuotaCheckerConfig struct {
	Type            string         `yaml:"type"`
	IntervalMinutes int            `yaml:"intervalMinutes"`
	Options         map[string]any `yaml:"options,omitempty"`
}

// ExplorationRate returns the effective epsilon for the performance selector.
func (c *Config) ExplorationRate() float64 {
	if c.PerformanceExplorationRate != nil {
		return *c.PerformanceExplorationRate
	}
	return 0.05
}

// LatencyExploration returns the epsilon for the latency selector, falling
// back to the performance rate.
func (c *Config) LatencyExploration() float64 {
	if c.LatencyExplorationRate != nil {
		return *c.LatencyExplorationRate
	}
	return c.ExplorationRate()
}

// CanonicalAlias maps an alias id (canonical or additional) to its canonical
// id and definition. ok is false when no such alias exists.
func (c *Config) CanonicalAlias(id string) (canonical string, alias *Alias, ok bool) {
	if a, found := c.Models[id]; found {
		return id, a, true
	}
	for name, a := range c.Models {
		for _, extra := range a.AdditionalAliases {
			if extra == id {
				return name, a, true
			}
		}
	}
	return "", nil, false
}

// KeyByName returns the key config for name, or nil.
func (c *Config) KeyByName(name string) *Key {
	return c.Keys[name]
}

// KeyBySecret returns the key name whose secret matches, or "".
func (c *Config) KeyBySecret(secret string) string {
	for name, k := range c.Keys {
		if k.Secret != "" && k.Secret == secret {
			return name
		}
	}
	return ""
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Parse parses a YAML config document with env expansion and defaults.
// It does not validate; callers run Validate separately so management POSTs
// can report structured errors.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses disable the write deadline
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "plexus.db",
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseHumanDuration parses durations like "30m", "1h", "1d", "2w".
// Day and week suffixes extend the stdlib syntax.
func ParseHumanDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	switch s[len(s)-1] {
	case 'd', 'w':
		n, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		unit := 24 * time.Hour
		if s[len(s)-1] == 'w' {
			unit = 7 * 24 * time.Hour
		}
		return time.Duration(n * float64(unit)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
