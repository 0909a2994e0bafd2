package config

import (
	"fmt"
	"strings"

	plexus "github.com/plexusgw/plexus/internal"
)

// FieldError is a single validation failure tied to a document path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Path + ": " + e.Message }

// ValidationError aggregates all field errors found in one pass. It wraps
// plexus.ErrConfigInvalid so callers can classify it with errors.Is.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "config invalid: " + strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match plexus.ErrConfigInvalid.
func (e *ValidationError) Unwrap() error { return plexus.ErrConfigInvalid }

// Validate checks the whole document and returns a *ValidationError listing
// every violation, or nil.
func (c *Config) Validate() error {
	var errs []FieldError
	add := func(path, format string, args ...any) {
		errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for id, p := range c.Providers {
		path := "providers." + id
		if p == nil {
			add(path, "empty provider")
			continue
		}
		if p.APIBaseURL.IsZero() {
			add(path+".apiBaseUrl", "required")
		}
		for _, e := range p.APIBaseURL.Entries {
			if _, ok := plexus.ParseDialect(e.Tag); !ok && e.Tag != "default" {
				add(path+".apiBaseUrl."+e.Tag, "unknown dialect tag")
			}
		}

		// Exactly one credential branch: static key XOR (oauthProvider + oauthAccount).
		hasKey := p.APIKey != ""
		hasOAuth := p.OAuthProvider != "" || p.OAuthAccount != ""
		switch {
		case hasKey && hasOAuth:
			add(path, "apiKey and oauth credentials are mutually exclusive")
		case !hasKey && !hasOAuth:
			add(path, "either apiKey or oauthProvider+oauthAccount is required")
		case hasOAuth:
			if p.OAuthProvider == "" || p.OAuthAccount == "" {
				add(path, "oauthProvider and oauthAccount must both be set")
			} else if !validOAuthProvider(p.OAuthProvider) {
				add(path+".oauthProvider", "unknown oauth provider %q", p.OAuthProvider)
			}
		}
		if p.APIBaseURL.UsesOAuthScheme() && !p.HasOAuth() {
			add(path, "oauth:// base URL requires oauthProvider and oauthAccount")
		}

		if len(p.Models.Names) == 0 {
			add(path+".models", "at least one model is required")
		}
		for _, name := range p.Models.Names {
			mc := p.Models.Get(name)
			if mc == nil {
				continue
			}
			for _, d := range mc.AccessVia {
				if _, ok := plexus.ParseDialect(string(d)); !ok {
					add(path+".models."+name+".accessVia", "unknown dialect %q", d)
				}
			}
		}
		if p.Discount < 0 || p.Discount > 1 {
			add(path+".discount", "must be within [0,1], got %v", p.Discount)
		}
		if qc := p.QuotaChecker; qc != nil {
			if qc.Type == "" {
				add(path+".quotaChecker.type", "required")
			}
			if qc.IntervalMinutes <= 0 {
				add(path+".quotaChecker.intervalMinutes", "must be positive")
			}
		}
	}

	// Alias ids must be unique across canonical names and additional aliases.
	seenAliases := make(map[string]string) // alias id -> canonical owner
	claim := func(id, owner, path string) {
		if prev, dup := seenAliases[id]; dup {
			add(path, "duplicate alias %q (already defined by %q)", id, prev)
			return
		}
		seenAliases[id] = owner
	}

	for id, a := range c.Models {
		path := "models." + id
		if a == nil {
			add(path, "empty alias")
			continue
		}
		claim(id, id, path)
		for _, extra := range a.AdditionalAliases {
			claim(extra, id, path+".additionalAliases")
		}

		if len(a.Targets) == 0 {
			add(path+".targets", "at least one target is required")
		}
		for i, t := range a.Targets {
			tpath := fmt.Sprintf("%s.targets[%d]", path, i)
			p, ok := c.Providers[t.Provider]
			if !ok {
				add(tpath+".provider", "unknown provider %q", t.Provider)
				continue
			}
			if !p.Models.Has(t.Model) {
				add(tpath+".model", "model %q not declared under provider %q", t.Model, t.Provider)
			}
		}

		switch a.ResolvedSelector() {
		case SelectorRandom, SelectorInOrder, SelectorCost,
			SelectorLatency, SelectorUsage, SelectorPerformance:
		default:
			add(path+".selector", "unknown selector %q", a.Selector)
		}
		switch a.Priority {
		case "", PrioritySelector, PriorityAPIMatch:
		default:
			add(path+".priority", "unknown priority %q", a.Priority)
		}
	}

	for name, k := range c.Keys {
		path := "keys." + name
		if k == nil || k.Secret == "" {
			add(path+".secret", "required")
			continue
		}
		if k.Quota != "" {
			if _, ok := c.UserQuotas[k.Quota]; !ok {
				add(path+".quota", "unknown quota %q", k.Quota)
			}
		}
	}

	for name, q := range c.UserQuotas {
		path := "userQuotas." + name
		if q == nil {
			add(path, "empty quota")
			continue
		}
		switch q.Type {
		case plexus.QuotaRolling:
			if _, err := ParseHumanDuration(q.Duration); err != nil {
				add(path+".duration", "%v", err)
			}
		case plexus.QuotaDaily, plexus.QuotaWeekly:
		default:
			add(path+".type", "unknown quota type %q", q.Type)
		}
		switch q.LimitType {
		case plexus.LimitRequests, plexus.LimitTokens:
		default:
			add(path+".limitType", "unknown limit type %q", q.LimitType)
		}
		if q.Limit < 1 {
			add(path+".limit", "must be >= 1, got %v", q.Limit)
		}
	}

	if c.PerformanceExplorationRate != nil {
		if r := *c.PerformanceExplorationRate; r < 0 || r > 1 {
			add("performanceExplorationRate", "must be within [0,1], got %v", r)
		}
	}
	if c.LatencyExplorationRate != nil {
		if r := *c.LatencyExplorationRate; r < 0 || r > 1 {
			add("latencyExplorationRate", "must be within [0,1], got %v", r)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func validOAuthProvider(name string) bool {
	for _, p := range OAuthProviders {
		if p == name {
			return true
		}
	}
	return false
}
