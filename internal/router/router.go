// Package router resolves client-facing model aliases to concrete
// (provider, model) candidates and picks one via a pluggable selection policy.
package router

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
)

// Candidate is one resolvable (provider, model) pair for an alias, carrying
// the configs the dispatcher needs downstream.
type Candidate struct {
	Provider    string
	Model       string
	ProviderCfg *config.Provider
	ModelCfg    *config.ModelConfig
	Alias       string // canonical alias id
	AccountID   string // oauth account, for cooldown scoping
}

// resolveCacheTTL bounds staleness independently of the generation key; the
// generation component already invalidates on config reload.
const resolveCacheTTL = 30 * time.Second

// Router resolves aliases against the live config snapshot. Resolved
// candidate lists are cached keyed by (generation, alias, dialect) so a
// snapshot swap naturally invalidates them.
type Router struct {
	cfg   *config.Store
	cache *otter.Cache[string, []Candidate]
}

// New returns a Router reading from the given config store.
func New(cfg *config.Store) *Router {
	cache := otter.Must(&otter.Options[string, []Candidate]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, []Candidate](resolveCacheTTL),
	})
	return &Router{cfg: cfg, cache: cache}
}

// Resolve maps alias to its ordered candidate list for the incoming dialect.
// Returns ErrAliasUnknown when no alias matches, ErrNoTargets when every
// target is filtered out.
func (r *Router) Resolve(alias string, incoming plexus.Dialect) ([]Candidate, error) {
	key := fmt.Sprintf("%d|%s|%s", r.cfg.Generation(), alias, incoming)
	if cached, ok := r.cache.GetIfPresent(key); ok {
		return cached, nil
	}

	cands, err := ResolveIn(r.cfg.Current(), alias, incoming)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, cands)
	return cands, nil
}

// ResolveIn resolves against an explicit snapshot. Exposed for the selector
// tests and for management handlers that validate prospective configs.
func ResolveIn(cfg *config.Config, alias string, incoming plexus.Dialect) ([]Candidate, error) {
	canonical, def, ok := cfg.CanonicalAlias(alias)
	if !ok {
		return nil, fmt.Errorf("%w: %q", plexus.ErrAliasUnknown, alias)
	}

	var cands []Candidate
	for _, t := range def.Targets {
		if !t.IsEnabled() {
			continue
		}
		p, found := cfg.Providers[t.Provider]
		if !found || !p.IsEnabled() {
			continue
		}
		if !p.Models.Has(t.Model) {
			continue
		}
		cands = append(cands, Candidate{
			Provider:    t.Provider,
			Model:       t.Model,
			ProviderCfg: p,
			ModelCfg:    p.Models.Get(t.Model),
			Alias:       canonical,
			AccountID:   p.OAuthAccount,
		})
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %q", plexus.ErrNoTargets, canonical)
	}

	if def.Priority == config.PriorityAPIMatch {
		cands = reorderByDialect(cands, incoming)
	}
	return cands, nil
}

// reorderByDialect moves candidates whose provider speaks the incoming
// dialect to the front, stable within each group.
func reorderByDialect(cands []Candidate, incoming plexus.Dialect) []Candidate {
	matched := make([]Candidate, 0, len(cands))
	var rest []Candidate
	for _, c := range cands {
		if c.ProviderCfg.Supports(incoming) {
			matched = append(matched, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(matched, rest...)
}
