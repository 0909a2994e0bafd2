// Package pricing implements cost evaluation for provider model pricing
// records. It is consumed both by the cost selector (synthetic token counts)
// and by post-flight usage accounting.
package pricing

import (
	"math"
	"sync"

	plexus "github.com/plexusgw/plexus/internal"
)

// Pricing sources.
const (
	SourceSimple     = "simple"
	SourceDefined    = "defined"
	SourceOpenRouter = "openrouter"
	SourcePerRequest = "per_request"
)

// Pricing describes how a model's usage converts to cost. All per-token rates
// are USD per million tokens except the openrouter source, whose rates are
// per token.
type Pricing struct {
	Source string `yaml:"source" json:"source"`

	// simple / defined shared rates (per million tokens).
	Input      float64 `yaml:"input,omitempty" json:"input,omitempty"`
	Output     float64 `yaml:"output,omitempty" json:"output,omitempty"`
	CacheRead  float64 `yaml:"cacheRead,omitempty" json:"cache_read,omitempty"`
	CacheWrite float64 `yaml:"cacheWrite,omitempty" json:"cache_write,omitempty"`

	// defined: piecewise ranges over input token count.
	Ranges []Range `yaml:"ranges,omitempty" json:"ranges,omitempty"`

	// openrouter: rate lookup by slug, per-token units.
	Slug string `yaml:"slug,omitempty" json:"slug,omitempty"`

	// per_request: flat amount attributed to the input bucket.
	Amount float64 `yaml:"amount,omitempty" json:"amount,omitempty"`

	// Discount overrides the provider-level discount when set.
	Discount *float64 `yaml:"discount,omitempty" json:"discount,omitempty"`
}

// Range is one piece of a defined pricing table. A nil UpperBound means +inf.
type Range struct {
	LowerBound int64    `yaml:"lowerBound" json:"lower_bound"`
	UpperBound *int64   `yaml:"upperBound,omitempty" json:"upper_bound,omitempty"`
	Input      float64  `yaml:"input" json:"input"`
	Output     float64  `yaml:"output" json:"output"`
	CacheRead  float64  `yaml:"cacheRead,omitempty" json:"cache_read,omitempty"`
	CacheWrite float64  `yaml:"cacheWrite,omitempty" json:"cache_write,omitempty"`
}

// Cost is a computed cost split by bucket.
type Cost struct {
	Input  float64
	Output float64
}

// Total returns the combined cost.
func (c Cost) Total() float64 { return c.Input + c.Output }

// Rates are per-token prices for an openrouter slug.
type Rates struct {
	Prompt     float64
	Completion float64
	CacheRead  float64
	CacheWrite float64
}

// RateTable maps openrouter slugs to per-token rates. Safe for concurrent use.
type RateTable struct {
	mu    sync.RWMutex
	rates map[string]Rates
}

// NewRateTable returns an empty RateTable.
func NewRateTable() *RateTable {
	return &RateTable{rates: make(map[string]Rates)}
}

// Set stores rates for a slug.
func (t *RateTable) Set(slug string, r Rates) {
	t.mu.Lock()
	t.rates[slug] = r
	t.mu.Unlock()
}

// Lookup returns the rates for a slug, if known.
func (t *RateTable) Lookup(slug string) (Rates, bool) {
	t.mu.RLock()
	r, ok := t.rates[slug]
	t.mu.RUnlock()
	return r, ok
}

// Calculator evaluates pricing records against token usage.
type Calculator struct {
	openrouter *RateTable // nil disables openrouter lookups
}

// NewCalculator returns a Calculator using the given openrouter rate table.
func NewCalculator(openrouter *RateTable) *Calculator {
	return &Calculator{openrouter: openrouter}
}

const perMillion = 1e6

// Calculate returns the cost of the given usage under p, applying the
// effective discount (pricing-level overrides provider-level) multiplicatively.
// A nil or unknown-source pricing costs zero.
func (c *Calculator) Calculate(p *Pricing, usage plexus.TokenUsage, providerDiscount float64) Cost {
	if p == nil {
		return Cost{}
	}

	var cost Cost
	switch p.Source {
	case SourceSimple:
		cost = perMillionCost(usage, p.Input, p.Output, p.CacheRead, p.CacheWrite)

	case SourceDefined:
		r, ok := findRange(p.Ranges, usage.Input)
		if !ok {
			return Cost{}
		}
		cost = perMillionCost(usage, r.Input, r.Output, r.CacheRead, r.CacheWrite)

	case SourceOpenRouter:
		if c.openrouter == nil {
			return Cost{}
		}
		r, ok := c.openrouter.Lookup(p.Slug)
		if !ok {
			return Cost{}
		}
		// openrouter rates are per token, not per million.
		cost = Cost{
			Input: float64(usage.Input)*r.Prompt +
				float64(usage.Cached)*r.CacheRead +
				float64(usage.CacheWrite)*r.CacheWrite,
			Output: float64(usage.Output+usage.Reasoning) * r.Completion,
		}

	case SourcePerRequest:
		cost = Cost{Input: p.Amount}

	default:
		return Cost{}
	}

	discount := providerDiscount
	if p.Discount != nil {
		discount = *p.Discount
	}
	if discount > 0 {
		mult := 1 - discount
		cost.Input *= mult
		cost.Output *= mult
	}
	return cost
}

// perMillionCost applies per-million-token rates to each usage bucket.
// Reasoning tokens are billed at the output rate.
func perMillionCost(usage plexus.TokenUsage, input, output, cacheRead, cacheWrite float64) Cost {
	return Cost{
		Input: float64(usage.Input)/perMillion*input +
			float64(usage.Cached)/perMillion*cacheRead +
			float64(usage.CacheWrite)/perMillion*cacheWrite,
		Output: float64(usage.Output+usage.Reasoning) / perMillion * output,
	}
}

// findRange returns the range with lowerBound <= inputTokens <= upperBound.
func findRange(ranges []Range, inputTokens int64) (Range, bool) {
	for _, r := range ranges {
		upper := int64(math.MaxInt64)
		if r.UpperBound != nil {
			upper = *r.UpperBound
		}
		if inputTokens >= r.LowerBound && inputTokens <= upper {
			return r, true
		}
	}
	return Range{}, false
}
