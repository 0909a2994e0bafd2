package router

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/pricing"
)

// StatsReader supplies the aggregated usage statistics the latency,
// performance and usage selectors score candidates with. Implementations
// read from the usage store; missing data is (0, false, nil).
type StatsReader interface {
	// Throughput returns average output tokens per second for the pair.
	Throughput(ctx context.Context, provider, model string) (float64, bool, error)
	// AvgTTFT returns average time-to-first-token in milliseconds.
	AvgTTFT(ctx context.Context, provider, model string) (float64, bool, error)
	// RequestCount24h returns total request count in the trailing 24 hours.
	RequestCount24h(ctx context.Context, provider, model string) (int64, error)
}

// Synthetic token counts used by the cost selector so candidates are
// compared on a common footing.
const (
	costProbeInput  = 1000
	costProbeOutput = 500
)

// Selector picks one candidate from a healthy candidate list according to
// the alias's configured policy.
type Selector struct {
	stats StatsReader
	calc  *pricing.Calculator
	randF func() float64 // overridable in tests
	randN func(n int) int
}

// NewSelector returns a Selector scoring with the given stats reader and
// pricing calculator.
func NewSelector(stats StatsReader, calc *pricing.Calculator) *Selector {
	return &Selector{
		stats: stats,
		calc:  calc,
		randF: rand.Float64,
		randN: rand.IntN,
	}
}

// Select applies the policy to cands. A single-element list short-circuits;
// an empty list returns ok=false. Selection reorders the returned list so
// the chosen candidate is first and the rest keep their relative order for
// failover.
func (s *Selector) Select(ctx context.Context, policy string, cfg *config.Config, cands []Candidate) ([]Candidate, bool) {
	if len(cands) == 0 {
		return nil, false
	}
	if len(cands) == 1 {
		return cands, true
	}

	var idx int
	switch policy {
	case config.SelectorInOrder:
		idx = 0
	case config.SelectorRandom:
		idx = s.randN(len(cands))
	case config.SelectorCost:
		idx = s.pickCheapest(cands)
	case config.SelectorPerformance:
		idx = s.pickByThroughput(ctx, cands, cfg.ExplorationRate())
	case config.SelectorLatency:
		idx = s.pickByTTFT(ctx, cands, cfg.LatencyExploration())
	case config.SelectorUsage:
		idx = s.pickLeastUsed(ctx, cands)
	default:
		slog.Warn("unknown selector, falling back to random", "selector", policy)
		idx = s.randN(len(cands))
	}
	return moveFront(cands, idx), true
}

// pickCheapest estimates cost per candidate over synthetic token counts and
// returns the minimum. Missing pricing scores zero, so free targets win ties.
func (s *Selector) pickCheapest(cands []Candidate) int {
	probe := plexus.TokenUsage{Input: costProbeInput, Output: costProbeOutput}
	best, bestCost := 0, math.Inf(1)
	for i, c := range cands {
		var p *pricing.Pricing
		if c.ModelCfg != nil {
			p = c.ModelCfg.Pricing
		}
		cost := s.calc.Calculate(p, probe, c.ProviderCfg.Discount).Total()
		if cost < bestCost {
			best, bestCost = i, cost
		}
	}
	return best
}

// pickByThroughput returns the candidate with the highest observed tokens/sec.
// With probability epsilon it instead explores uniformly among the non-best
// candidates to keep statistics fresh. Targets without data score zero.
func (s *Selector) pickByThroughput(ctx context.Context, cands []Candidate, epsilon float64) int {
	best, bestScore := 0, -1.0
	for i, c := range cands {
		score, _, err := s.stats.Throughput(ctx, c.Provider, c.Model)
		if err != nil {
			slog.Warn("throughput stats unavailable", "provider", c.Provider, "model", c.Model, "error", err)
			score = 0
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return s.explore(best, len(cands), epsilon)
}

// pickByTTFT returns the candidate with the lowest average time-to-first-token.
// Candidates without data sort last.
func (s *Selector) pickByTTFT(ctx context.Context, cands []Candidate, epsilon float64) int {
	best, bestScore := 0, math.Inf(1)
	found := false
	for i, c := range cands {
		ttft, ok, err := s.stats.AvgTTFT(ctx, c.Provider, c.Model)
		if err != nil {
			slog.Warn("ttft stats unavailable", "provider", c.Provider, "model", c.Model, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if ttft < bestScore {
			best, bestScore = i, ttft
			found = true
		}
	}
	if !found {
		best = 0
	}
	return s.explore(best, len(cands), epsilon)
}

// pickLeastUsed returns the candidate with the fewest requests in the
// trailing 24 hours.
func (s *Selector) pickLeastUsed(ctx context.Context, cands []Candidate) int {
	best, bestCount := 0, int64(math.MaxInt64)
	for i, c := range cands {
		n, err := s.stats.RequestCount24h(ctx, c.Provider, c.Model)
		if err != nil {
			slog.Warn("usage stats unavailable", "provider", c.Provider, "model", c.Model, "error", err)
			n = 0
		}
		if n < bestCount {
			best, bestCount = i, n
		}
	}
	return best
}

// explore keeps the best pick with probability 1-epsilon, otherwise picks
// uniformly among the other candidates.
func (s *Selector) explore(best, n int, epsilon float64) int {
	if n < 2 || epsilon <= 0 || s.randF() >= epsilon {
		return best
	}
	other := s.randN(n - 1)
	if other >= best {
		other++
	}
	return other
}

// moveFront returns a new slice with cands[idx] first and the remaining
// candidates in their original order.
func moveFront(cands []Candidate, idx int) []Candidate {
	if idx == 0 {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	out = append(out, cands[idx])
	out = append(out, cands[:idx]...)
	out = append(out, cands[idx+1:]...)
	return out
}
