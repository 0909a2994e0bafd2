package pricing

import (
	"math"
	"testing"

	plexus "github.com/plexusgw/plexus/internal"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalculateSimple(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(nil)
	p := &Pricing{Source: SourceSimple, Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75}
	usage := plexus.TokenUsage{Input: 1_000_000, Output: 100_000, Reasoning: 50_000, Cached: 2_000_000}

	cost := calc.Calculate(p, usage, 0)
	if !almostEqual(cost.Input, 3.0+0.6) {
		t.Errorf("input cost = %v, want 3.6", cost.Input)
	}
	// Reasoning tokens bill at the output rate.
	if !almostEqual(cost.Output, 0.15*15.0) {
		t.Errorf("output cost = %v, want 2.25", cost.Output)
	}
}

func TestCalculateDefinedRanges(t *testing.T) {
	t.Parallel()

	upper := int64(200_000)
	p := &Pricing{
		Source: SourceDefined,
		Ranges: []Range{
			{LowerBound: 0, UpperBound: &upper, Input: 1.25, Output: 5.0},
			{LowerBound: 200_001, Input: 2.50, Output: 10.0},
		},
	}
	calc := NewCalculator(nil)

	small := calc.Calculate(p, plexus.TokenUsage{Input: 100_000, Output: 1000}, 0)
	if !almostEqual(small.Input, 0.125) {
		t.Errorf("small range input = %v, want 0.125", small.Input)
	}
	big := calc.Calculate(p, plexus.TokenUsage{Input: 1_000_000, Output: 1000}, 0)
	if !almostEqual(big.Input, 2.5) {
		t.Errorf("large range input = %v, want 2.5", big.Input)
	}
}

func TestCalculateOpenRouter(t *testing.T) {
	t.Parallel()

	table := NewRateTable()
	table.Set("acme/model-1", Rates{Prompt: 0.000001, Completion: 0.000002})
	calc := NewCalculator(table)

	p := &Pricing{Source: SourceOpenRouter, Slug: "acme/model-1"}
	cost := calc.Calculate(p, plexus.TokenUsage{Input: 1000, Output: 500}, 0)
	if !almostEqual(cost.Input, 0.001) {
		t.Errorf("input = %v, want 0.001", cost.Input)
	}
	if !almostEqual(cost.Output, 0.001) {
		t.Errorf("output = %v, want 0.001", cost.Output)
	}

	// Unknown slug costs zero rather than guessing.
	unknown := calc.Calculate(&Pricing{Source: SourceOpenRouter, Slug: "nope"}, plexus.TokenUsage{Input: 1000}, 0)
	if unknown.Total() != 0 {
		t.Errorf("unknown slug total = %v, want 0", unknown.Total())
	}
}

func TestCalculatePerRequest(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(nil)
	cost := calc.Calculate(&Pricing{Source: SourcePerRequest, Amount: 0.04}, plexus.TokenUsage{}, 0)
	if !almostEqual(cost.Input, 0.04) || cost.Output != 0 {
		t.Errorf("per_request cost = %+v", cost)
	}
}

func TestCalculateDiscounts(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(nil)
	p := &Pricing{Source: SourceSimple, Input: 10, Output: 10}
	usage := plexus.TokenUsage{Input: 1_000_000, Output: 1_000_000}

	provider := calc.Calculate(p, usage, 0.5)
	if !almostEqual(provider.Total(), 10) {
		t.Errorf("provider discount total = %v, want 10", provider.Total())
	}

	// Pricing-level discount overrides the provider's.
	override := 0.9
	p.Discount = &override
	own := calc.Calculate(p, usage, 0.5)
	if !almostEqual(own.Total(), 2) {
		t.Errorf("pricing discount total = %v, want 2", own.Total())
	}
}

func TestCalculateNilAndUnknown(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(nil)
	if got := calc.Calculate(nil, plexus.TokenUsage{Input: 1}, 0); got.Total() != 0 {
		t.Errorf("nil pricing total = %v", got.Total())
	}
	if got := calc.Calculate(&Pricing{Source: "mystery"}, plexus.TokenUsage{Input: 1}, 0); got.Total() != 0 {
		t.Errorf("unknown source total = %v", got.Total())
	}
}
