package inspect

import (
	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// usageFromJSON maps a usage object into the unified token shape. Providers
// disagree on field names even within one dialect, so all known spellings
// are accepted: OpenAI chat (prompt_tokens/completion_tokens with nested
// details), the flat unified form (input_tokens/output_tokens), and the
// Anthropic cache fields.
func usageFromJSON(u gjson.Result) (plexus.TokenUsage, bool) {
	if !u.Exists() || !u.IsObject() {
		return plexus.TokenUsage{}, false
	}
	var out plexus.TokenUsage

	if v := u.Get("prompt_tokens"); v.Exists() {
		out.Input = v.Int()
	} else {
		out.Input = u.Get("input_tokens").Int()
	}
	if v := u.Get("completion_tokens"); v.Exists() {
		out.Output = v.Int()
	} else {
		out.Output = u.Get("output_tokens").Int()
	}

	switch {
	case u.Get("completion_tokens_details.reasoning_tokens").Exists():
		out.Reasoning = u.Get("completion_tokens_details.reasoning_tokens").Int()
	case u.Get("output_tokens_details.reasoning_tokens").Exists():
		out.Reasoning = u.Get("output_tokens_details.reasoning_tokens").Int()
	default:
		out.Reasoning = u.Get("reasoning_tokens").Int()
	}

	switch {
	case u.Get("prompt_tokens_details.cached_tokens").Exists():
		out.Cached = u.Get("prompt_tokens_details.cached_tokens").Int()
	case u.Get("input_tokens_details.cached_tokens").Exists():
		out.Cached = u.Get("input_tokens_details.cached_tokens").Int()
	case u.Get("cache_read_input_tokens").Exists():
		out.Cached = u.Get("cache_read_input_tokens").Int()
	default:
		out.Cached = u.Get("cached_tokens").Int()
	}

	if v := u.Get("cache_creation_input_tokens"); v.Exists() {
		out.CacheWrite = v.Int()
	} else {
		out.CacheWrite = u.Get("cache_creation_tokens").Int()
	}

	return out, true
}

// geminiUsage maps a usageMetadata object into the unified token shape.
func geminiUsage(u gjson.Result) (plexus.TokenUsage, bool) {
	if !u.Exists() || !u.IsObject() {
		return plexus.TokenUsage{}, false
	}
	return plexus.TokenUsage{
		Input:     u.Get("promptTokenCount").Int(),
		Output:    u.Get("candidatesTokenCount").Int(),
		Reasoning: u.Get("thoughtsTokenCount").Int(),
		Cached:    u.Get("cachedContentTokenCount").Int(),
	}, true
}

// ExtractUsage pulls token usage out of a complete (non-streaming) response
// body for the given dialect. ok is false when the body carries no usage.
func ExtractUsage(dialect plexus.Dialect, body []byte) (plexus.TokenUsage, bool) {
	switch dialect {
	case plexus.DialectGemini:
		return geminiUsage(gjson.GetBytes(body, "usageMetadata"))
	default:
		return usageFromJSON(gjson.GetBytes(body, "usage"))
	}
}
