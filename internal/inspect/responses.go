package inspect

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// responsesReducer reconstructs an OpenAI Responses API response. The
// envelope comes from response.created and is replaced wholesale by
// response.completed; between those, output items are tracked by
// output_index with text and tool-argument deltas accumulated.
type responsesReducer struct {
	envelope  map[string]any
	items     map[int64]map[string]any
	textAcc   map[int64]map[int64]*strings.Builder // output_index -> content_index
	argsAcc   map[int64]*strings.Builder
	completed bool
	usage     plexus.TokenUsage
	hasUse    bool
}

func newResponsesReducer() *responsesReducer {
	return &responsesReducer{
		items:   make(map[int64]map[string]any),
		textAcc: make(map[int64]map[int64]*strings.Builder),
		argsAcc: make(map[int64]*strings.Builder),
	}
}

func (r *responsesReducer) Feed(event string, data []byte) {
	if event == "" {
		event = gjson.GetBytes(data, "type").String()
	}

	switch event {
	case "response.created", "response.in_progress":
		r.adoptEnvelope(gjson.GetBytes(data, "response"))

	case "response.output_item.added":
		idx := gjson.GetBytes(data, "output_index").Int()
		var item map[string]any
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "item").Raw), &item); err == nil {
			r.items[idx] = item
		}

	case "response.output_text.delta":
		oi := gjson.GetBytes(data, "output_index").Int()
		ci := gjson.GetBytes(data, "content_index").Int()
		if r.textAcc[oi] == nil {
			r.textAcc[oi] = make(map[int64]*strings.Builder)
		}
		if r.textAcc[oi][ci] == nil {
			r.textAcc[oi][ci] = &strings.Builder{}
		}
		r.textAcc[oi][ci].WriteString(gjson.GetBytes(data, "delta").String())

	case "response.function_call_arguments.delta":
		oi := gjson.GetBytes(data, "output_index").Int()
		if r.argsAcc[oi] == nil {
			r.argsAcc[oi] = &strings.Builder{}
		}
		r.argsAcc[oi].WriteString(gjson.GetBytes(data, "delta").String())

	case "response.output_item.done":
		// The done item is authoritative: replaces the accumulated one.
		idx := gjson.GetBytes(data, "output_index").Int()
		var item map[string]any
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "item").Raw), &item); err == nil {
			r.items[idx] = item
			delete(r.textAcc, idx)
			delete(r.argsAcc, idx)
		}

	case "response.completed", "response.incomplete", "response.failed":
		r.adoptEnvelope(gjson.GetBytes(data, "response"))
		r.completed = true
	}
}

func (r *responsesReducer) adoptEnvelope(resp gjson.Result) {
	var env map[string]any
	if err := json.Unmarshal([]byte(resp.Raw), &env); err == nil {
		r.envelope = env
	}
	if tu, ok := usageFromJSON(resp.Get("usage")); ok {
		r.usage = tu
		r.hasUse = true
	}
}

func (r *responsesReducer) Snapshot() ([]byte, error) {
	env := r.envelope
	if env == nil {
		env = map[string]any{"object": "response"}
	}

	// A completed envelope already carries the final output array.
	if !r.completed {
		max := int64(-1)
		for i := range r.items {
			if i > max {
				max = i
			}
		}
		output := make([]any, 0, len(r.items))
		for i := int64(0); i <= max; i++ {
			item := r.items[i]
			if item == nil {
				continue
			}
			if acc := r.argsAcc[i]; acc != nil {
				item["arguments"] = acc.String()
			}
			if byContent := r.textAcc[i]; byContent != nil {
				if content, ok := item["content"].([]any); ok {
					for ci, b := range byContent {
						if int(ci) < len(content) {
							if part, ok := content[ci].(map[string]any); ok {
								part["text"] = b.String()
							}
						}
					}
				}
			}
			output = append(output, item)
		}
		env["output"] = output
	}

	return json.Marshal(env)
}

func (r *responsesReducer) Usage() (plexus.TokenUsage, bool) {
	return r.usage, r.hasUse
}
