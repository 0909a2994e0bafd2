package inspect

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// messagesReducer reconstructs an Anthropic Messages response. The envelope
// is seeded from message_start and content blocks accumulate by index;
// tool_use input arrives as concatenated partial_json which is reparsed on
// every touch so the snapshot always holds the best-effort decoded input.
type messagesReducer struct {
	envelope map[string]any
	blocks   map[int64]*messageBlock
	usage    plexus.TokenUsage
	hasUse   bool
}

type messageBlock struct {
	index       int64
	typ         string
	text        strings.Builder // text / thinking / thought accumulator
	partialJSON strings.Builder
	input       any
	seed        map[string]any // fields from content_block_start (id, name, ...)
}

func newMessagesReducer() *messagesReducer {
	return &messagesReducer{blocks: make(map[int64]*messageBlock)}
}

func (r *messagesReducer) Feed(event string, data []byte) {
	if event == "" {
		event = gjson.GetBytes(data, "type").String()
	}

	switch event {
	case "message_start":
		msg := gjson.GetBytes(data, "message")
		var env map[string]any
		if err := json.Unmarshal([]byte(msg.Raw), &env); err == nil {
			delete(env, "content")
			r.envelope = env
		}
		r.mergeUsage(msg.Get("usage"))

	case "content_block_start":
		idx := gjson.GetBytes(data, "index").Int()
		cb := gjson.GetBytes(data, "content_block")
		blk := &messageBlock{index: idx, typ: cb.Get("type").String()}
		var seed map[string]any
		if err := json.Unmarshal([]byte(cb.Raw), &seed); err == nil {
			blk.seed = seed
		}
		if blk.typ == "tool_use" {
			blk.input = map[string]any{}
		}
		r.blocks[idx] = blk

	case "content_block_delta":
		idx := gjson.GetBytes(data, "index").Int()
		blk := r.blocks[idx]
		if blk == nil {
			blk = &messageBlock{index: idx}
			r.blocks[idx] = blk
		}
		delta := gjson.GetBytes(data, "delta")
		switch delta.Get("type").String() {
		case "text_delta":
			blk.text.WriteString(delta.Get("text").String())
		case "thinking_delta":
			blk.text.WriteString(delta.Get("thinking").String())
		case "thought_delta":
			blk.text.WriteString(delta.Get("thought").String())
		case "input_json_delta":
			blk.partialJSON.WriteString(delta.Get("partial_json").String())
			var input any
			if err := json.Unmarshal([]byte(blk.partialJSON.String()), &input); err == nil {
				blk.input = input
			}
		}

	case "message_delta":
		delta := gjson.GetBytes(data, "delta")
		if r.envelope != nil {
			if v := delta.Get("stop_reason"); v.Exists() {
				r.envelope["stop_reason"] = v.Value()
			}
			if v := delta.Get("stop_sequence"); v.Exists() {
				r.envelope["stop_sequence"] = v.Value()
			}
		}
		r.mergeUsage(gjson.GetBytes(data, "usage"))
	}
}

// mergeUsage folds a usage object in. message_start carries input tokens,
// message_delta the final output count; fields already observed are kept
// when the new object omits them.
func (r *messagesReducer) mergeUsage(u gjson.Result) {
	tu, ok := usageFromJSON(u)
	if !ok {
		return
	}
	if tu.Input == 0 {
		tu.Input = r.usage.Input
	}
	if tu.Output == 0 {
		tu.Output = r.usage.Output
	}
	if tu.Cached == 0 {
		tu.Cached = r.usage.Cached
	}
	if tu.CacheWrite == 0 {
		tu.CacheWrite = r.usage.CacheWrite
	}
	r.usage = tu
	r.hasUse = true
}

func (r *messagesReducer) Snapshot() ([]byte, error) {
	env := r.envelope
	if env == nil {
		env = map[string]any{"type": "message"}
	}

	indexes := make([]int64, 0, len(r.blocks))
	for i := range r.blocks {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	content := make([]map[string]any, 0, len(indexes))
	for _, i := range indexes {
		blk := r.blocks[i]
		out := map[string]any{"type": blk.typ}
		for k, v := range blk.seed {
			out[k] = v
		}
		switch blk.typ {
		case "tool_use":
			out["input"] = blk.input
			delete(out, "partial_json")
		case "thinking":
			out["thinking"] = blk.text.String()
		case "thought":
			out["thought"] = blk.text.String()
		default:
			out["text"] = blk.text.String()
		}
		content = append(content, out)
	}
	env["content"] = content

	return json.Marshal(env)
}

func (r *messagesReducer) Usage() (plexus.TokenUsage, bool) {
	return r.usage, r.hasUse
}
