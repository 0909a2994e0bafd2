package inspect

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// oauthReducer reconstructs a response from the Claude-Code upstream event
// stream. Tool calls are indexed by contentIndex; the terminal done/error
// event carries usage in the upstream's own field names, which are mapped
// to the unified token shape.
type oauthReducer struct {
	text     strings.Builder
	thinking strings.Builder
	tools    map[int64]*oauthToolCall
	status   string
	errMsg   string
	usage    plexus.TokenUsage
	hasUse   bool
}

type oauthToolCall struct {
	index int64
	id    string
	name  string
	args  strings.Builder
	done  bool
}

func newOAuthReducer() *oauthReducer {
	return &oauthReducer{tools: make(map[int64]*oauthToolCall)}
}

func (r *oauthReducer) Feed(event string, data []byte) {
	if event == "" {
		event = gjson.GetBytes(data, "type").String()
	}

	switch event {
	case "text_delta":
		r.text.WriteString(gjson.GetBytes(data, "text").String())

	case "thinking_delta":
		r.thinking.WriteString(gjson.GetBytes(data, "thinking").String())

	case "toolcall_start":
		idx := gjson.GetBytes(data, "contentIndex").Int()
		r.tools[idx] = &oauthToolCall{
			index: idx,
			id:    gjson.GetBytes(data, "id").String(),
			name:  gjson.GetBytes(data, "name").String(),
		}

	case "toolcall_delta":
		idx := gjson.GetBytes(data, "contentIndex").Int()
		tc := r.tools[idx]
		if tc == nil {
			tc = &oauthToolCall{index: idx}
			r.tools[idx] = tc
		}
		tc.args.WriteString(gjson.GetBytes(data, "arguments").String())

	case "toolcall_end":
		idx := gjson.GetBytes(data, "contentIndex").Int()
		if tc := r.tools[idx]; tc != nil {
			tc.done = true
		}

	case "done", "error":
		r.status = event
		if event == "error" {
			r.errMsg = gjson.GetBytes(data, "message").String()
		}
		u := gjson.GetBytes(data, "usage")
		if u.IsObject() {
			r.usage = plexus.TokenUsage{
				Input:      u.Get("input").Int(),
				Output:     u.Get("output").Int(),
				Cached:     u.Get("cacheRead").Int(),
				CacheWrite: u.Get("cacheWrite").Int(),
			}
			r.hasUse = true
		}
	}
}

func (r *oauthReducer) Snapshot() ([]byte, error) {
	type toolOut struct {
		ContentIndex int64  `json:"contentIndex"`
		ID           string `json:"id,omitempty"`
		Name         string `json:"name,omitempty"`
		Arguments    string `json:"arguments"`
		Complete     bool   `json:"complete"`
	}
	out := struct {
		Text      string         `json:"text"`
		Thinking  string         `json:"thinking,omitempty"`
		ToolCalls []*toolOut     `json:"tool_calls,omitempty"`
		Status    string         `json:"status,omitempty"`
		Error     string         `json:"error,omitempty"`
		Usage     map[string]any `json:"usage,omitempty"`
	}{
		Text:     r.text.String(),
		Thinking: r.thinking.String(),
		Status:   r.status,
		Error:    r.errMsg,
	}
	for _, tc := range r.tools {
		out.ToolCalls = append(out.ToolCalls, &toolOut{
			ContentIndex: tc.index,
			ID:           tc.id,
			Name:         tc.name,
			Arguments:    tc.args.String(),
			Complete:     tc.done,
		})
	}
	sort.Slice(out.ToolCalls, func(i, j int) bool {
		return out.ToolCalls[i].ContentIndex < out.ToolCalls[j].ContentIndex
	})
	if r.hasUse {
		out.Usage = map[string]any{
			"input_tokens":          r.usage.Input,
			"output_tokens":         r.usage.Output,
			"cached_tokens":         r.usage.Cached,
			"cache_creation_tokens": r.usage.CacheWrite,
			"total_tokens":          r.usage.Total(),
		}
	}
	return json.Marshal(out)
}

func (r *oauthReducer) Usage() (plexus.TokenUsage, bool) {
	return r.usage, r.hasUse
}
