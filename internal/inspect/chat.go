package inspect

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// chatReducer reconstructs an OpenAI Chat Completions response from
// streaming chunks. Choices are keyed by index; string fields concatenate,
// finish_reason and usage overwrite.
type chatReducer struct {
	id      string
	object  string
	created int64
	model   string
	choices map[int64]*chatChoice
	usage   plexus.TokenUsage
	rawUse  json.RawMessage
	hasUse  bool
}

type chatChoice struct {
	index     int64
	role      string
	content   strings.Builder
	reasoning strings.Builder
	refusal   strings.Builder
	tools     map[int64]*chatToolCall
	finish    string
}

type chatToolCall struct {
	index    int64
	id       string
	typ      string
	name     string
	argsJSON strings.Builder
}

func newChatReducer() *chatReducer {
	return &chatReducer{choices: make(map[int64]*chatChoice)}
}

func (r *chatReducer) Feed(_ string, data []byte) {
	if string(data) == "[DONE]" {
		return
	}
	chunk := gjson.ParseBytes(data)

	if r.id == "" {
		r.id = chunk.Get("id").String()
		r.created = chunk.Get("created").Int()
		r.model = chunk.Get("model").String()
	}

	chunk.Get("choices").ForEach(func(_, c gjson.Result) bool {
		idx := c.Get("index").Int()
		ch := r.choices[idx]
		if ch == nil {
			ch = &chatChoice{index: idx, tools: make(map[int64]*chatToolCall)}
			r.choices[idx] = ch
		}
		delta := c.Get("delta")
		if v := delta.Get("role"); v.Exists() && ch.role == "" {
			ch.role = v.String()
		}
		if v := delta.Get("content"); v.Type == gjson.String {
			ch.content.WriteString(v.String())
		}
		if v := delta.Get("reasoning_content"); v.Type == gjson.String {
			ch.reasoning.WriteString(v.String())
		}
		if v := delta.Get("refusal"); v.Type == gjson.String {
			ch.refusal.WriteString(v.String())
		}
		delta.Get("tool_calls").ForEach(func(_, t gjson.Result) bool {
			ti := t.Get("index").Int()
			tc := ch.tools[ti]
			if tc == nil {
				tc = &chatToolCall{index: ti}
				ch.tools[ti] = tc
			}
			if v := t.Get("id"); v.Exists() && tc.id == "" {
				tc.id = v.String()
			}
			if v := t.Get("type"); v.Exists() && tc.typ == "" {
				tc.typ = v.String()
			}
			if v := t.Get("function.name"); v.Exists() && tc.name == "" {
				tc.name = v.String()
			}
			tc.argsJSON.WriteString(t.Get("function.arguments").String())
			return true
		})
		if v := c.Get("finish_reason"); v.Type == gjson.String {
			ch.finish = v.String()
		}
		return true
	})

	if u := chunk.Get("usage"); u.IsObject() {
		if tu, ok := usageFromJSON(u); ok {
			r.usage = tu
			r.hasUse = true
			r.rawUse = json.RawMessage(u.Raw)
		}
	}
}

func (r *chatReducer) Snapshot() ([]byte, error) {
	type toolOut struct {
		Index    int64  `json:"index"`
		ID       string `json:"id,omitempty"`
		Type     string `json:"type,omitempty"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type msgOut struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		Reasoning string     `json:"reasoning_content,omitempty"`
		Refusal   string     `json:"refusal,omitempty"`
		ToolCalls []*toolOut `json:"tool_calls,omitempty"`
	}
	type choiceOut struct {
		Index        int64  `json:"index"`
		Message      msgOut `json:"message"`
		FinishReason string `json:"finish_reason,omitempty"`
	}
	out := struct {
		ID      string          `json:"id"`
		Object  string          `json:"object"`
		Created int64           `json:"created"`
		Model   string          `json:"model"`
		Choices []*choiceOut    `json:"choices"`
		Usage   json.RawMessage `json:"usage,omitempty"`
	}{
		ID:      r.id,
		Object:  "chat.completion",
		Created: r.created,
		Model:   r.model,
		Choices: make([]*choiceOut, 0, len(r.choices)),
		Usage:   r.rawUse,
	}

	for _, ch := range r.choices {
		co := &choiceOut{Index: ch.index, FinishReason: ch.finish}
		co.Message.Role = ch.role
		co.Message.Content = ch.content.String()
		co.Message.Reasoning = ch.reasoning.String()
		co.Message.Refusal = ch.refusal.String()
		for _, tc := range ch.tools {
			to := &toolOut{Index: tc.index, ID: tc.id, Type: tc.typ}
			to.Function.Name = tc.name
			to.Function.Arguments = tc.argsJSON.String()
			co.Message.ToolCalls = append(co.Message.ToolCalls, to)
		}
		sort.Slice(co.Message.ToolCalls, func(i, j int) bool {
			return co.Message.ToolCalls[i].Index < co.Message.ToolCalls[j].Index
		})
		out.Choices = append(out.Choices, co)
	}
	sort.Slice(out.Choices, func(i, j int) bool { return out.Choices[i].Index < out.Choices[j].Index })

	return json.Marshal(out)
}

func (r *chatReducer) Usage() (plexus.TokenUsage, bool) {
	return r.usage, r.hasUse
}
