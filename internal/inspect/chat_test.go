package inspect

import (
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

func feedAll(r Reducer, event string, chunks ...string) {
	for _, c := range chunks {
		r.Feed(event, []byte(c))
	}
}

func TestChatReducerReassemblesContent(t *testing.T) {
	t.Parallel()

	r := newChatReducer()
	feedAll(r, "",
		`{"id":"c-1","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c-1","choices":[{"index":0,"delta":{"reasoning_content":"thinking..."}}]}`,
		`{"id":"c-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(snap, "id").String(); got != "c-1" {
		t.Errorf("id = %q", got)
	}
	if got := gjson.GetBytes(snap, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	msg := gjson.GetBytes(snap, "choices.0.message")
	if msg.Get("content").String() != "Hello" {
		t.Errorf("content = %q", msg.Get("content").String())
	}
	if msg.Get("role").String() != "assistant" {
		t.Errorf("role = %q", msg.Get("role").String())
	}
	if msg.Get("reasoning_content").String() != "thinking..." {
		t.Errorf("reasoning = %q", msg.Get("reasoning_content").String())
	}
	if got := gjson.GetBytes(snap, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
}

func TestChatReducerToolCalls(t *testing.T) {
	t.Parallel()

	r := newChatReducer()
	feedAll(r, "",
		`{"id":"c-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`,
		`{"id":"c-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"SF\"}"}}]}}]}`,
	)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	tc := gjson.GetBytes(snap, "choices.0.message.tool_calls.0")
	if tc.Get("id").String() != "call_1" || tc.Get("function.name").String() != "get_weather" {
		t.Errorf("tool call = %s", tc.Raw)
	}
	if got := tc.Get("function.arguments").String(); got != `{"city":"SF"}` {
		t.Errorf("arguments = %q", got)
	}
}

func TestChatReducerUsageInLastChunk(t *testing.T) {
	t.Parallel()

	r := newChatReducer()
	feedAll(r, "",
		`{"id":"c-3","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`{"id":"c-3","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"prompt_tokens_details":{"cached_tokens":4}}}`,
	)

	usage, ok := r.Usage()
	if !ok {
		t.Fatal("usage not observed")
	}
	want := plexus.TokenUsage{Input: 10, Output: 2, Cached: 4}
	if usage != want {
		t.Errorf("usage = %+v, want %+v", usage, want)
	}

	// The raw usage object rides on the snapshot verbatim.
	snap, _ := r.Snapshot()
	if got := gjson.GetBytes(snap, "usage.prompt_tokens").Int(); got != 10 {
		t.Errorf("snapshot usage.prompt_tokens = %d", got)
	}
}

func TestChatReducerMultipleChoices(t *testing.T) {
	t.Parallel()

	r := newChatReducer()
	feedAll(r, "",
		`{"id":"c-4","choices":[{"index":1,"delta":{"content":"B"}}]}`,
		`{"id":"c-4","choices":[{"index":0,"delta":{"content":"A"}}]}`,
	)
	snap, _ := r.Snapshot()
	// Ordered by index regardless of arrival.
	if got := gjson.GetBytes(snap, "choices.0.message.content").String(); got != "A" {
		t.Errorf("choice 0 = %q", got)
	}
	if got := gjson.GetBytes(snap, "choices.1.message.content").String(); got != "B" {
		t.Errorf("choice 1 = %q", got)
	}
}
