package inspect

import (
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

func TestMessagesReducerFullStream(t *testing.T) {
	t.Parallel()

	r := newMessagesReducer()
	r.Feed("message_start", []byte(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-x","content":[],"usage":{"input_tokens":25,"output_tokens":1}}}`))
	r.Feed("content_block_start", []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	r.Feed("content_block_delta", []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`))
	r.Feed("content_block_delta", []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`))
	r.Feed("content_block_start", []byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"lookup","input":{}}}`))
	r.Feed("content_block_delta", []byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`))
	r.Feed("content_block_delta", []byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`))
	r.Feed("message_delta", []byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`))

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(snap, "id").String(); got != "msg_1" {
		t.Errorf("id = %q", got)
	}
	if got := gjson.GetBytes(snap, "stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %q", got)
	}
	if got := gjson.GetBytes(snap, "content.0.text").String(); got != "Hello world" {
		t.Errorf("text block = %q", got)
	}
	tu := gjson.GetBytes(snap, "content.1")
	if tu.Get("type").String() != "tool_use" || tu.Get("name").String() != "lookup" {
		t.Errorf("tool_use block = %s", tu.Raw)
	}
	if got := tu.Get("input.q").String(); got != "go" {
		t.Errorf("decoded input = %s", tu.Get("input").Raw)
	}

	// Input tokens from message_start survive the delta's usage merge.
	usage, ok := r.Usage()
	if !ok {
		t.Fatal("usage not observed")
	}
	want := plexus.TokenUsage{Input: 25, Output: 17}
	if usage != want {
		t.Errorf("usage = %+v, want %+v", usage, want)
	}
}

func TestMessagesReducerThinkingBlock(t *testing.T) {
	t.Parallel()

	r := newMessagesReducer()
	r.Feed("content_block_start", []byte(`{"index":0,"content_block":{"type":"thinking","thinking":""}}`))
	r.Feed("content_block_delta", []byte(`{"index":0,"delta":{"type":"thinking_delta","thinking":"step one"}}`))

	snap, _ := r.Snapshot()
	if got := gjson.GetBytes(snap, "content.0.thinking").String(); got != "step one" {
		t.Errorf("thinking = %q", got)
	}
}

func TestMessagesReducerUntypedEvents(t *testing.T) {
	t.Parallel()

	// Some upstreams omit the event: line; the type field substitutes.
	r := newMessagesReducer()
	r.Feed("", []byte(`{"type":"message_start","message":{"id":"msg_2","usage":{"input_tokens":5}}}`))
	r.Feed("", []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`))

	usage, ok := r.Usage()
	if !ok || usage.Input != 5 || usage.Output != 3 {
		t.Errorf("usage = %+v ok=%v", usage, ok)
	}
}
