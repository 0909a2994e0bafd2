package inspect

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestResponsesReducerAccumulatesBeforeCompletion(t *testing.T) {
	t.Parallel()

	r := newResponsesReducer()
	r.Feed("response.created", []byte(`{"response":{"id":"resp_1","object":"response","status":"in_progress"}}`))
	r.Feed("response.output_item.added", []byte(`{"output_index":0,"item":{"type":"message","role":"assistant","content":[{"type":"output_text","text":""}]}}`))
	r.Feed("response.output_text.delta", []byte(`{"output_index":0,"content_index":0,"delta":"Hel"}`))
	r.Feed("response.output_text.delta", []byte(`{"output_index":0,"content_index":0,"delta":"lo"}`))

	// Stream cut off before response.completed: the accumulator is the source.
	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(snap, "id").String(); got != "resp_1" {
		t.Errorf("id = %q", got)
	}
	if got := gjson.GetBytes(snap, "output.0.content.0.text").String(); got != "Hello" {
		t.Errorf("accumulated text = %q", got)
	}
}

func TestResponsesReducerCompletedEnvelopeWins(t *testing.T) {
	t.Parallel()

	r := newResponsesReducer()
	r.Feed("response.created", []byte(`{"response":{"id":"resp_2","object":"response","status":"in_progress"}}`))
	r.Feed("response.output_text.delta", []byte(`{"output_index":0,"content_index":0,"delta":"partial"}`))
	r.Feed("response.completed", []byte(`{"response":{"id":"resp_2","object":"response","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"final text"}]}],"usage":{"input_tokens":30,"output_tokens":9}}}`))

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(snap, "status").String(); got != "completed" {
		t.Errorf("status = %q", got)
	}
	if got := gjson.GetBytes(snap, "output.0.content.0.text").String(); got != "final text" {
		t.Errorf("output text = %q", got)
	}
	usage, ok := r.Usage()
	if !ok || usage.Input != 30 || usage.Output != 9 {
		t.Errorf("usage = %+v ok=%v", usage, ok)
	}
}

func TestResponsesReducerFunctionCallArguments(t *testing.T) {
	t.Parallel()

	r := newResponsesReducer()
	r.Feed("response.output_item.added", []byte(`{"output_index":0,"item":{"type":"function_call","name":"search","arguments":""}}`))
	r.Feed("response.function_call_arguments.delta", []byte(`{"output_index":0,"delta":"{\"q\":"}`))
	r.Feed("response.function_call_arguments.delta", []byte(`{"output_index":0,"delta":"\"go\"}"}`))

	snap, _ := r.Snapshot()
	if got := gjson.GetBytes(snap, "output.0.arguments").String(); got != `{"q":"go"}` {
		t.Errorf("arguments = %q", got)
	}

	// output_item.done replaces the accumulated view wholesale.
	r.Feed("response.output_item.done", []byte(`{"output_index":0,"item":{"type":"function_call","name":"search","arguments":"{\"q\":\"golang\"}"}}`))
	snap, _ = r.Snapshot()
	if got := gjson.GetBytes(snap, "output.0.arguments").String(); got != `{"q":"golang"}` {
		t.Errorf("authoritative arguments = %q", got)
	}
}
