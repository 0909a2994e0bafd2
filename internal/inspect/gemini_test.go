package inspect

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestGeminiReducerConcatenatesTextParts(t *testing.T) {
	t.Parallel()

	r := newGeminiReducer()
	feedAll(r, "",
		`{"candidates":[{"index":0,"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"index":0,"content":{"parts":[{"text":"lo"}]}}]}`,
		`{"candidates":[{"index":0,"content":{"parts":[{"functionCall":{"name":"f","args":{}}}]},"finishReason":"STOP"}],"modelVersion":"gemini-2.0"}`,
	)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	parts := gjson.GetBytes(snap, "candidates.0.content.parts")
	if n := len(parts.Array()); n != 2 {
		t.Fatalf("parts = %d, want 2 (text merged, functionCall separate): %s", n, parts.Raw)
	}
	if got := parts.Get("0.text").String(); got != "Hello" {
		t.Errorf("merged text = %q", got)
	}
	if !parts.Get("1.functionCall").Exists() {
		t.Errorf("functionCall part lost: %s", parts.Raw)
	}
	if got := gjson.GetBytes(snap, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q", got)
	}
	if got := gjson.GetBytes(snap, "modelVersion").String(); got != "gemini-2.0" {
		t.Errorf("modelVersion = %q", got)
	}
}

func TestGeminiReducerUsage(t *testing.T) {
	t.Parallel()

	r := newGeminiReducer()
	feedAll(r, "",
		`{"candidates":[{"index":0,"content":{"parts":[{"text":"hi"}]}}]}`,
		`{"candidates":[{"index":0,"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":7}}`,
	)

	usage, ok := r.Usage()
	if !ok || usage.Input != 12 || usage.Output != 7 {
		t.Errorf("usage = %+v ok=%v", usage, ok)
	}
	snap, _ := r.Snapshot()
	if got := gjson.GetBytes(snap, "usageMetadata.promptTokenCount").Int(); got != 12 {
		t.Errorf("snapshot usageMetadata = %s", gjson.GetBytes(snap, "usageMetadata").Raw)
	}
}
