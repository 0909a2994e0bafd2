package inspect

import (
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

func TestOAuthReducerTextAndTools(t *testing.T) {
	t.Parallel()

	r := newOAuthReducer()
	r.Feed("text_delta", []byte(`{"text":"Hi "}`))
	r.Feed("text_delta", []byte(`{"text":"there"}`))
	r.Feed("thinking_delta", []byte(`{"thinking":"hmm"}`))
	r.Feed("toolcall_start", []byte(`{"contentIndex":1,"id":"tc_1","name":"read_file"}`))
	r.Feed("toolcall_delta", []byte(`{"contentIndex":1,"arguments":"{\"path\":\"a\"}"}`))
	r.Feed("toolcall_end", []byte(`{"contentIndex":1}`))
	r.Feed("done", []byte(`{"usage":{"input":100,"output":40,"cacheRead":60,"cacheWrite":5}}`))

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(snap, "text").String(); got != "Hi there" {
		t.Errorf("text = %q", got)
	}
	if got := gjson.GetBytes(snap, "thinking").String(); got != "hmm" {
		t.Errorf("thinking = %q", got)
	}
	tc := gjson.GetBytes(snap, "tool_calls.0")
	if tc.Get("name").String() != "read_file" || !tc.Get("complete").Bool() {
		t.Errorf("tool call = %s", tc.Raw)
	}
	if got := gjson.GetBytes(snap, "status").String(); got != "done" {
		t.Errorf("status = %q", got)
	}
	if got := gjson.GetBytes(snap, "usage.total_tokens").Int(); got != 205 {
		t.Errorf("total_tokens = %d", got)
	}

	usage, ok := r.Usage()
	if !ok {
		t.Fatal("usage not observed")
	}
	want := plexus.TokenUsage{Input: 100, Output: 40, Cached: 60, CacheWrite: 5}
	if usage != want {
		t.Errorf("usage = %+v, want %+v", usage, want)
	}
}

func TestOAuthReducerError(t *testing.T) {
	t.Parallel()

	r := newOAuthReducer()
	r.Feed("error", []byte(`{"message":"overloaded"}`))

	snap, _ := r.Snapshot()
	if got := gjson.GetBytes(snap, "status").String(); got != "error" {
		t.Errorf("status = %q", got)
	}
	if got := gjson.GetBytes(snap, "error").String(); got != "overloaded" {
		t.Errorf("error = %q", got)
	}
	if _, ok := r.Usage(); ok {
		t.Error("usage reported without a usage object")
	}
}
