package inspect

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

func TestInspectorPairsEventWithData(t *testing.T) {
	t.Parallel()

	in := New(plexus.DialectMessages, time.Now())
	in.ObserveLine([]byte("event: message_start"))
	in.ObserveLine([]byte(`data: {"message":{"id":"msg_1","usage":{"input_tokens":9}}}`))
	in.ObserveLine([]byte(""))

	usage, ok := in.Usage()
	if !ok || usage.Input != 9 {
		t.Errorf("usage = %+v ok=%v", usage, ok)
	}
	snap := in.Snapshot()
	if got := gjson.GetBytes(snap, "id").String(); got != "msg_1" {
		t.Errorf("snapshot id = %q", got)
	}
}

func TestInspectorEventDoesNotLeakAcrossFrames(t *testing.T) {
	t.Parallel()

	// The first frame names its event; the later frames carry only data and
	// self-identify via their "type" field. The message_start event must not
	// bleed into them.
	in := New(plexus.DialectMessages, time.Now())
	in.ObserveLine([]byte("event: message_start"))
	in.ObserveLine([]byte(`data: {"message":{"id":"msg_1","usage":{"input_tokens":3}}}`))
	in.ObserveLine([]byte(""))
	in.ObserveLine([]byte(`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	in.ObserveLine([]byte(""))
	in.ObserveLine([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`))
	in.ObserveLine([]byte(""))

	snap := in.Snapshot()
	if got := gjson.GetBytes(snap, "content.0.text").String(); got != "hi" {
		t.Errorf("content.0.text = %q, want %q", got, "hi")
	}
	if got := gjson.GetBytes(snap, "id").String(); got != "msg_1" {
		t.Errorf("id = %q, want msg_1", got)
	}
}

func TestInspectorTTFT(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	in := New(plexus.DialectChat, started)
	now := started
	in.now = func() time.Time { return now }

	if got := in.TTFT(); got != 0 {
		t.Errorf("TTFT before any bytes = %v", got)
	}

	now = started.Add(250 * time.Millisecond)
	in.ObserveLine([]byte(`data: {"id":"c-1"}`))
	now = started.Add(900 * time.Millisecond)
	in.ObserveLine([]byte(`data: {"id":"c-1"}`))

	if got := in.TTFT(); got != 250*time.Millisecond {
		t.Errorf("TTFT = %v, want 250ms", got)
	}
}

func TestInspectorTruncatesCapture(t *testing.T) {
	t.Parallel()

	in := New(plexus.DialectChat, time.Now())
	line := []byte("data: " + strings.Repeat("x", 4<<20))
	in.ObserveLine(line)
	in.ObserveLine(line)
	in.ObserveLine(line) // third line crosses the ceiling

	if !in.Truncated() {
		t.Fatal("capture not truncated")
	}
	raw := in.Raw()
	if !bytes.HasSuffix(raw, []byte(truncationMarker)) {
		t.Error("truncation marker missing")
	}
	if len(raw) > maxRawCapture+len(truncationMarker) {
		t.Errorf("capture length = %d exceeds ceiling", len(raw))
	}

	// Later lines still reach the reducer after truncation.
	in.ObserveLine([]byte(`data: {"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	if usage, ok := in.Usage(); !ok || usage.Input != 3 {
		t.Errorf("reducer stopped after truncation: %+v ok=%v", usage, ok)
	}
}

func TestInspectorNonStreamingDialect(t *testing.T) {
	t.Parallel()

	in := New(plexus.DialectEmbeddings, time.Now())
	in.ObserveLine([]byte(`data: {"x":1}`))
	if snap := in.Snapshot(); snap != nil {
		t.Errorf("snapshot for non-streaming dialect = %s", snap)
	}
	if _, ok := in.Usage(); ok {
		t.Error("usage for non-streaming dialect")
	}
}

func TestPumpPassesStreamThroughVerbatim(t *testing.T) {
	t.Parallel()

	upstream := "event: ping\n" +
		"data: {\"id\":\"c-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n" +
		"\n" +
		"data: {\"id\":\"c-1\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}\n" +
		"\n" +
		"data: [DONE]\n" +
		"\n"

	var out bytes.Buffer
	flushes := 0
	in := New(plexus.DialectChat, time.Now())
	if err := Pump(strings.NewReader(upstream), &out, func() { flushes++ }, in); err != nil {
		t.Fatal(err)
	}

	if out.String() != upstream {
		t.Errorf("client bytes differ from upstream:\n%q\n%q", out.String(), upstream)
	}
	// One flush per frame boundary plus the final one.
	if flushes != 4 {
		t.Errorf("flushes = %d, want 4", flushes)
	}
	if usage, ok := in.Usage(); !ok || usage.Input != 5 {
		t.Errorf("usage = %+v ok=%v", usage, ok)
	}
	if string(in.Raw()) != upstream {
		t.Errorf("raw capture differs from upstream")
	}
}
