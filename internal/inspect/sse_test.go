package inspect

import (
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"data: {\"x\":1}", "", `{"x":1}`, true},
		{"data:{\"x\":1}", "", `{"x":1}`, true},
		{"event: message_start", "message_start", "", true},
		{"data: [DONE]", "", "[DONE]", true},
		{"", "", "", false},
		{": keep-alive", "", "", false},
		{"id: 42", "", "", false},
		{"garbage", "", "", false},
	}
	for _, tc := range cases {
		event, data, ok := ParseSSELine(tc.line)
		if event != tc.event || data != tc.data || ok != tc.ok {
			t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, event, data, ok, tc.event, tc.data, tc.ok)
		}
	}
}

func TestScannerLongLines(t *testing.T) {
	t.Parallel()

	long := "data: " + strings.Repeat("x", 512<<10)
	s := NewScanner(strings.NewReader(long + "\n\n"))
	if !s.Scan() {
		t.Fatalf("scan failed: %v", s.Err())
	}
	if got := len(s.Bytes()); got != len(long) {
		t.Errorf("line length = %d, want %d", got, len(long))
	}
}
