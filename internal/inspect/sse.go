// Package inspect observes upstream streaming responses in flight: it
// reconstructs final response snapshots from SSE chunks under per-dialect
// merge rules, extracts usage that may only arrive in the last chunk, and
// optionally buffers a raw capture for debugging.
package inspect

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line; tool-call argument deltas can be
// large but a full megabyte indicates a misbehaving upstream.
const maxLineSize = 1 << 20

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"  -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"      -> ok=false (comment)
//	""               -> ok=false (empty)
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
