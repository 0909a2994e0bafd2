package inspect

import (
	"bytes"
	"io"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// maxRawCapture caps the raw stream buffer. Past the ceiling the capture is
// truncated with a marker; the reducer keeps running so usage extraction
// still works on arbitrarily long streams.
const maxRawCapture = 10 << 20

const truncationMarker = "\n...[truncated]"

// Inspector observes one upstream stream: it buffers a bounded raw capture,
// feeds parsed SSE events to the dialect's reducer, and records the time to
// first byte. Not safe for concurrent use; each request owns one.
type Inspector struct {
	dialect   plexus.Dialect
	reducer   Reducer
	raw       bytes.Buffer
	truncated bool
	started   time.Time
	firstByte time.Time
	now       func() time.Time

	// pendingEvent carries an "event:" line's type to the "data:" lines
	// that follow it in the same SSE frame.
	pendingEvent string
}

// New returns an Inspector for a stream in the given dialect. started is
// the request ingress time, used as the TTFT origin.
func New(dialect plexus.Dialect, started time.Time) *Inspector {
	return &Inspector{
		dialect: dialect,
		reducer: NewReducer(dialect),
		started: started,
		now:     time.Now,
	}
}

// ObserveLine consumes one raw SSE line (without trailing newline): it is
// appended to the capture and, when it parses as an event or data line, fed
// to the reducer. Event lines set the pending event type for the data lines
// that follow, per the SSE framing rules.
func (in *Inspector) ObserveLine(line []byte) {
	if in.firstByte.IsZero() && len(line) > 0 {
		in.firstByte = in.now()
	}
	in.capture(line)

	event, data, ok := ParseSSELine(string(line))
	if !ok {
		// A blank line closes the frame; its event type must not leak
		// into later data-only frames.
		if len(bytes.TrimSpace(line)) == 0 {
			in.pendingEvent = ""
		}
		return
	}
	if event != "" {
		in.pendingEvent = event
		return
	}
	if in.reducer != nil {
		in.reducer.Feed(in.pendingEvent, []byte(data))
	}
}

func (in *Inspector) capture(line []byte) {
	if in.truncated {
		return
	}
	if in.raw.Len()+len(line)+1 > maxRawCapture {
		in.raw.WriteString(truncationMarker)
		in.truncated = true
		return
	}
	in.raw.Write(line)
	in.raw.WriteByte('\n')
}

// Raw returns the captured stream bytes, possibly truncated.
func (in *Inspector) Raw() []byte { return in.raw.Bytes() }

// Truncated reports whether the capture hit the buffering ceiling.
func (in *Inspector) Truncated() bool { return in.truncated }

// Snapshot materializes the reconstructed response. Returns nil when the
// dialect has no streaming reducer.
func (in *Inspector) Snapshot() []byte {
	if in.reducer == nil {
		return nil
	}
	b, err := in.reducer.Snapshot()
	if err != nil {
		return nil
	}
	return b
}

// Usage returns the token usage observed in the stream, if any.
func (in *Inspector) Usage() (plexus.TokenUsage, bool) {
	if in.reducer == nil {
		return plexus.TokenUsage{}, false
	}
	return in.reducer.Usage()
}

// TTFT returns the observed time to first byte, or 0 when no bytes arrived.
func (in *Inspector) TTFT() time.Duration {
	if in.firstByte.IsZero() {
		return 0
	}
	return in.firstByte.Sub(in.started)
}

// Pump copies the upstream SSE stream to w line by line, flushing after
// every blank line (frame boundary), while feeding the inspector. The bytes
// written to w are exactly the upstream's lines; pass-through streams reach
// the client unmodified.
func Pump(r io.Reader, w io.Writer, flush func(), in *Inspector) error {
	scanner := NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		in.ObserveLine(line)
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		if len(line) == 0 && flush != nil {
			flush()
		}
	}
	if flush != nil {
		flush()
	}
	return scanner.Err()
}
