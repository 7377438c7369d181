package output

import "bytes"

// AccumulateSink concatenates raw chunks per stream, independent of the
// active Mode. Each stream keeps at most limit bytes; the rest is counted
// but not stored. A limit of zero or less means unbounded.
type AccumulateSink struct {
	bufs      [len(Tags)]bytes.Buffer
	seen      [len(Tags)]int64
	limit     int
	truncated bool
}

// NewAccumulateSink returns an AccumulateSink capped at limit bytes per stream.
func NewAccumulateSink(limit int) *AccumulateSink {
	return &AccumulateSink{limit: limit}
}

// Write records a raw chunk for tag.
func (a *AccumulateSink) Write(tag Tag, p []byte) {
	a.seen[tag] += int64(len(p))
	buf := &a.bufs[tag]
	if a.limit <= 0 {
		buf.Write(p)
		return
	}
	remaining := a.limit - buf.Len()
	if remaining <= 0 {
		a.truncated = true
		return
	}
	if len(p) > remaining {
		buf.Write(p[:remaining])
		a.truncated = true
		return
	}
	buf.Write(p)
}

// Deliver ignores events; text is assembled from raw chunks instead.
func (a *AccumulateSink) Deliver(Event) {}

func (a *AccumulateSink) Close() error { return nil }

// Text returns everything retained for tag.
func (a *AccumulateSink) Text(tag Tag) string { return a.bufs[tag].String() }

// Stdout returns the retained standard output.
func (a *AccumulateSink) Stdout() string { return a.Text(Stdout) }

// Stderr returns the retained standard error.
func (a *AccumulateSink) Stderr() string { return a.Text(Stderr) }

// Seen returns the total number of bytes written for tag, including any
// that were dropped by the cap.
func (a *AccumulateSink) Seen(tag Tag) int64 { return a.seen[tag] }

// Truncated reports whether any stream exceeded the cap.
func (a *AccumulateSink) Truncated() bool { return a.truncated }
