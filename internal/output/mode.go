// Package output re-chunks raw subprocess output into delivery events and
// defines the sinks those events are pushed into.
package output

import "fmt"

// Mode is the granularity at which intermediate output is delivered.
type Mode int

const (
	// Complete delivers nothing incrementally; only the final aggregate counts.
	Complete Mode = iota
	// Line delivers one event per line-feed terminated line.
	Line
	// Character delivers one event per Unicode code point.
	Character
	// Chunk delivers each read from the pipe verbatim.
	Chunk
)

var modeNames = [...]string{
	Complete:  "complete",
	Line:      "line",
	Character: "character",
	Chunk:     "chunk",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts a mode name into a Mode. The empty string selects Complete.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Complete, nil
	}
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return Complete, fmt.Errorf("unsupported output mode %q", s)
}

// ModeNames lists every accepted mode name in declaration order.
func ModeNames() []string {
	return modeNames[:]
}

// Tag identifies which pipe a chunk was read from.
type Tag int

const (
	Stdout Tag = iota
	Stderr
)

func (t Tag) String() string {
	if t == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Tags lists both streams in flush order.
var Tags = [...]Tag{Stdout, Stderr}

// Event is a single unit of output ready for delivery.
type Event struct {
	Text   string
	Origin Tag
	// Terminal marks the event emitted when a stream's retained tail is flushed.
	Terminal bool
}
