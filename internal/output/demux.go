package output

import (
	"bytes"
	"unicode/utf8"
)

// Demux converts raw chunks from stdout and stderr into events according to
// its Mode. Each stream has its own carry buffer, so a partial line on one
// stream never absorbs bytes from the other.
//
// In Line mode the emitted text keeps its trailing line feed, so the
// concatenation of all events for a stream is byte-identical to what was read.
//
// A Demux is not safe for concurrent use; callers serialize Feed and Flush.
type Demux struct {
	mode  Mode
	carry [len(Tags)][]byte
}

// NewDemux returns a Demux for the given mode.
func NewDemux(mode Mode) *Demux {
	return &Demux{mode: mode}
}

// Mode returns the granularity the Demux was created with.
func (d *Demux) Mode() Mode { return d.mode }

// Feed processes one chunk read from the stream identified by tag.
func (d *Demux) Feed(tag Tag, chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	switch d.mode {
	case Chunk:
		return []Event{{Text: string(chunk), Origin: tag}}
	case Line:
		return d.feedLines(tag, chunk)
	case Character:
		return d.feedRunes(tag, chunk)
	default:
		return nil
	}
}

// Flush emits whatever the stream still retains and clears it. It is called
// once per stream after the pipe has been drained.
func (d *Demux) Flush(tag Tag) []Event {
	rest := d.carry[tag]
	if len(rest) == 0 {
		return nil
	}
	d.carry[tag] = nil
	return []Event{{Text: string(rest), Origin: tag, Terminal: true}}
}

// held reports how many bytes are held back for tag.
func (d *Demux) held(tag Tag) int {
	return len(d.carry[tag])
}

func (d *Demux) feedLines(tag Tag, chunk []byte) []Event {
	buf := append(d.carry[tag], chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		events = append(events, Event{Text: string(buf[:i+1]), Origin: tag})
		buf = buf[i+1:]
	}
	d.retain(tag, buf)
	return events
}

// feedRunes emits one event per complete code point. A trailing prefix of a
// multi-byte sequence is retained until the rest arrives. Bytes that can never
// form a valid sequence are emitted one at a time so nothing is lost.
func (d *Demux) feedRunes(tag Tag, chunk []byte) []Event {
	buf := chunk
	if len(d.carry[tag]) > 0 {
		buf = append(d.carry[tag], chunk...)
	}

	events := make([]Event, 0, len(buf))
	for len(buf) > 0 && utf8.FullRune(buf) {
		_, size := utf8.DecodeRune(buf)
		events = append(events, Event{Text: string(buf[:size]), Origin: tag})
		buf = buf[size:]
	}
	d.retain(tag, buf)
	return events
}

func (d *Demux) retain(tag Tag, rest []byte) {
	if len(rest) == 0 {
		d.carry[tag] = d.carry[tag][:0]
		return
	}
	// rest may alias the carry buffer; copy handles the overlap.
	d.carry[tag] = append(d.carry[tag][:0], rest...)
}
