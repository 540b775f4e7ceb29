// Package stream turns the raw byte stream of one chat turn into typed
// protocol events, independent of how the transport fragments its reads.
package stream

import (
	"bytes"
	"errors"

	"github.com/anisbr/ragchat/internal/protocol"
)

const (
	eventPrefix = "data:"

	// Lines larger than this are treated as transport noise and skipped.
	maxLineBytes = 4 * 1024 * 1024
)

// Decoder reassembles newline-delimited event records from arbitrary read
// fragments. Lines without the event prefix (keep-alives, comments) and
// prefixed lines that fail to parse are dropped silently. One decoder serves
// exactly one turn; create a fresh one per request.
type Decoder struct {
	pending  []byte
	skipping bool
	dropped  int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next fragment and returns all events completed by it,
// in arrival order.
func (d *Decoder) Feed(fragment []byte) []any {
	if len(fragment) == 0 {
		return nil
	}
	d.pending = append(d.pending, fragment...)

	var events []any
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]

		if d.skipping {
			d.skipping = false
			d.dropped++
			continue
		}
		if evt, ok := d.decodeLine(line); ok {
			events = append(events, evt)
		}
	}

	if !d.skipping && len(d.pending) > maxLineBytes {
		d.pending = d.pending[:0]
		d.skipping = true
	}
	return events
}

// Finish decodes any terminator-less trailing record. Call once when the
// transport signals end of stream.
func (d *Decoder) Finish() []any {
	if d.skipping || len(d.pending) == 0 {
		d.pending = nil
		return nil
	}
	line := d.pending
	d.pending = nil
	if evt, ok := d.decodeLine(line); ok {
		return []any{evt}
	}
	return nil
}

// Dropped reports how many lines were discarded as noise or malformed.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) decodeLine(line []byte) (any, bool) {
	line = bytes.TrimRight(line, "\r")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if !bytes.HasPrefix(trimmed, []byte(eventPrefix)) {
		// Keep-alive comments and unrelated transport chatter.
		d.dropped++
		return nil, false
	}
	body := bytes.TrimSpace(trimmed[len(eventPrefix):])
	if len(body) == 0 {
		d.dropped++
		return nil, false
	}

	evt, err := protocol.ParseEvent(body)
	if err != nil {
		// Forward-compatible: new event kinds and malformed payloads are
		// both no-ops, never fatal.
		if !errors.Is(err, protocol.ErrUnknownType) {
			d.dropped++
		}
		return nil, false
	}
	return evt, true
}
