// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sse splits buffered text/event-stream bodies into their events.
//
// The proxy never parses SSE incrementally: response bytes are relayed to the
// client as they arrive and a copy accumulates in the tap buffer. Extraction
// runs once over the complete buffer after end-of-stream, so a simple split
// on blank-line delimiters is all that is needed.
package sse

import "bytes"

// Event is a single Server-Sent Events frame: the value of its "event:"
// field and the raw payload of its "data:" field.
type Event struct {
	Type string
	Data string
}

var (
	eventField = []byte("event:")
	dataField  = []byte("data:")
)

// Split parses a complete event-stream body into events. Events are
// delimited by blank lines; within an event, "event:" names the type and
// "data:" carries the payload. CR, LF, and CRLF line terminators are all
// accepted, as is a missing space after the field name. Frames without a
// data field (comments, keep-alives) are dropped.
func Split(body []byte) []Event {
	normalized := normalizeNewlines(body)

	var events []Event
	for chunk := range bytes.SplitSeq(normalized, []byte("\n\n")) {
		var ev Event
		var hasData bool
		for line := range bytes.SplitSeq(chunk, []byte{'\n'}) {
			switch {
			case bytes.HasPrefix(line, eventField):
				ev.Type = string(bytes.TrimSpace(line[len(eventField):]))
			case bytes.HasPrefix(line, dataField):
				ev.Data = string(bytes.TrimSpace(line[len(dataField):]))
				hasData = true
			}
		}
		if hasData {
			events = append(events, ev)
		}
	}
	return events
}

// normalizeNewlines converts all CR/LF variants to '\n'.
func normalizeNewlines(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return b
}
