// Package eventstream decodes Server-Sent-Events records from a byte stream
// that arrives in arbitrary chunks. It is used both by the edit-streaming
// path (long-lived HTTP response body) and by the SSE live-update transport.
package eventstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DoneSentinel is the terminal data payload emitted by OpenAI-compatible
// streaming endpoints. Records carrying it produce no event.
const DoneSentinel = "[DONE]"

// Event is one decoded SSE record. Raw holds the joined data payload; Data
// is the decoded JSON object, or nil when the payload is not valid JSON.
type Event struct {
	Name string
	Raw  string
	Data json.RawMessage
}

// Decoder incrementally splits a stream into SSE records. Chunks may cut a
// record at any byte boundary; incomplete trailing input stays buffered until
// the blank-line terminator arrives.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk and returns every complete event it closed off.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		segment, rest, ok := splitRecord(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		if ev, ok := parseRecord(segment); ok {
			events = append(events, ev)
		}
	}
	return events
}

// FeedString is Feed for string chunks.
func (d *Decoder) FeedString(chunk string) []Event {
	return d.Feed([]byte(chunk))
}

// Reset discards buffered input.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Buffered returns the number of bytes waiting for a record terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// splitRecord cuts the first blank-line-terminated record off buf. SSE allows
// either \n\n or \r\n\r\n as the terminator; mixed endings occur in the wild.
func splitRecord(buf []byte) (segment, rest []byte, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			return buf[:i], buf[j+1:], true
		}
	}
	return nil, buf, false
}

// parseRecord interprets one record's lines. Comment lines (leading ':') and
// unknown fields are ignored. Records without data, and records whose data is
// the [DONE] sentinel, yield no event.
func parseRecord(segment []byte) (Event, bool) {
	name := "message"
	var dataLines []string

	for _, line := range bytes.Split(segment, []byte("\n")) {
		text := strings.TrimRight(string(line), "\r \t")
		if text == "" || strings.HasPrefix(text, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(text, "event:"); ok {
			if n := strings.TrimSpace(rest); n != "" {
				name = n
			}
			continue
		}
		if rest, ok := strings.CutPrefix(text, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(rest))
		}
	}

	if len(dataLines) == 0 {
		return Event{}, false
	}
	raw := strings.TrimSpace(strings.Join(dataLines, "\n"))
	if raw == "" || raw == DoneSentinel {
		return Event{}, false
	}

	ev := Event{Name: name, Raw: raw}
	if json.Valid([]byte(raw)) {
		ev.Data = json.RawMessage(raw)
	}
	return ev, true
}
