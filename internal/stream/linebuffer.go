// Package stream turns the chunked analysis response body into typed events:
// a line reassembler tolerating arbitrary fragmentation, and a decoder for
// the data:-framed JSON payloads.
package stream

import "bytes"

// LineBuffer reassembles complete newline-terminated lines from opaque text
// fragments. Fragments may split anywhere, including mid-line, mid-multibyte
// rune or mid-JSON token; the trailing partial line is carried until more
// input arrives. Invariant: concatenating every fragment written equals
// concatenating every yielded line (with its newline) plus the current carry.
type LineBuffer struct {
	carry []byte
}

// Write appends a fragment and returns the complete lines it unlocked, in
// order, without their trailing newline. A trailing \r is stripped so CRLF
// transports decode the same as LF.
func (b *LineBuffer) Write(fragment []byte) []string {
	if len(fragment) == 0 {
		return nil
	}
	b.carry = append(b.carry, fragment...)

	var lines []string
	for {
		i := bytes.IndexByte(b.carry, '\n')
		if i < 0 {
			break
		}
		line := b.carry[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		b.carry = b.carry[i+1:]
	}
	// Re-slice into a fresh backing array once the buffer drains so a large
	// chunk is not pinned by an empty carry.
	if len(b.carry) == 0 {
		b.carry = nil
	}
	return lines
}

// Carry returns the buffered partial line. When the transport ends while a
// partial line is buffered, the partial cannot be a valid complete event and
// is discarded, not force-parsed.
func (b *LineBuffer) Carry() string { return string(b.carry) }

// Reset drops any buffered partial line, restarting the buffer for a new run.
func (b *LineBuffer) Reset() { b.carry = nil }
