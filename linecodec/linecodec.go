// Package linecodec splits a raw byte stream from a serial link into
// complete lines and strips G-code comments before a line is handed to a
// controller for sending.
package linecodec

import (
	"bytes"
	"strings"
)

// MaxLineLength is the hard cap on the internal rolling buffer (spec.md §4.1).
// If a terminator is not found before the buffer reaches this size, the
// buffer is flushed as one over-length line and Overlong is set on the
// returned Line.
const MaxLineLength = 8 * 1024

// Line is one line extracted from the stream.
type Line struct {
	// Raw is the original, unstripped text (sans terminator), preserved for
	// logging and for clients.
	Raw string

	// Overlong is true if this Line was force-flushed because MaxLineLength
	// was reached without finding a terminator (protocol-desync condition).
	Overlong bool
}

// Codec accumulates bytes and emits complete lines.
type Codec struct {
	buf []byte
}

// New returns an empty Codec.
func New() *Codec {
	return &Codec{buf: make([]byte, 0, 256)}
}

// Feed appends newly-read bytes and returns zero or more complete lines.
// LF is the terminator; a preceding CR is stripped permissively.
func (c *Codec) Feed(p []byte) []Line {
	c.buf = append(c.buf, p...)
	var lines []Line
	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if idx < 0 {
			if len(c.buf) >= MaxLineLength {
				lines = append(lines, Line{Raw: trimCR(string(c.buf)), Overlong: true})
				c.buf = c.buf[:0]
			}
			break
		}
		raw := c.buf[:idx]
		lines = append(lines, Line{Raw: trimCR(string(raw))})
		c.buf = c.buf[idx+1:]
	}
	return lines
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}

// Reset discards any partially-accumulated line, used after a soft reset or
// protocol desync recovery.
func (c *Codec) Reset() {
	c.buf = c.buf[:0]
}

// StripForSend removes G-code comments from a line for counting and sending,
// per spec.md §4.1:
//
//   - everything from the first ';' not inside parentheses to end of line is
//     dropped
//   - any '(...)' span is dropped
//
// The caller must separately retain the original for logging/clients; this
// function only produces the stripped form.
func StripForSend(raw string) string {
	var b strings.Builder
	depth := 0
	for _, r := range raw {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ';' && depth == 0:
			return strings.TrimSpace(b.String())
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// IsBlank reports whether a stripped line carries no sendable content and
// should be skipped entirely (spec.md §4.1).
func IsBlank(stripped string) bool {
	return strings.TrimSpace(stripped) == ""
}

// WithTerminator appends the wire line terminator (LF) used for every
// outgoing write (spec.md §6).
func WithTerminator(stripped string) []byte {
	return append([]byte(stripped), '\n')
}
