package stream

import (
	"strings"
	"unicode/utf8"
)

// TextDecoder treats the body as raw UTF-8 text. Multi-byte sequences split
// across chunks are held back until they are complete.
type TextDecoder struct {
	pending []byte
	ended   bool
}

// Decode implements Decoder.
func (d *TextDecoder) Decode(chunk []byte) ([]Event, error) {
	if d.ended {
		return nil, nil
	}
	d.pending = append(d.pending, chunk...)
	n := completePrefix(d.pending)
	if n == 0 {
		return nil, nil
	}
	text := string(d.pending[:n])
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return []Event{{Kind: EventDelta, Text: text}}, nil
}

// Close implements Decoder. EOF is the end marker for plain text; a dangling
// partial sequence is flushed as U+FFFD.
func (d *TextDecoder) Close() ([]Event, error) {
	if d.ended {
		return nil, nil
	}
	d.ended = true
	var out []Event
	if len(d.pending) > 0 {
		out = append(out, Event{Kind: EventDelta, Text: strings.ToValidUTF8(string(d.pending), "�")})
		d.pending = nil
	}
	return append(out, Event{Kind: EventEnd}), nil
}

// completePrefix returns the length of b without a trailing incomplete rune.
func completePrefix(b []byte) int {
	// A rune is at most utf8.UTFMax bytes, so only the tail needs inspection.
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return len(b) - i
		}
		break
	}
	return len(b)
}
