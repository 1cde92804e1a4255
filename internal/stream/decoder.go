// Package stream decodes raw backend response chunks into chat events.
//
// Decoders are incremental: Decode may be called with arbitrarily split
// input and buffers incomplete trailing bytes until the next call.
package stream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ashureev/streamchat/internal/domain"
)

var (
	// ErrMalformed reports a frame that cannot be parsed.
	ErrMalformed = errors.New("malformed stream frame")
	// ErrTruncated reports a stream that ended without its end marker.
	ErrTruncated = errors.New("stream ended before completion")
)

// Format names a wire framing.
type Format string

const (
	FormatDataStream Format = "data-stream"
	FormatOpenAISSE  Format = "openai-sse"
	FormatText       Format = "text"
)

// EventKind is the type of a decoded event.
type EventKind int

const (
	EventDelta EventKind = iota
	EventToolCall
	EventToolResult
	EventStepFinish
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventStepFinish:
		return "step_finish"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one decoded unit. Text holds the delta for EventDelta and the
// message for EventError.
type Event struct {
	Kind         EventKind
	Text         string
	Tool         *domain.ToolInvocation
	FinishReason string
	Usage        *domain.Usage
}

// Decoder turns raw chunks into events.
type Decoder interface {
	// Decode consumes one chunk. Events are returned in input order.
	Decode(chunk []byte) ([]Event, error)
	// Close flushes buffered input at end of stream. It returns ErrTruncated
	// when the framing requires an end marker that never arrived.
	Close() ([]Event, error)
}

// New returns a fresh decoder for the format.
func New(format Format) (Decoder, error) {
	switch format {
	case FormatDataStream:
		return &DataStreamDecoder{}, nil
	case FormatOpenAISSE:
		return &OpenAIDecoder{}, nil
	case FormatText, "":
		return &TextDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown stream format %q", format)
	}
}

// lineBuffer splits a byte stream into newline-terminated lines.
type lineBuffer struct {
	pending []byte
}

// feed appends chunk and returns every complete line, without terminators.
func (b *lineBuffer) feed(chunk []byte) [][]byte {
	b.pending = append(b.pending, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(b.pending[:i], []byte{'\r'})
		lines = append(lines, append([]byte(nil), line...))
		b.pending = b.pending[i+1:]
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines
}

// rest drains an unterminated final line.
func (b *lineBuffer) rest() []byte {
	line := bytes.TrimSuffix(b.pending, []byte{'\r'})
	b.pending = nil
	return line
}
