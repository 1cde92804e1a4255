package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/streamchat/internal/domain"
)

// DataStreamDecoder decodes the line protocol served with the
// "x-vercel-ai-data-stream: v1" header: every line is "<code>:<json>".
type DataStreamDecoder struct {
	lines lineBuffer
	ended bool
}

type dsToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	Result     json.RawMessage `json:"result"`
}

type dsFinish struct {
	FinishReason string `json:"finishReason"`
	Usage        *struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
	} `json:"usage"`
}

func (f dsFinish) usage() *domain.Usage {
	if f.Usage == nil {
		return nil
	}
	return &domain.Usage{PromptTokens: f.Usage.PromptTokens, CompletionTokens: f.Usage.CompletionTokens}
}

// Decode implements Decoder.
func (d *DataStreamDecoder) Decode(chunk []byte) ([]Event, error) {
	var out []Event
	for _, line := range d.lines.feed(chunk) {
		evs, err := d.decodeLine(line)
		if err != nil {
			return out, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

// Close implements Decoder. A clean EOF ends the message: servers commonly
// omit the "d" frame, and plain text streams send no finish frame at all.
// A trailing line that does not parse was cut mid-frame and is reported as
// ErrTruncated.
func (d *DataStreamDecoder) Close() ([]Event, error) {
	var out []Event
	if tail := d.lines.rest(); len(bytes.TrimSpace(tail)) > 0 {
		evs, err := d.decodeLine(tail)
		if err != nil {
			return nil, fmt.Errorf("%w: partial frame %q", ErrTruncated, truncate(tail))
		}
		out = append(out, evs...)
	}
	if d.ended {
		return out, nil
	}
	d.ended = true
	return append(out, Event{Kind: EventEnd}), nil
}

func (d *DataStreamDecoder) decodeLine(line []byte) ([]Event, error) {
	if len(bytes.TrimSpace(line)) == 0 || d.ended {
		return nil, nil
	}
	code, payload, ok := bytes.Cut(line, []byte{':'})
	if !ok || len(code) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, truncate(line))
	}

	switch string(code) {
	case "0":
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, fmt.Errorf("%w: text part: %v", ErrMalformed, err)
		}
		if text == "" {
			return nil, nil
		}
		return []Event{{Kind: EventDelta, Text: text}}, nil

	case "3":
		var msg string
		if err := json.Unmarshal(payload, &msg); err != nil {
			msg = string(payload)
		}
		return []Event{{Kind: EventError, Text: msg}}, nil

	case "9", "a":
		var tc dsToolCall
		if err := json.Unmarshal(payload, &tc); err != nil {
			return nil, fmt.Errorf("%w: tool part: %v", ErrMalformed, err)
		}
		inv := &domain.ToolInvocation{ID: tc.ToolCallID, Name: tc.ToolName, Args: tc.Args}
		kind := EventToolCall
		if string(code) == "a" {
			kind = EventToolResult
			inv.Result = tc.Result
		}
		return []Event{{Kind: kind, Tool: inv}}, nil

	case "e":
		var f dsFinish
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: finish step: %v", ErrMalformed, err)
		}
		return []Event{{Kind: EventStepFinish, FinishReason: f.FinishReason, Usage: f.usage()}}, nil

	case "d":
		var f dsFinish
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: finish message: %v", ErrMalformed, err)
		}
		d.ended = true
		return []Event{{Kind: EventEnd, FinishReason: f.FinishReason}}, nil
	}

	// Data, annotation and streaming-tool-call parts carry nothing for the transcript.
	return nil, nil
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
