package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/streamchat/internal/domain"
)

// OpenAIDecoder decodes chat.completions server-sent events
// ("data: {...}" lines terminated by "data: [DONE]").
type OpenAIDecoder struct {
	lines lineBuffer
	ended bool
	// calls tracks streamed tool calls by index until their arguments complete.
	calls map[int]*domain.ToolInvocation
	order []int
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decode implements Decoder.
func (d *OpenAIDecoder) Decode(chunk []byte) ([]Event, error) {
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

// Close implements Decoder. The stream must have delivered [DONE].
func (d *OpenAIDecoder) Close() ([]Event, error) {
	var out []Event
	if tail := d.lines.rest(); len(bytes.TrimSpace(tail)) > 0 {
		evs, err := d.decodeLine(tail)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	if !d.ended {
		return out, ErrTruncated
	}
	return out, nil
}

func (d *OpenAIDecoder) decodeLine(line []byte) ([]Event, error) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok || d.ended {
		// Comments, event names and blank separators.
		return nil, nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if string(data) == "[DONE]" {
		d.ended = true
		return append(d.flushTools(), Event{Kind: EventEnd}), nil
	}

	var c openAIChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Error != nil {
		return []Event{{Kind: EventError, Text: c.Error.Message}}, nil
	}

	var out []Event
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			out = append(out, Event{Kind: EventDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			d.trackTool(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			out = append(out, d.flushTools()...)
			out = append(out, Event{Kind: EventStepFinish, FinishReason: *choice.FinishReason})
		}
	}
	if c.Usage != nil {
		out = append(out, Event{Kind: EventStepFinish, Usage: &domain.Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
		}})
	}
	return out, nil
}

func (d *OpenAIDecoder) trackTool(index int, id, name, args string) {
	if d.calls == nil {
		d.calls = make(map[int]*domain.ToolInvocation)
	}
	inv, ok := d.calls[index]
	if !ok {
		inv = &domain.ToolInvocation{}
		d.calls[index] = inv
		d.order = append(d.order, index)
	}
	if id != "" {
		inv.ID = id
	}
	if name != "" {
		inv.Name = name
	}
	inv.Args = append(inv.Args, args...)
}

func (d *OpenAIDecoder) flushTools() []Event {
	var out []Event
	for _, idx := range d.order {
		out = append(out, Event{Kind: EventToolCall, Tool: d.calls[idx]})
	}
	d.calls = nil
	d.order = nil
	return out
}
