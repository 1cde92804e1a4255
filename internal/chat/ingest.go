package chat

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

// Ingest folds the raw chunks of one streamed reply into its assistant turn.
// It is not safe for concurrent use; the coordinator serializes calls.
type Ingest struct {
	transcript *Transcript
	turnID     string
	decoder    stream.Decoder
	logger     *slog.Logger

	begun  bool
	ended  bool
	chunks int
}

// NewIngest returns an ingest that writes into turn turnID of t.
func NewIngest(t *Transcript, turnID string, dec stream.Decoder, logger *slog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{transcript: t, turnID: turnID, decoder: dec, logger: logger}
}

// TurnID returns the assistant turn being populated.
func (in *Ingest) TurnID() string { return in.turnID }

// Chunks returns the number of chunks received.
func (in *Ingest) Chunks() int { return in.chunks }

// OnChunk decodes raw and applies the resulting events in order. done is
// true once the decoder has seen the stream's end marker; the caller should
// then call OnEnd. An in-band error frame is returned as *domain.BackendError.
func (in *Ingest) OnChunk(raw []byte) (done bool, err error) {
	if in.ended {
		return true, nil
	}
	in.chunks++
	if !in.begun {
		if err := in.transcript.Begin(in.turnID); err != nil {
			return false, err
		}
		in.begun = true
	}

	events, decErr := in.decoder.Decode(raw)
	// Events decoded before a malformed frame are still applied.
	if err := in.apply(events); err != nil {
		return false, err
	}
	if decErr != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrTransport, decErr)
	}
	return in.ended, nil
}

// OnEnd flushes the decoder and completes the turn. A stream that ended
// without its end marker fails with a transport error, which the caller
// reports through OnError.
func (in *Ingest) OnEnd() error {
	if !in.ended {
		events, closeErr := in.decoder.Close()
		if err := in.apply(events); err != nil {
			return err
		}
		if closeErr != nil {
			return fmt.Errorf("%w: %w", domain.ErrTransport, closeErr)
		}
		in.ended = true
	}
	return in.transcript.Finalize(in.turnID)
}

// OnError marks the turn failed with the kind derived from err.
func (in *Ingest) OnError(err error) error {
	kind, reason := domain.ClassifyFailure(err)
	return in.transcript.Fail(in.turnID, kind, reason)
}

func (in *Ingest) apply(events []stream.Event) error {
	for _, ev := range events {
		if in.ended {
			return nil
		}
		switch ev.Kind {
		case stream.EventDelta:
			if err := in.transcript.MutateLast(in.turnID, ev.Text); err != nil {
				return err
			}
		case stream.EventToolCall, stream.EventToolResult:
			if ev.Tool == nil {
				continue
			}
			inv := *ev.Tool
			if err := in.transcript.Annotate(in.turnID, func(turn *domain.Turn) bool {
				return mergeTool(turn, inv)
			}); err != nil {
				return err
			}
		case stream.EventStepFinish:
			if err := in.transcript.Annotate(in.turnID, func(turn *domain.Turn) bool {
				return recordFinish(turn, ev.FinishReason, ev.Usage)
			}); err != nil {
				return err
			}
		case stream.EventEnd:
			if ev.FinishReason != "" {
				if err := in.transcript.Annotate(in.turnID, func(turn *domain.Turn) bool {
					return recordFinish(turn, ev.FinishReason, nil)
				}); err != nil {
					return err
				}
			}
			in.ended = true
		case stream.EventError:
			return &domain.BackendError{Message: ev.Text}
		default:
			in.logger.Warn("ignoring unknown stream event", "turn_id", in.turnID, "kind", ev.Kind.String())
		}
	}
	return nil
}

func mergeTool(turn *domain.Turn, inv domain.ToolInvocation) bool {
	if inv.ID != "" {
		for i := range turn.Tools {
			existing := &turn.Tools[i]
			if existing.ID != inv.ID {
				continue
			}
			if inv.Name != "" {
				existing.Name = inv.Name
			}
			if len(inv.Args) > 0 {
				existing.Args = inv.Args
			}
			if len(inv.Result) > 0 {
				existing.Result = inv.Result
			}
			return true
		}
	}
	turn.Tools = append(turn.Tools, inv)
	return true
}

// recordFinish keeps the latest finish reason and sums usage across steps.
func recordFinish(turn *domain.Turn, reason string, usage *domain.Usage) bool {
	changed := false
	if reason != "" && reason != turn.FinishReason {
		turn.FinishReason = reason
		changed = true
	}
	if usage != nil {
		if turn.Usage == nil {
			turn.Usage = &domain.Usage{}
		}
		turn.Usage.PromptTokens += usage.PromptTokens
		turn.Usage.CompletionTokens += usage.CompletionTokens
		changed = true
	}
	return changed
}
