package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

// Echo is a local backend that streams the latest user message back word by
// word, framed as a data stream. It needs no network access.
type Echo struct {
	delay time.Duration
}

// NewEcho returns an echo backend that pauses delay between words.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{delay: delay}
}

// Name implements Backend.
func (e *Echo) Name() string { return KindEcho }

// Format implements Backend.
func (e *Echo) Format() stream.Format { return stream.FormatDataStream }

// Stream implements Backend.
func (e *Echo) Stream(ctx context.Context, req Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		text := lastUserMessage(req.Messages)
		if text == "" {
			text = "(nothing to echo)"
		}
		words := strings.SplitAfter(text, " ")

		for _, w := range words {
			if w == "" {
				continue
			}
			if e.delay > 0 {
				t := time.NewTimer(e.delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			} else if ctx.Err() != nil {
				return
			}
			frame, err := json.Marshal(w)
			if err != nil {
				yield(nil, fmt.Errorf("encode text part: %w", err))
				return
			}
			if !yield(append(append([]byte("0:"), frame...), '\n'), nil) {
				return
			}
		}

		finish := fmt.Sprintf(`{"finishReason":"stop","usage":{"promptTokens":%d,"completionTokens":%d},"isContinued":false}`,
			countWords(req.Messages), len(strings.Fields(text)))
		yield([]byte("e:"+finish+"\n"), nil)
	}
}

func lastUserMessage(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func countWords(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}
