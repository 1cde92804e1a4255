package chat

import (
	"fmt"
	"strings"

	"github.com/ashureev/streamchat/internal/domain"
)

// Submit validates text, appends the user turn and a pending assistant turn
// and starts streaming the reply. It returns the pending assistant turn.
// Rejected submissions leave the transcript untouched.
func (s *Session) Submit(text string) (domain.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Turn{}, domain.ErrEmptyInput
	}
	if s.maxInput > 0 && len(text) > s.maxInput {
		return domain.Turn{}, fmt.Errorf("%w: %d bytes, limit is %d", domain.ErrInputTooLong, len(text), s.maxInput)
	}
	return s.submit(func(domain.Transcript) (string, error) { return text, nil })
}

// RetryLast resubmits the user message behind a failed assistant turn as a
// fresh exchange. It fails with domain.ErrNothingToRetry unless the most
// recent turn is a failed assistant turn.
func (s *Session) RetryLast() (domain.Turn, error) {
	return s.submit(func(snap domain.Transcript) (string, error) {
		last, ok := snap.Last()
		if !ok || last.Role != domain.RoleAssistant || last.Status != domain.TurnFailed {
			return "", domain.ErrNothingToRetry
		}
		for i := len(snap.Turns) - 2; i >= 0; i-- {
			if snap.Turns[i].Role == domain.RoleUser {
				return snap.Turns[i].Content, nil
			}
		}
		return "", domain.ErrNothingToRetry
	})
}

// CancelActive stops the in-flight reply, if any. The partial content is
// kept and the turn is marked failed with kind cancelled.
func (s *Session) CancelActive() bool {
	cancelled := s.coord.Cancel()
	if cancelled {
		s.touch()
	}
	return cancelled
}

// submit runs the exchange under the coordinator lock. text picks the user
// message from the current transcript.
func (s *Session) submit(text func(domain.Transcript) (string, error)) (domain.Turn, error) {
	var assistant domain.Turn
	_, err := s.coord.Start(func() (string, error) {
		content, err := text(s.transcript.Snapshot())
		if err != nil {
			return "", err
		}
		u, a, err := s.transcript.AppendExchange(
			domain.NewTurn(domain.RoleUser, content, domain.TurnComplete),
			domain.NewTurn(domain.RoleAssistant, "", domain.TurnPending),
		)
		if err != nil {
			return "", err
		}
		assistant = a
		s.record(domain.TurnRecord{Turn: u})
		return a.ID, nil
	})
	if err != nil {
		return domain.Turn{}, err
	}
	s.touch()
	return assistant, nil
}
