package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TurnStatus is the lifecycle status of a turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnStreaming TurnStatus = "streaming"
	TurnComplete  TurnStatus = "complete"
	TurnFailed    TurnStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TurnStatus) Terminal() bool {
	return s == TurnComplete || s == TurnFailed
}

// Active reports whether the turn is still being populated by a request.
func (s TurnStatus) Active() bool {
	return s == TurnPending || s == TurnStreaming
}

// FailureKind classifies why an assistant turn failed.
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureBackend   FailureKind = "backend"
	FailureCancelled FailureKind = "cancelled"
	FailureInternal  FailureKind = "internal"
)

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ToolInvocation is a tool call the backend made while producing a turn.
// Result is empty until the backend reports it.
type ToolInvocation struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Turn is one message in the conversation.
type Turn struct {
	ID           string           `json:"id"`
	Role         Role             `json:"role"`
	Content      string           `json:"content"`
	Status       TurnStatus       `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	FailureKind  FailureKind      `json:"failure_kind,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
	Tools        []ToolInvocation `json:"tools,omitempty"`
}

// NewTurn returns a turn with a fresh ID and creation time.
func NewTurn(role Role, content string, status TurnStatus) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy that shares no mutable state with t.
func (t Turn) Clone() Turn {
	out := t
	if t.Usage != nil {
		u := *t.Usage
		out.Usage = &u
	}
	if t.Tools != nil {
		out.Tools = make([]ToolInvocation, len(t.Tools))
		for i, inv := range t.Tools {
			out.Tools[i] = ToolInvocation{
				ID:     inv.ID,
				Name:   inv.Name,
				Args:   append(json.RawMessage(nil), inv.Args...),
				Result: append(json.RawMessage(nil), inv.Result...),
			}
		}
	}
	return out
}

// Transcript is a point-in-time view of a conversation.
type Transcript struct {
	SessionID string `json:"session_id"`
	Version   uint64 `json:"version"`
	Turns     []Turn `json:"turns"`
}

// Last returns the most recent turn.
func (t Transcript) Last() (Turn, bool) {
	if len(t.Turns) == 0 {
		return Turn{}, false
	}
	return t.Turns[len(t.Turns)-1], true
}

// Find returns the turn with the given ID.
func (t Transcript) Find(id string) (Turn, bool) {
	for i := len(t.Turns) - 1; i >= 0; i-- {
		if t.Turns[i].ID == id {
			return t.Turns[i], true
		}
	}
	return Turn{}, false
}

// Message is the role+content pair sent to a language-model backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnRecord is an accepted user turn or a finished assistant turn, as
// handed to archivers and conversation logs.
type TurnRecord struct {
	UserID    string
	SessionID string
	RequestID string
	Turn      Turn
	Chunks    int
	Err       error
}
