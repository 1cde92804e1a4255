package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/streamchat/internal/domain"
)

func newExchange(t *testing.T, tr *Transcript, text string) (domain.Turn, domain.Turn) {
	t.Helper()
	u, a, err := tr.AppendExchange(
		domain.NewTurn(domain.RoleUser, text, domain.TurnComplete),
		domain.NewTurn(domain.RoleAssistant, "", domain.TurnPending),
	)
	require.NoError(t, err)
	return u, a
}

func TestTranscriptRejectsUserTurnWhileAssistantActive(t *testing.T) {
	tr := NewTranscript("s")
	_, a := newExchange(t, tr, "hello")

	_, err := tr.Append(domain.NewTurn(domain.RoleUser, "again", domain.TurnComplete))
	require.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, tr.Begin(a.ID))
	_, err = tr.Append(domain.NewTurn(domain.RoleUser, "again", domain.TurnComplete))
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 2, tr.Len())

	require.NoError(t, tr.Finalize(a.ID))
	_, err = tr.Append(domain.NewTurn(domain.RoleUser, "again", domain.TurnComplete))
	require.NoError(t, err)
}

func TestTranscriptAppendValidation(t *testing.T) {
	tr := NewTranscript("s")

	_, err := tr.Append(domain.Turn{Role: "robot", Status: domain.TurnComplete})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = tr.Append(domain.Turn{Role: domain.RoleAssistant, Status: domain.TurnStreaming})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	turn, err := tr.Append(domain.Turn{Role: domain.RoleSystem, Content: "sys", Status: domain.TurnComplete})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.ID)
	assert.False(t, turn.CreatedAt.IsZero())

	_, err = tr.Append(turn)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "duplicate id")
	assert.Equal(t, 1, tr.Len())
}

func TestTranscriptAppendExchangeIsAtomic(t *testing.T) {
	tr := NewTranscript("s")
	var updates []Update
	tr.Subscribe(func(u Update) { updates = append(updates, u) })

	_, a := newExchange(t, tr, "hi")
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateAppend, updates[0].Kind)
	assert.Len(t, updates[0].Transcript.Turns, 2)

	// A rejected exchange leaves no trace of its user turn.
	_, _, err := tr.AppendExchange(
		domain.NewTurn(domain.RoleUser, "again", domain.TurnComplete),
		domain.NewTurn(domain.RoleAssistant, "", domain.TurnPending),
	)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 2, tr.Len())
	assert.Len(t, updates, 1)
	assert.Equal(t, a.ID, tr.Snapshot().Turns[1].ID)
}

func TestTranscriptMutateLast(t *testing.T) {
	tr := NewTranscript("s")
	_, a := newExchange(t, tr, "hi")

	require.ErrorIs(t, tr.MutateLast(a.ID, "x"), domain.ErrInvalidState, "pending turn")
	require.NoError(t, tr.Begin(a.ID))
	require.NoError(t, tr.MutateLast(a.ID, "Hi"))
	require.NoError(t, tr.MutateLast(a.ID, " there"))

	before := tr.Version()
	require.NoError(t, tr.MutateLast(a.ID, ""))
	assert.Equal(t, before, tr.Version(), "empty delta is not a mutation")

	require.ErrorIs(t, tr.MutateLast("missing", "x"), domain.ErrNotFound)

	last, _ := tr.Snapshot().Last()
	assert.Equal(t, "Hi there", last.Content)
}

func TestTranscriptMutateLastRequiresMostRecentTurn(t *testing.T) {
	tr := NewTranscript("s")
	_, a := newExchange(t, tr, "one")
	require.NoError(t, tr.Begin(a.ID))
	require.NoError(t, tr.Finalize(a.ID))
	newExchange(t, tr, "two")

	assert.ErrorIs(t, tr.MutateLast(a.ID, "late"), domain.ErrNotFound)
}

func TestTranscriptTerminalTransitionsAreIdempotent(t *testing.T) {
	tr := NewTranscript("s")
	_, a := newExchange(t, tr, "hi")
	require.NoError(t, tr.Begin(a.ID))
	require.NoError(t, tr.MutateLast(a.ID, "Par"))

	var count int
	tr.Subscribe(func(Update) { count++ })

	require.NoError(t, tr.Fail(a.ID, domain.FailureTransport, "connection reset"))
	require.NoError(t, tr.Fail(a.ID, domain.FailureBackend, "other"))
	require.NoError(t, tr.Finalize(a.ID))
	assert.Equal(t, 1, count)

	turn, ok := tr.Snapshot().Find(a.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TurnFailed, turn.Status)
	assert.Equal(t, domain.FailureTransport, turn.FailureKind)
	assert.Equal(t, "connection reset", turn.Reason)
	assert.Equal(t, "Par", turn.Content)

	assert.ErrorIs(t, tr.Finalize("missing"), domain.ErrNotFound)
	assert.ErrorIs(t, tr.Annotate(a.ID, func(*domain.Turn) bool { return true }), domain.ErrInvalidState)
}

func TestTranscriptObserversSeeEveryMutationOnce(t *testing.T) {
	tr := NewTranscript("s")
	var versions []uint64
	var order []string
	unsubscribe := tr.Subscribe(func(u Update) {
		versions = append(versions, u.Transcript.Version)
		order = append(order, "first")
	})
	tr.Subscribe(func(Update) { order = append(order, "second") })

	_, a := newExchange(t, tr, "hi")
	require.NoError(t, tr.Begin(a.ID))
	require.NoError(t, tr.MutateLast(a.ID, "a"))
	require.NoError(t, tr.MutateLast(a.ID, "b"))
	require.NoError(t, tr.Finalize(a.ID))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, versions)
	assert.Equal(t, []string{"first", "second", "first", "second", "first", "second", "first", "second", "first", "second"}, order)

	unsubscribe()
	unsubscribe()
	newExchange(t, tr, "again")
	assert.Len(t, versions, 5)
}

func TestTranscriptSnapshotsAreIsolated(t *testing.T) {
	tr := NewTranscript("s")
	_, a := newExchange(t, tr, "hi")
	require.NoError(t, tr.Begin(a.ID))
	require.NoError(t, tr.Annotate(a.ID, func(turn *domain.Turn) bool {
		turn.Usage = &domain.Usage{PromptTokens: 1}
		turn.Tools = []domain.ToolInvocation{{ID: "c1", Name: "weather"}}
		return true
	}))

	snap := tr.Snapshot()
	snap.Turns[0].Content = "mutated"
	snap.Turns[1].Usage.PromptTokens = 99
	snap.Turns[1].Tools[0].Name = "mutated"

	fresh := tr.Snapshot()
	assert.Equal(t, "hi", fresh.Turns[0].Content)
	assert.Equal(t, 1, fresh.Turns[1].Usage.PromptTokens)
	assert.Equal(t, "weather", fresh.Turns[1].Tools[0].Name)
}
