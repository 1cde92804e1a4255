// Package chat implements the streaming chat core: the ordered transcript,
// the ingest that folds streamed chunks into it, the request coordinator and
// the sessions that tie them together.
package chat

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/streamchat/internal/domain"
)

// UpdateKind describes which mutation produced an Update.
type UpdateKind string

const (
	UpdateAppend UpdateKind = "append"
	UpdateDelta  UpdateKind = "delta"
	UpdateStatus UpdateKind = "status"
	UpdateMeta   UpdateKind = "meta"
)

// Update is delivered to observers after every successful mutation.
type Update struct {
	Kind   UpdateKind
	TurnID string
	// Delta is the appended text for UpdateDelta.
	Delta      string
	Transcript domain.Transcript
}

// Observer receives updates synchronously on the mutating goroutine, which
// may hold the coordinator lock. Observers may read snapshots and
// Session.State, but must not mutate the transcript or call Session.Busy
// or any other method that takes the coordinator lock.
type Observer func(Update)

// Transcript is the ordered turn log of one session. It is safe for
// concurrent use.
type Transcript struct {
	// writeMu serializes mutation plus notification so observers see
	// updates in version order.
	writeMu sync.Mutex

	mu        sync.RWMutex
	sessionID string
	turns     []domain.Turn
	version   uint64

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObs   uint64
}

// NewTranscript returns an empty transcript.
func NewTranscript(sessionID string) *Transcript {
	return &Transcript{
		sessionID: sessionID,
		observers: make(map[uint64]Observer),
	}
}

// Append adds a turn at the end. A user turn is rejected while an assistant
// turn is still pending or streaming.
func (t *Transcript) Append(turn domain.Turn) (domain.Turn, error) {
	added, err := t.appendTurns(turn)
	if err != nil {
		return domain.Turn{}, err
	}
	return added[0], nil
}

// AppendExchange appends a user turn followed by its pending assistant turn
// as one mutation.
func (t *Transcript) AppendExchange(user, assistant domain.Turn) (domain.Turn, domain.Turn, error) {
	if user.Role != domain.RoleUser || assistant.Role != domain.RoleAssistant || assistant.Status != domain.TurnPending {
		return domain.Turn{}, domain.Turn{}, fmt.Errorf("%w: exchange must be a user turn and a pending assistant turn", domain.ErrInvalidState)
	}
	added, err := t.appendTurns(user, assistant)
	if err != nil {
		return domain.Turn{}, domain.Turn{}, err
	}
	return added[0], added[1], nil
}

func (t *Transcript) appendTurns(turns ...domain.Turn) ([]domain.Turn, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	added := make([]domain.Turn, 0, len(turns))
	for _, turn := range turns {
		if err := t.checkAppendLocked(turn); err != nil {
			t.turns = t.turns[:len(t.turns)-len(added)]
			t.mu.Unlock()
			return nil, err
		}
		if turn.ID == "" {
			turn.ID = uuid.NewString()
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = time.Now().UTC()
		}
		turn = turn.Clone()
		t.turns = append(t.turns, turn)
		added = append(added, turn.Clone())
	}
	t.version++
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(Update{Kind: UpdateAppend, TurnID: added[len(added)-1].ID, Transcript: snap})
	return added, nil
}

func (t *Transcript) checkAppendLocked(turn domain.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidState, turn.Role)
	}
	if turn.Status == domain.TurnStreaming {
		return fmt.Errorf("%w: turns cannot be appended while streaming", domain.ErrInvalidState)
	}
	if turn.ID != "" && t.indexLocked(turn.ID) >= 0 {
		return fmt.Errorf("%w: duplicate turn id %s", domain.ErrInvalidState, turn.ID)
	}
	if turn.Role == domain.RoleUser {
		if last, ok := t.lastLocked(); ok && last.Role == domain.RoleAssistant && last.Status.Active() {
			return fmt.Errorf("%w: assistant turn %s is still %s", domain.ErrInvalidState, last.ID, last.Status)
		}
	}
	return nil
}

// Begin moves a pending assistant turn to streaming.
func (t *Transcript) Begin(id string) error {
	return t.mutate(id, UpdateStatus, "", func(turn *domain.Turn, last bool) (bool, error) {
		if !last {
			return false, fmt.Errorf("%w: turn %s is not the most recent turn", domain.ErrNotFound, id)
		}
		switch turn.Status {
		case domain.TurnPending:
			turn.Status = domain.TurnStreaming
			return true, nil
		case domain.TurnStreaming:
			return false, nil
		default:
			return false, fmt.Errorf("%w: cannot begin %s turn", domain.ErrInvalidState, turn.Status)
		}
	})
}

// MutateLast appends delta to the content of the streaming turn id, which
// must be the most recent turn. An empty delta is a no-op.
func (t *Transcript) MutateLast(id, delta string) error {
	return t.mutate(id, UpdateDelta, delta, func(turn *domain.Turn, last bool) (bool, error) {
		if !last {
			return false, fmt.Errorf("%w: turn %s is not the most recent turn", domain.ErrNotFound, id)
		}
		if turn.Status != domain.TurnStreaming {
			return false, fmt.Errorf("%w: cannot append to %s turn", domain.ErrInvalidState, turn.Status)
		}
		if delta == "" {
			return false, nil
		}
		turn.Content += delta
		return true, nil
	})
}

// Finalize marks turn id complete. Terminal turns are left unchanged.
func (t *Transcript) Finalize(id string) error {
	return t.mutate(id, UpdateStatus, "", func(turn *domain.Turn, _ bool) (bool, error) {
		if turn.Status.Terminal() {
			return false, nil
		}
		turn.Status = domain.TurnComplete
		return true, nil
	})
}

// Fail marks turn id failed with the given kind and reason. Terminal turns
// are left unchanged.
func (t *Transcript) Fail(id string, kind domain.FailureKind, reason string) error {
	return t.mutate(id, UpdateStatus, "", func(turn *domain.Turn, _ bool) (bool, error) {
		if turn.Status.Terminal() {
			return false, nil
		}
		turn.Status = domain.TurnFailed
		turn.FailureKind = kind
		turn.Reason = reason
		return true, nil
	})
}

// Annotate applies fn to the active turn id to record metadata such as usage
// or tool invocations. fn reports whether it changed anything.
func (t *Transcript) Annotate(id string, fn func(*domain.Turn) bool) error {
	return t.mutate(id, UpdateMeta, "", func(turn *domain.Turn, _ bool) (bool, error) {
		if !turn.Status.Active() {
			return false, fmt.Errorf("%w: cannot annotate %s turn", domain.ErrInvalidState, turn.Status)
		}
		return fn(turn), nil
	})
}

// mutate runs fn on turn id and notifies observers when fn reports a change.
func (t *Transcript) mutate(id string, kind UpdateKind, delta string, fn func(turn *domain.Turn, last bool) (bool, error)) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	changed, err := fn(&t.turns[i], i == len(t.turns)-1)
	if err != nil || !changed {
		t.mu.Unlock()
		return err
	}
	t.version++
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(Update{Kind: kind, TurnID: id, Delta: delta, Transcript: snap})
	return nil
}

// Snapshot returns a deep copy of the current state.
func (t *Transcript) Snapshot() domain.Transcript {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Version returns the number of successful mutations so far.
func (t *Transcript) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Subscribe registers an observer and returns a function that removes it.
func (t *Transcript) Subscribe(obs Observer) (unsubscribe func()) {
	t.obsMu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = obs
	t.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.obsMu.Lock()
			delete(t.observers, id)
			t.obsMu.Unlock()
		})
	}
}

func (t *Transcript) notify(u Update) {
	t.obsMu.Lock()
	ids := make([]uint64, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	t.obsMu.Unlock()

	// Registration order.
	slices.Sort(ids)
	for _, id := range ids {
		t.obsMu.Lock()
		obs, ok := t.observers[id]
		t.obsMu.Unlock()
		if ok {
			obs(u)
		}
	}
}

func (t *Transcript) snapshotLocked() domain.Transcript {
	turns := make([]domain.Turn, len(t.turns))
	for i, turn := range t.turns {
		turns[i] = turn.Clone()
	}
	return domain.Transcript{SessionID: t.sessionID, Version: t.version, Turns: turns}
}

func (t *Transcript) indexLocked(id string) int {
	for i := len(t.turns) - 1; i >= 0; i-- {
		if t.turns[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Transcript) lastLocked() (domain.Turn, bool) {
	if len(t.turns) == 0 {
		return domain.Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}
