package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/streamchat/internal/backend"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

// State is the request coordinator's state.
type State int32

const (
	StateIdle State = iota
	StatePending
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome describes how a request ended.
type Outcome struct {
	RequestID string
	TurnID    string
	State     State
	Err       error
	Chunks    int
	Duration  time.Duration
}

// activeRequest is the single in-flight request of a coordinator. Backend
// events carry the request they belong to and are dropped once it is no
// longer active.
type activeRequest struct {
	id      string
	turnID  string
	state   State
	cancel  context.CancelFunc
	ingest  *Ingest
	started time.Time
}

type streamItem struct {
	chunk []byte
	err   error
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	SessionID string
	// IdleTimeout fails a request that receives nothing for this long.
	// Zero disables the timeout.
	IdleTimeout time.Duration
	// OnFinish is called under the coordinator lock after a request ends.
	// It must not call back into the coordinator.
	OnFinish func(Outcome)
	Logger   *slog.Logger
}

// Coordinator runs at most one streamed request at a time against a
// transcript.
type Coordinator struct {
	transcript *Transcript
	backend    backend.Backend
	sessionID  string
	idle       time.Duration
	onFinish   func(Outcome)
	logger     *slog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
	mu     sync.Mutex
	active *activeRequest
	last   *Outcome
	closed bool
}

// NewCoordinator returns an idle coordinator.
func NewCoordinator(t *Transcript, b backend.Backend, cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		transcript: t,
		backend:    b,
		sessionID:  cfg.SessionID,
		idle:       cfg.IdleTimeout,
		onFinish:   cfg.OnFinish,
		logger:     logger.With("session_id", cfg.SessionID),
		ctx:        ctx,
		stop:       stop,
	}
}

// State returns the current state. It does not block, so observers may call it.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Busy reports whether a request is in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// LastOutcome returns how the most recent request ended.
func (c *Coordinator) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

// Start runs prepare and, if it succeeds, streams a reply into the pending
// assistant turn it returns. prepare runs under the coordinator lock, so no
// other request can start between the check for an idle coordinator and the
// transcript mutation. Start fails with domain.ErrBusy while a request is
// active.
func (c *Coordinator) Start(prepare func() (turnID string, err error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", domain.ErrSessionClosed
	}
	if c.active != nil {
		return "", domain.ErrBusy
	}
	dec, err := stream.New(c.backend.Format())
	if err != nil {
		return "", fmt.Errorf("create decoder: %w", err)
	}
	turnID, err := prepare()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(c.ctx)
	req := &activeRequest{
		id:      uuid.NewString(),
		turnID:  turnID,
		state:   StatePending,
		cancel:  cancel,
		ingest:  NewIngest(c.transcript, turnID, dec, c.logger),
		started: time.Now(),
	}
	c.active = req
	c.setState(StatePending)

	breq := backend.Request{
		SessionID: c.sessionID,
		RequestID: req.id,
		Messages:  RequestMessages(c.transcript.Snapshot()),
	}
	c.logger.Info("chat request started",
		"request_id", req.id,
		"turn_id", turnID,
		"backend", c.backend.Name(),
		"messages", len(breq.Messages))

	items := make(chan streamItem)
	c.wg.Add(2)
	go c.read(ctx, breq, items)
	go c.pump(ctx, req, items)
	return turnID, nil
}

// Cancel stops the active request, marks its turn failed with kind
// cancelled and returns the coordinator to idle before returning. It
// reports whether a request was cancelled.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.active
	if req == nil {
		return false
	}
	req.cancel()
	if err := req.ingest.OnError(domain.ErrCancelled); err != nil {
		c.logger.Error("failed to mark cancelled turn", "turn_id", req.turnID, "error", err)
	}
	c.finishLocked(req, StateCancelled, domain.ErrCancelled)
	return true
}

// Close cancels any active request, rejects further starts and waits for
// the request goroutines to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Cancel()
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// read drains the backend stream into items until the stream ends or ctx is
// cancelled.
func (c *Coordinator) read(ctx context.Context, req backend.Request, items chan<- streamItem) {
	defer c.wg.Done()
	defer close(items)

	for chunk, err := range c.backend.Stream(ctx, req) {
		select {
		case items <- streamItem{chunk: chunk, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// pump applies backend events to the request until it ends.
func (c *Coordinator) pump(ctx context.Context, req *activeRequest, items <-chan streamItem) {
	defer c.wg.Done()

	var timer *time.Timer
	var timeout <-chan time.Time
	if c.idle > 0 {
		timer = time.NewTimer(c.idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			c.handleError(req, fmt.Errorf("%w: no response from backend within %s", domain.ErrTransport, c.idle))
			return
		case item, ok := <-items:
			switch {
			case !ok:
				c.handleEnd(req)
				return
			case item.err != nil:
				c.handleError(req, item.err)
				return
			}
			if stop := c.handleChunk(req, item.chunk); stop {
				return
			}
			if timer != nil {
				timer.Reset(c.idle)
			}
		}
	}
}

func (c *Coordinator) handleChunk(req *activeRequest, chunk []byte) (stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != req {
		c.logger.Debug("discarding chunk for inactive request", "request_id", req.id, "bytes", len(chunk))
		return true
	}
	if req.state == StatePending {
		req.state = StateStreaming
		c.setState(StateStreaming)
	}
	done, err := req.ingest.OnChunk(chunk)
	if err != nil {
		c.failLocked(req, err)
		return true
	}
	if done {
		c.completeLocked(req)
		return true
	}
	return false
}

func (c *Coordinator) handleEnd(req *activeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != req {
		return
	}
	c.completeLocked(req)
}

func (c *Coordinator) handleError(req *activeRequest, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != req {
		c.logger.Debug("discarding error for inactive request", "request_id", req.id, "error", err)
		return
	}
	c.failLocked(req, err)
}

func (c *Coordinator) completeLocked(req *activeRequest) {
	if err := req.ingest.OnEnd(); err != nil {
		c.failLocked(req, err)
		return
	}
	c.finishLocked(req, StateCompleted, nil)
}

func (c *Coordinator) failLocked(req *activeRequest, err error) {
	if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
		c.logger.Error("transcript rejected stream update",
			"request_id", req.id,
			"turn_id", req.turnID,
			"error", err)
	}
	if ferr := req.ingest.OnError(err); ferr != nil {
		c.logger.Error("failed to mark turn failed", "turn_id", req.turnID, "error", ferr)
	}
	c.finishLocked(req, StateFailed, err)
}

func (c *Coordinator) finishLocked(req *activeRequest, state State, err error) {
	req.cancel()
	req.state = state
	c.active = nil
	c.setState(state)

	out := Outcome{
		RequestID: req.id,
		TurnID:    req.turnID,
		State:     state,
		Err:       err,
		Chunks:    req.ingest.Chunks(),
		Duration:  time.Since(req.started),
	}
	c.last = &out

	attrs := []any{
		"request_id", req.id,
		"turn_id", req.turnID,
		"state", state.String(),
		"chunks", out.Chunks,
		"duration", out.Duration,
	}
	if err != nil && state == StateFailed {
		c.logger.Warn("chat request failed", append(attrs, "error", err)...)
	} else {
		c.logger.Info("chat request finished", attrs...)
	}

	c.setState(StateIdle)
	if c.onFinish != nil {
		c.onFinish(out)
	}
}

// RequestMessages builds the backend history from a transcript snapshot.
// Only complete turns are sent; a user turn whose reply failed is left out
// together with its failed reply.
func RequestMessages(snap domain.Transcript) []domain.Message {
	msgs := make([]domain.Message, 0, len(snap.Turns))
	for i, turn := range snap.Turns {
		if turn.Status != domain.TurnComplete {
			continue
		}
		if turn.Role == domain.RoleUser && i+1 < len(snap.Turns) {
			next := snap.Turns[i+1]
			if next.Role == domain.RoleAssistant && next.Status == domain.TurnFailed {
				continue
			}
		}
		msgs = append(msgs, domain.Message{Role: turn.Role, Content: turn.Content})
	}
	return msgs
}
