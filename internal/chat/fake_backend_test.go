package chat

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/streamchat/internal/backend"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

const waitFor = 2 * time.Second

type fakeItem struct {
	chunk []byte
	err   error
}

// fakeStream is one call to fakeBackend.Stream, driven by the test.
type fakeStream struct {
	req   backend.Request
	ctx   context.Context
	items chan fakeItem
	once  sync.Once
}

func (fs *fakeStream) send(t *testing.T, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		select {
		case fs.items <- fakeItem{chunk: []byte(c)}:
		case <-fs.ctx.Done():
			t.Fatalf("stream cancelled before chunk %q was read", c)
		case <-time.After(waitFor):
			t.Fatalf("timed out sending chunk %q", c)
		}
	}
}

func (fs *fakeStream) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case fs.items <- fakeItem{err: err}:
	case <-time.After(waitFor):
		t.Fatalf("timed out sending error %v", err)
	}
}

func (fs *fakeStream) end() {
	fs.once.Do(func() { close(fs.items) })
}

// fakeBackend hands every Stream call to the test through streams.
type fakeBackend struct {
	format  stream.Format
	streams chan *fakeStream
}

func newFakeBackend(format stream.Format) *fakeBackend {
	return &fakeBackend{format: format, streams: make(chan *fakeStream, 16)}
}

func (f *fakeBackend) Name() string          { return "fake" }
func (f *fakeBackend) Format() stream.Format { return f.format }

func (f *fakeBackend) Stream(ctx context.Context, req backend.Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		fs := &fakeStream{req: req, ctx: ctx, items: make(chan fakeItem)}
		f.streams <- fs
		for {
			select {
			case <-ctx.Done():
				return
			case it, ok := <-fs.items:
				if !ok {
					return
				}
				if !yield(it.chunk, it.err) || it.err != nil {
					return
				}
			}
		}
	}
}

func (f *fakeBackend) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case fs := <-f.streams:
		return fs
	case <-time.After(waitFor):
		t.Fatal("backend was not called")
		return nil
	}
}

// recordingSink collects turn records.
type recordingSink struct {
	mu   sync.Mutex
	recs []domain.TurnRecord
}

func (r *recordingSink) RecordTurn(rec domain.TurnRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingSink) records() []domain.TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TurnRecord(nil), r.recs...)
}

func newTestSession(t *testing.T, b backend.Backend, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "tab-1"
	}
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	s := NewSession(b, cfg)
	t.Cleanup(s.Close)
	return s
}

// waitLast waits until the most recent turn has the given status.
func waitLast(t *testing.T, s *Session, status domain.TurnStatus) domain.Turn {
	t.Helper()
	var last domain.Turn
	require.Eventually(t, func() bool {
		var ok bool
		last, ok = s.Snapshot().Last()
		return ok && last.Status == status
	}, waitFor, 5*time.Millisecond, "last turn never reached %s", status)
	return last
}

func waitContent(t *testing.T, s *Session, content string) {
	t.Helper()
	require.Eventually(t, func() bool {
		last, ok := s.Snapshot().Last()
		return ok && last.Content == content
	}, waitFor, 5*time.Millisecond, "last turn never reached content %q", content)
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Busy() }, waitFor, 5*time.Millisecond)
}

type turnShape struct {
	Role    domain.Role
	Content string
	Status  domain.TurnStatus
}

func shapes(tr domain.Transcript) []turnShape {
	out := make([]turnShape, 0, len(tr.Turns))
	for _, turn := range tr.Turns {
		out = append(out, turnShape{Role: turn.Role, Content: turn.Content, Status: turn.Status})
	}
	return out
}
