package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

const (
	defaultArchiveQueue = 256
	archiveWriteTimeout = 5 * time.Second
)

// Archiver writes turn records to a Repository in the background.
// RecordTurn never blocks: when the queue is full the record is dropped
// and counted.
type Archiver struct {
	repo    Repository
	logger  *slog.Logger
	queue   chan ArchivedTurn
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewArchiver starts an archiver with the given queue size.
func NewArchiver(repo Repository, queueSize int, logger *slog.Logger) *Archiver {
	if queueSize <= 0 {
		queueSize = defaultArchiveQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		repo:   repo,
		logger: logger,
		queue:  make(chan ArchivedTurn, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// RecordTurn queues rec for archiving.
func (a *Archiver) RecordTurn(rec domain.TurnRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	item := ArchivedTurn{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		RequestID: rec.RequestID,
		Chunks:    rec.Chunks,
		Turn:      rec.Turn.Clone(),
	}
	select {
	case a.queue <- item:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("archive queue full, dropping turn",
			"user_id", rec.UserID,
			"session_id", rec.SessionID,
			"turn_id", rec.Turn.ID,
			"dropped_total", n)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written.
func (a *Archiver) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		<-a.done
	})
}

func (a *Archiver) run() {
	defer close(a.done)
	for item := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		if err := a.repo.SaveTurn(ctx, item); err != nil {
			a.logger.Error("failed to archive turn",
				"user_id", item.UserID,
				"session_id", item.SessionID,
				"turn_id", item.Turn.ID,
				"error", err)
		}
		cancel()
	}
}
