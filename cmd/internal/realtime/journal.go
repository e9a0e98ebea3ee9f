package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "whiteboard/shared/contracts/board/v1"
)

// Journal operations.
const (
	OpDraw  = "draw"
	OpUndo  = "undo"
	OpRedo  = "redo"
	OpClear = "clear"
)

const (
	journalDefaultQueue        = 1024
	journalWriteTimeout        = 3 * time.Second
	memMaxEntriesPerJournal    = 10_000
	journalShutdownDrainWindow = 2 * time.Second
)

// JournalEntry records one applied board event.
//
// Shape is set for draw/undo/redo (the shape appended, popped or restored) and nil for clear.
type JournalEntry struct {
	BoardID   string
	Seq       int64
	SessionID string
	Op        string
	Shape     *v1.Shape
	At        time.Time
}

// Journal is an append-only audit log of applied events.
//
// It is write-only from the server's point of view: nothing is replayed at startup.
type Journal interface {
	Append(ctx context.Context, e JournalEntry) error
	Close() error
}

// NopJournal discards every entry.
type NopJournal struct{}

func (NopJournal) Append(context.Context, JournalEntry) error { return nil }
func (NopJournal) Close() error                               { return nil }

// InMemoryJournal is a bounded dev/test journal.
type InMemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

// NewInMemoryJournal constructs an empty in-memory journal.
func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{entries: make([]JournalEntry, 0, 256)}
}

// Append stores e, keeping at most memMaxEntriesPerJournal entries.
func (j *InMemoryJournal) Append(ctx context.Context, e JournalEntry) error {
	if e.Op == "" {
		return errors.New("realtime: journal entry without op")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, e)
	if len(j.entries) > memMaxEntriesPerJournal {
		j.entries = j.entries[len(j.entries)-memMaxEntriesPerJournal:]
	}
	return nil
}

// Entries returns a copy of the stored entries in append order.
func (j *InMemoryJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

// Close is a noop for the in-memory journal.
func (j *InMemoryJournal) Close() error { return nil }

// JournalWriter decouples journal latency from the board lock.
//
// Enqueue never blocks; Run drains the queue into the Journal until ctx is done,
// then flushes what is left within a short window.
type JournalWriter struct {
	log     *slog.Logger
	journal Journal
	metrics *Metrics
	queue   chan JournalEntry
}

// NewJournalWriter constructs a writer with a bounded queue.
func NewJournalWriter(log *slog.Logger, journal Journal, metrics *Metrics, queueSize int) *JournalWriter {
	if log == nil {
		log = slog.Default()
	}
	if journal == nil {
		journal = NopJournal{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if queueSize <= 0 {
		queueSize = journalDefaultQueue
	}
	return &JournalWriter{
		log:     log,
		journal: journal,
		metrics: metrics,
		queue:   make(chan JournalEntry, queueSize),
	}
}

// Enqueue schedules e for writing. It reports false when the entry was dropped.
func (w *JournalWriter) Enqueue(e JournalEntry) bool {
	if w == nil {
		return false
	}
	select {
	case w.queue <- e:
		return true
	default:
		w.metrics.JournalDropped.Inc()
		w.log.Warn("journal.drop", "reason", "queue_full", "seq", e.Seq, "op", e.Op)
		return false
	}
}

// Run writes queued entries until ctx is cancelled. It always returns nil;
// write failures are logged and counted, never fatal.
func (w *JournalWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case e := <-w.queue:
			w.write(context.Background(), e)
		}
	}
}

func (w *JournalWriter) flush() {
	deadline := time.Now().Add(journalShutdownDrainWindow)
	for time.Now().Before(deadline) {
		select {
		case e := <-w.queue:
			w.write(context.Background(), e)
		default:
			return
		}
	}
}

func (w *JournalWriter) write(parent context.Context, e JournalEntry) {
	ctx, cancel := context.WithTimeout(parent, journalWriteTimeout)
	defer cancel()

	if err := w.journal.Append(ctx, e); err != nil {
		w.metrics.JournalDropped.Inc()
		w.log.Error("journal.write.fail", "seq", e.Seq, "op", e.Op, "err", err)
	}
}
