package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"whiteboard/cmd/internal/ids"
	v1 "whiteboard/shared/contracts/board/v1"
)

// Board owns one shared drawing surface: its State, its Registry and the
// ordering between them.
//
// Every mutation runs together with its broadcast under mu, and so does Join
// (register + snapshot + initial_shapes). A joining client therefore sees each
// committed edit exactly once: either inside its snapshot or as a live broadcast.
// Fan-out only enqueues, so holding mu never waits on socket I/O.
type Board struct {
	log      *slog.Logger
	id       string
	state    *State
	registry *Registry
	metrics  *Metrics
	journal  *JournalWriter
	now      func() time.Time

	mu  sync.Mutex
	seq int64
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithBoardID overrides the generated board instance id.
func WithBoardID(id string) BoardOption {
	return func(b *Board) {
		if id != "" {
			b.id = id
		}
	}
}

// WithMaxShapes bounds the committed list (<= 0 means unbounded).
func WithMaxShapes(n int) BoardOption {
	return func(b *Board) { b.state = NewState(n) }
}

// WithMetrics sets the collectors used by the board and its registry.
func WithMetrics(m *Metrics) BoardOption {
	return func(b *Board) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithJournalWriter records applied events through w.
func WithJournalWriter(w *JournalWriter) BoardOption {
	return func(b *Board) { b.journal = w }
}

// NewBoard constructs an empty board.
func NewBoard(log *slog.Logger, opts ...BoardOption) *Board {
	if log == nil {
		log = slog.Default()
	}

	b := &Board{
		log:   log,
		id:    ids.NewBoardID(),
		state: NewState(maxCommittedShapes),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}
	b.registry = NewRegistry(log, b.metrics)
	return b
}

// ID returns the board instance id.
func (b *Board) ID() string { return b.id }

// Connections returns the number of registered clients.
func (b *Board) Connections() int { return b.registry.Len() }

// Join registers client and queues the current snapshot as its first envelope.
func (b *Board) Join(client *Client) error {
	if client == nil || client.SessionID == "" {
		return errors.New("realtime: invalid client")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.registry.Register(client) {
		return errors.New("realtime: duplicate session")
	}

	env := b.envelope(v1.TypeInitialShapes, v1.InitialShapesPayload{
		SessionID: client.SessionID,
		BoardID:   b.id,
		Shapes:    b.state.Snapshot(),
	})
	if err := b.registry.Send(client.SessionID, env); err != nil {
		return err
	}

	b.log.Info("board.join", "board_id", b.id, "session_id", client.SessionID, "shapes", b.state.Len())
	return nil
}

// Leave deregisters a client. Board state is untouched.
func (b *Board) Leave(sessionID string) {
	b.registry.Deregister(sessionID)
}

// Snapshot returns the committed shapes, ordered with respect to concurrent edits.
func (b *Board) Snapshot() []v1.Shape {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Snapshot()
}

// Draw commits shape and relays it to every client except the author.
// Invalid shapes are rejected before touching state and are never broadcast.
func (b *Board) Draw(sessionID string, shape v1.Shape) error {
	if err := shape.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.state.Append(shape); err != nil {
		return err
	}

	env := b.envelope(v1.TypeDraw, v1.DrawPayload{SessionID: sessionID, Shape: shape})
	b.registry.Broadcast(env, sessionID)

	b.applied(sessionID, OpDraw, &shape)
	return nil
}

// Preview relays an in-progress shape to every client except the author.
// It is validated like a committed shape but never stored.
func (b *Board) Preview(sessionID string, shape v1.Shape) error {
	if err := shape.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	env := b.envelope(v1.TypeDrawPreview, v1.DrawPayload{SessionID: sessionID, Shape: shape})
	b.registry.Broadcast(env, sessionID)
	b.metrics.Events.WithLabelValues(v1.TypeDrawPreview).Inc()
	return nil
}

// Undo removes the last committed shape and sends the new snapshot to every client.
// It reports false, without broadcasting, when there is nothing to undo.
func (b *Board) Undo(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	shape, ok := b.state.Undo()
	if !ok {
		b.log.Debug("board.undo.empty", "session_id", sessionID)
		return false
	}

	b.broadcastSnapshot()
	b.applied(sessionID, OpUndo, &shape)
	return true
}

// Redo restores the most recently undone shape and sends the new snapshot to every client.
// It reports false, without broadcasting, when there is nothing to redo.
func (b *Board) Redo(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	shape, ok := b.state.Redo()
	if !ok {
		b.log.Debug("board.redo.empty", "session_id", sessionID)
		return false
	}

	b.broadcastSnapshot()
	b.applied(sessionID, OpRedo, &shape)
	return true
}

// Clear empties the board and tells every client, including the sender.
func (b *Board) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Clear()
	b.registry.Broadcast(b.envelope(v1.TypeClearCanvas, v1.ClearCanvasPayload{}), "")
	b.applied(sessionID, OpClear, nil)
}

// broadcastSnapshot must be called with mu held.
func (b *Board) broadcastSnapshot() {
	env := b.envelope(v1.TypeUpdateShapes, v1.UpdateShapesPayload{Shapes: b.state.Snapshot()})
	b.registry.Broadcast(env, "")
}

// applied must be called with mu held so journal sequence numbers follow state order.
func (b *Board) applied(sessionID, op string, shape *v1.Shape) {
	b.seq++
	b.metrics.Events.WithLabelValues(op).Inc()
	b.metrics.observeState(b.state)

	b.log.Debug("board.apply", "board_id", b.id, "seq", b.seq, "op", op, "session_id", sessionID)

	if b.journal == nil {
		return
	}
	var cp *v1.Shape
	if shape != nil {
		c := shape.Clone()
		cp = &c
	}
	b.journal.Enqueue(JournalEntry{
		BoardID:   b.id,
		Seq:       b.seq,
		SessionID: sessionID,
		Op:        op,
		Shape:     cp,
		At:        b.now(),
	})
}

func (b *Board) envelope(typ string, payload any) v1.Envelope {
	p, _ := json.Marshal(payload)
	return newEnvelope(typ, p, b.now())
}
