package realtime

import (
	"errors"
	"sync"

	v1 "whiteboard/shared/contracts/board/v1"
)

// ErrBoardFull is returned by Append once the committed list reaches its bound.
var ErrBoardFull = errors.New("realtime: board is full")

// State is the authoritative draw history of one board: the ordered committed
// shapes plus a redo stack of shapes removed by undo.
//
// Invariants:
//   - committed and redo never hold the same shape.
//   - Append clears redo; Redo does not.
//   - Callers never see internal slices (every read is a deep copy).
//
// Undo is global: it pops the most recent shape regardless of its author.
type State struct {
	mu        sync.Mutex
	maxShapes int

	committed []v1.Shape
	redo      []v1.Shape
}

// NewState constructs an empty State. maxShapes <= 0 disables the bound.
func NewState(maxShapes int) *State {
	return &State{maxShapes: maxShapes}
}

// Snapshot returns a copy of the committed shapes in draw order. Never nil.
func (s *State) Snapshot() []v1.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return v1.CloneShapes(s.committed)
}

// Append validates and commits shape, invalidating any redo history.
func (s *State) Append(shape v1.Shape) error {
	if err := shape.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxShapes > 0 && len(s.committed) >= s.maxShapes {
		return ErrBoardFull
	}

	s.committed = append(s.committed, shape.Clone())
	s.redo = nil
	return nil
}

// Undo moves the last committed shape onto the redo stack.
// It reports false (and changes nothing) when there is nothing to undo.
func (s *State) Undo() (v1.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := pop(&s.committed)
	if !ok {
		return v1.Shape{}, false
	}
	s.redo = append(s.redo, last)
	return last.Clone(), true
}

// Redo moves the most recently undone shape back onto the committed list.
// The remaining redo entries stay available.
func (s *State) Redo() (v1.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := pop(&s.redo)
	if !ok {
		return v1.Shape{}, false
	}
	s.committed = append(s.committed, last)
	return last.Clone(), true
}

// Clear drops both the committed list and the redo stack.
func (s *State) Clear() {
	s.mu.Lock()
	s.committed = nil
	s.redo = nil
	s.mu.Unlock()
}

// Len returns the number of committed shapes.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

// RedoLen returns the number of shapes available to redo.
func (s *State) RedoLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo)
}

func pop(stack *[]v1.Shape) (v1.Shape, bool) {
	n := len(*stack)
	if n == 0 {
		return v1.Shape{}, false
	}
	last := (*stack)[n-1]
	(*stack)[n-1] = v1.Shape{}
	*stack = (*stack)[:n-1]
	return last, true
}
