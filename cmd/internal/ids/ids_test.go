package ids

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewULID_SortsByTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ulids, got %q %q", a, b)
	}
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestNewBoardID_IsUUID(t *testing.T) {
	t.Parallel()

	id := NewBoardID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("board id %q is not a uuid: %v", id, err)
	}
}

func TestNewRandomHex_Length(t *testing.T) {
	t.Parallel()

	if got := len(NewRandomHex(10)); got != 20 {
		t.Fatalf("len=%d want 20", got)
	}
	if got := len(NewRandomHex(0)); got != 32 {
		t.Fatalf("default len=%d want 32", got)
	}
}
