package v1

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// ErrInvalidShape is returned when a shape violates the point structure of its kind.
var ErrInvalidShape = errors.New("invalid shape")

// Shape limits (wire-stable).
const (
	MaxPoints     = 10_000
	MaxTextChars  = 4000
	MaxColorBytes = 64
)

// Kind is the closed set of drawable shape variants.
type Kind string

const (
	KindPath      Kind = "path"
	KindLine      Kind = "line"
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindText      Kind = "text"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{KindPath, KindLine, KindRectangle, KindCircle, KindText}

// pointBounds returns the allowed number of points for k. ok is false for unknown kinds.
func (k Kind) pointBounds() (minPoints, maxPoints int, ok bool) {
	switch k {
	case KindPath:
		return 1, MaxPoints, true
	case KindLine, KindRectangle, KindCircle:
		// [anchor, cursor]
		return 2, 2, true
	case KindText:
		// baseline origin
		return 1, 1, true
	default:
		return 0, 0, false
	}
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	_, _, ok := k.pointBounds()
	return ok
}

// Point is a 2-D coordinate in client-view pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Shape is the atomic drawable unit.
//
// StrokeWidth doubles as the font size for text shapes.
type Shape struct {
	Kind        Kind    `json:"kind"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
	Points      []Point `json:"points"`
	Text        string  `json:"text,omitempty"`
}

// Validate checks the shape against the invariants of its kind.
// Every returned error wraps ErrInvalidShape.
func (s Shape) Validate() error {
	minPoints, maxPoints, ok := s.Kind.pointBounds()
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidShape, s.Kind)
	}

	color := strings.TrimSpace(s.Color)
	if color == "" {
		return fmt.Errorf("%w: missing color", ErrInvalidShape)
	}
	if len(color) > MaxColorBytes {
		return fmt.Errorf("%w: color too long", ErrInvalidShape)
	}

	if !finite(s.StrokeWidth) || s.StrokeWidth <= 0 {
		return fmt.Errorf("%w: strokeWidth must be positive", ErrInvalidShape)
	}

	n := len(s.Points)
	if n < minPoints || n > maxPoints {
		if minPoints == maxPoints {
			return fmt.Errorf("%w: %s needs exactly %d points, got %d", ErrInvalidShape, s.Kind, minPoints, n)
		}
		return fmt.Errorf("%w: %s needs %d..%d points, got %d", ErrInvalidShape, s.Kind, minPoints, maxPoints, n)
	}
	for i, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) {
			return fmt.Errorf("%w: point %d is not finite", ErrInvalidShape, i)
		}
	}

	if s.Kind == KindText {
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("%w: text shape without text", ErrInvalidShape)
		}
		if utf8.RuneCountInString(s.Text) > MaxTextChars {
			return fmt.Errorf("%w: text too long: max=%d chars", ErrInvalidShape, MaxTextChars)
		}
	} else if s.Text != "" {
		return fmt.Errorf("%w: text is only allowed on text shapes", ErrInvalidShape)
	}

	return nil
}

// Clone returns a deep copy so committed shapes never alias caller-owned point slices.
func (s Shape) Clone() Shape {
	out := s
	if s.Points != nil {
		out.Points = append([]Point(nil), s.Points...)
	}
	return out
}

// CloneShapes deep-copies a shape list. The result is never nil.
func CloneShapes(in []Shape) []Shape {
	out := make([]Shape, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
