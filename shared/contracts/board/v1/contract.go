// Package v1 defines the Whiteboard Sync Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeInitialShapes carries the full snapshot to a newly connected client (server -> client).
	TypeInitialShapes = "initial_shapes"

	// TypeDraw commits a finished shape (client -> server) and relays it (server -> other clients).
	TypeDraw = "draw"
	// TypeDrawPreview relays an in-progress shape; it never touches board state.
	TypeDrawPreview = "draw_preview"

	// TypeUndo, TypeRedo and TypeClear are payload-less client requests.
	TypeUndo  = "undo"
	TypeRedo  = "redo"
	TypeClear = "clear"

	// TypeUpdateShapes replaces the client's shape list after undo/redo (server -> all clients).
	TypeUpdateShapes = "update_shapes"
	// TypeClearCanvas tells every client to drop its shapes (server -> all clients).
	TypeClearCanvas = "clear_canvas"

	// TypeError is a generic error envelope (server -> sender only).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeInitialShapes,
		TypeDraw,
		TypeDrawPreview,
		TypeUndo,
		TypeRedo,
		TypeClear,
		TypeUpdateShapes,
		TypeClearCanvas,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ClientOriginated reports whether clients are allowed to send this envelope type.
func ClientOriginated(typ string) bool {
	switch typ {
	case TypeDraw, TypeDrawPreview, TypeUndo, TypeRedo, TypeClear:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// InitialShapesPayload is the catch-up snapshot sent once per connection.
type InitialShapesPayload struct {
	SessionID string  `json:"session_id"`
	BoardID   string  `json:"board_id,omitempty"`
	Shapes    []Shape `json:"shapes"`
}

// DrawPayload carries one shape. SessionID is set by the server on relay.
type DrawPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Shape     Shape  `json:"shape"`
}

// UpdateShapesPayload is a full replacement of the client's shape list.
type UpdateShapesPayload struct {
	Shapes []Shape `json:"shapes"`
}

// ClearCanvasPayload is empty; it exists so the payload is always a JSON object.
type ClearCanvasPayload struct{}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
