package realtime

import (
	"time"

	"whiteboard/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
// It also keys journal rows, so it sorts by connect time.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a short random id for server-originated envelopes.
func NewEnvelopeID() string {
	return ids.NewRandomHex(10)
}
