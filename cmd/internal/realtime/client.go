package realtime

import (
	"errors"
	"sync"

	v1 "whiteboard/shared/contracts/board/v1"
)

var (
	errClientClosed  = errors.New("realtime: client closed")
	errSendQueueFull = errors.New("realtime: send queue full")
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is never closed by the server, so concurrent broadcasters cannot panic.
// - done is closed exactly once by Close and stops the connection goroutines.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// trySend queues env without blocking.
func (c *Client) trySend(env v1.Envelope) error {
	select {
	case <-c.Done():
		return errClientClosed
	default:
	}

	select {
	case c.Send <- env:
		return nil
	default:
		return errSendQueueFull
	}
}
