package realtime

import (
	"log/slog"
	"sync"

	v1 "whiteboard/shared/contracts/board/v1"
)

// Registry tracks the active connections of a board and fans envelopes out to them.
//
// Concurrency guarantees:
// - Register/Deregister are safe under concurrent Broadcast.
// - Broadcast never blocks: delivery is a non-blocking enqueue into each client's queue.
// - A client whose enqueue fails is logged, deregistered and closed; the others still receive the envelope.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		clients: make(map[string]*Client),
	}
}

// Register adds client. It reports false for nil clients, empty ids and duplicate ids.
func (r *Registry) Register(client *Client) bool {
	if client == nil || client.SessionID == "" {
		return false
	}

	r.mu.Lock()
	if _, exists := r.clients[client.SessionID]; exists {
		r.mu.Unlock()
		return false
	}
	r.clients[client.SessionID] = client
	n := len(r.clients)
	r.mu.Unlock()

	r.metrics.Connections.Set(float64(n))
	r.log.Info("registry.register", "session_id", client.SessionID, "connections", n)
	return true
}

// Deregister removes the client and signals its shutdown. Unknown ids are ignored.
func (r *Registry) Deregister(sessionID string) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	cl := r.clients[sessionID]
	delete(r.clients, sessionID)
	n := len(r.clients)
	r.mu.Unlock()

	if cl == nil {
		return
	}

	// Close after removal so no broadcaster holds a pointer to a client being torn down.
	cl.Close()

	r.metrics.Connections.Set(float64(n))
	r.log.Info("registry.deregister", "session_id", sessionID, "connections", n)
}

// Send delivers env to one registered client. On failure the client is deregistered.
func (r *Registry) Send(sessionID string, env v1.Envelope) error {
	r.mu.RLock()
	cl := r.clients[sessionID]
	r.mu.RUnlock()

	if cl == nil {
		return errClientClosed
	}
	if err := cl.trySend(env); err != nil {
		r.dropFailed(sessionID, env.Type, err)
		return err
	}
	return nil
}

// Broadcast delivers env to every registered client except excludeID (empty excludes nobody).
// It returns the ids whose delivery failed; those clients have been deregistered.
func (r *Registry) Broadcast(env v1.Envelope, excludeID string) []string {
	type failure struct {
		id  string
		err error
	}
	var failed []failure

	r.mu.RLock()
	for id, cl := range r.clients {
		if id == excludeID {
			continue
		}
		if err := cl.trySend(env); err != nil {
			failed = append(failed, failure{id: id, err: err})
		}
	}
	r.mu.RUnlock()

	if len(failed) == 0 {
		return nil
	}

	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		r.dropFailed(f.id, env.Type, f.err)
		ids = append(ids, f.id)
	}
	return ids
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) dropFailed(sessionID, typ string, err error) {
	r.metrics.BroadcastFailures.Inc()
	r.log.Warn("registry.send.fail", "session_id", sessionID, "type", typ, "err", err)
	r.Deregister(sessionID)
}
