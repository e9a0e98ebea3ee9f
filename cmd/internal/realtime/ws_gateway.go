package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"whiteboard/cmd/internal/envcfg"
	v1 "whiteboard/shared/contracts/board/v1"

	"github.com/coder/websocket"
)

const (
	// SubprotocolV1 is the only websocket subprotocol the gateway accepts.
	SubprotocolV1 = "whiteboard.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Error codes sent to the originating client.
const (
	errCodeBadJSON      = "bad_json"
	errCodeBadEnvelope  = "bad_envelope"
	errCodeInvalidShape = "invalid_shape"
	errCodeBoardFull    = "board_full"
	errCodeRateLimited  = "rate_limited"
	errCodeUnsupported  = "unsupported"
)

var errBadJSON = errors.New("realtime: bad json")

// WSGateway is the WebSocket entrypoint of the board.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the Board.
//
// Reads have no deadline: participants may watch or draw at their own pace.
// Dead peers are detected by the heartbeat.
type WSGateway struct {
	log   *slog.Logger
	board *Board

	devInsecure bool
	origin      originPolicy

	writeTimeout  time.Duration
	sendQueueSize int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults, reading WB_WS_* overrides from env.
// When board is nil, a fresh in-memory board is created.
func NewWSGateway(log *slog.Logger, board *Board) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if board == nil {
		board = NewBoard(log)
	}

	return &WSGateway{
		log:   log,
		board: board,

		// InsecureSkipVerify disables websocket.Accept's own origin check. Dev only.
		devInsecure: envcfg.Bool("WB_WS_DEV_INSECURE", false),
		origin: newOriginPolicy(
			envcfg.Bool("WB_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
			envcfg.CSV("WB_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		),

		writeTimeout:  envcfg.Duration("WB_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		sendQueueSize: max(envcfg.Int("WB_WS_SEND_QUEUE", wsDefaultSendQueueSize), wsMinSendQueueSize),

		heartbeatEvery:   envcfg.Duration("WB_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		heartbeatTimeout: envcfg.Duration("WB_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),

		rateEvents: envcfg.Int("WB_WS_RATE_EVENTS", rateLimitEvents),
		rateWindow: envcfg.Duration("WB_WS_RATE_WINDOW", rateLimitWindow),
	}
}

// Board returns the board served by this gateway.
func (g *WSGateway) Board() *Board { return g.board }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the connection loop:
// Connecting (upgrade + join) -> Active (read loop) -> Closed (leave).
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{SubprotocolV1},
		OriginPatterns:     g.origin.acceptPatterns(),
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != SubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", SubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Deregistration happens before client.Close so broadcasters never race the teardown.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.board.Leave(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Connecting -> Active: the snapshot is the first envelope in the client's queue.
	if err := g.board.Join(client); err != nil {
		g.log.Error("ws.join.fail", "session_id", sessionID, "err", err)
		shutdown(websocket.StatusInternalError, "join failed")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Registry dropped this client (queue overflow): the peer must reconnect
				// and resync from a fresh snapshot.
				shutdown(websocket.StatusTryAgainLater, "resync required")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)

		kind := classifyReadErr(err)
		switch kind {
		case readOK, readErrBadJSON:
		case readErrClose:
			shutdown(websocket.StatusNormalClosure, "peer closed")
			break readLoop
		case readErrCtxDone:
			shutdown(websocket.StatusNormalClosure, "context done")
			break readLoop
		case readErrConnClosed:
			shutdown(websocket.StatusAbnormalClosure, "conn closed")
			break readLoop
		default:
			g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
			shutdown(websocket.StatusAbnormalClosure, "read failed")
			break readLoop
		}

		// Every data frame is charged, malformed ones included.
		if !rl.Allow(time.Now()) {
			// Written inline: the writer goroutine stops as soon as shutdown runs.
			g.rejectNow(ctx, conn, errCodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if kind == readErrBadJSON {
			g.reject(ctx, client, errCodeBadJSON, "invalid JSON")
			continue readLoop
		}
		if err := env.Validate(); err != nil {
			g.reject(ctx, client, errCodeBadEnvelope, err.Error())
			continue readLoop
		}
		if !v1.ClientOriginated(env.Type) {
			g.reject(ctx, client, errCodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		g.dispatch(ctx, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// dispatch applies one validated client envelope to the board.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) {
	sessionID := client.SessionID

	switch env.Type {
	case v1.TypeDraw, v1.TypeDrawPreview:
		var p v1.DrawPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.reject(ctx, client, errCodeBadEnvelope, "invalid payload")
			return
		}

		var err error
		if env.Type == v1.TypeDraw {
			err = g.board.Draw(sessionID, p.Shape)
		} else {
			err = g.board.Preview(sessionID, p.Shape)
		}

		switch {
		case err == nil:
		case errors.Is(err, v1.ErrInvalidShape):
			g.log.Debug("ws.shape.invalid", "session_id", sessionID, "type", env.Type, "err", err)
			g.reject(ctx, client, errCodeInvalidShape, err.Error())
		case errors.Is(err, ErrBoardFull):
			g.reject(ctx, client, errCodeBoardFull, "board is full")
		default:
			g.log.Error("ws.draw.fail", "session_id", sessionID, "err", err)
		}

	case v1.TypeUndo:
		g.board.Undo(sessionID)

	case v1.TypeRedo:
		g.board.Redo(sessionID)

	case v1.TypeClear:
		g.board.Clear(sessionID)
	}
}

// ---- send helpers ----

// reject reports a protocol error to the originating client only.
// A full queue drops the report; the registry drops the client on its next broadcast anyway.
func (g *WSGateway) reject(ctx context.Context, client *Client, code, msg string) {
	g.board.metrics.Rejected.WithLabelValues(code).Inc()

	if !g.enqueue(ctx, client, errorEnvelope(code, msg)) {
		g.log.Debug("ws.reject.drop", "session_id", client.SessionID, "code", code)
	}
}

func (g *WSGateway) rejectNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	g.board.metrics.Rejected.WithLabelValues(code).Inc()
	_ = writeEnvelope(ctx, conn, errorEnvelope(code, msg), g.writeTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.trySend(env) == nil
}

// ---- envelope IO ----

func errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts,
		Payload: payload,
	}
}

// readEnvelope blocks until the next data frame. A frame that is not JSON
// yields errBadJSON; transport errors are returned as is.
func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

// writeEnvelope encodes env up front so the timeout only covers the socket write.
func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read outcome classification ----

type readErrKind uint8

const (
	readOK readErrKind = iota
	readErrUnknown
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case err == nil:
		return readOK
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
