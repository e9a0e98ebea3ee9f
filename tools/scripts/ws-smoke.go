// Package main provides a CI-friendly WebSocket smoke test for the whiteboard server.
//
// Three clients A, B and C connect and it validates:
//   - handshake + subprotocol selection
//   - initial_shapes snapshot on connect
//   - A's draw reaches B and C but is not echoed to A
//   - A's undo reaches everyone as update_shapes without the shape
//   - C's redo (someone else's shape) reaches everyone as update_shapes with the shape
//   - optional clear -> clear_canvas for everyone
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	v1 "whiteboard/shared/contracts/board/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "whiteboard.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	baseline  int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		color   = flag.String("color", "#e11d48", "Stroke color of the test rectangle")
		doClear = flag.Bool("clear", false, "Finish by clearing the board (destructive on shared boards)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)
	c := mustConnect(root, "C", *wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s C=%s baseline=%d origin=%q\n", a.sessionID, b.sessionID, c.sessionID, a.baseline, *origin)
	}

	rect := v1.Shape{
		Kind:        v1.KindRectangle,
		Color:       *color,
		StrokeWidth: 3,
		Points:      []v1.Point{{X: 10, Y: 10}, {X: 110, Y: 60}},
	}

	mustWriteWithTimeout(root, a.conn, envelope("A-draw", v1.TypeDraw, v1.DrawPayload{Shape: rect}), *timeout)
	for _, peer := range []*smokeClient{b, c} {
		mustAssertDraw(root, peer, rect, a.sessionID, *timeout)
	}

	// A is not echoed its own draw: its next envelope must be the undo result.
	mustWriteWithTimeout(root, a.conn, envelope("A-undo", v1.TypeUndo, nil), *timeout)
	for _, cl := range []*smokeClient{a, b, c} {
		shapes := mustReadShapes(root, cl, *timeout)
		if len(shapes) != cl.baseline {
			fatalf("after undo (%s): %d shapes, want %d", cl.name, len(shapes), cl.baseline)
		}
	}

	mustWriteWithTimeout(root, c.conn, envelope("C-redo", v1.TypeRedo, nil), *timeout)
	for _, cl := range []*smokeClient{a, b, c} {
		shapes := mustReadShapes(root, cl, *timeout)
		if len(shapes) != cl.baseline+1 || !reflect.DeepEqual(shapes[len(shapes)-1], rect) {
			fatalf("after redo (%s): unexpected shapes (n=%d)", cl.name, len(shapes))
		}
	}

	if *doClear {
		mustWriteWithTimeout(root, b.conn, envelope("B-clear", v1.TypeClear, nil), *timeout)
		for _, cl := range []*smokeClient{a, b, c} {
			cl.mustReadUntilType(root, v1.TypeClearCanvas, *timeout, nil)
		}
	}

	mustAssertNoType(root, a, v1.TypeDraw, 500*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s C=%s shapes=%d cleared=%v\n", a.sessionID, b.sessionID, c.sessionID, a.baseline+1, *doClear)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	initial := c.mustReadUntilType(parent, v1.TypeInitialShapes, stepTimeout, nil)

	var p v1.InitialShapesPayload
	if err := json.Unmarshal(initial.Payload, &p); err != nil {
		fatalf("unmarshal initial_shapes payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("initial_shapes missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.baseline = len(p.Shapes)

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			// Previews from other users of a live board are noise here.
			if env.Type == v1.TypeDrawPreview {
				continue
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustAssertDraw(parent context.Context, c *smokeClient, want v1.Shape, author string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeDraw, stepTimeout, nil)

	var p v1.DrawPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal draw payload (%s): %v", c.name, err)
	}
	if !reflect.DeepEqual(p.Shape, want) {
		fatalf("draw shape mismatch (%s): got=%+v want=%+v", c.name, p.Shape, want)
	}
	if p.SessionID != author {
		fatalf("draw author mismatch (%s): got=%q want=%q", c.name, p.SessionID, author)
	}
}

func mustReadShapes(parent context.Context, c *smokeClient, stepTimeout time.Duration) []v1.Shape {
	env := c.mustReadUntilType(parent, v1.TypeUpdateShapes, stepTimeout, nil)

	var p v1.UpdateShapesPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal update_shapes payload (%s): %v", c.name, err)
	}
	return p.Shapes
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   id,
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
