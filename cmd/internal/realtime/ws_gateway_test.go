package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	v1 "whiteboard/shared/contracts/board/v1"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWSGateway_ThreeClients_DrawUndoRedo(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(newTestLogger(), NewBoard(newTestLogger()))
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDialWS(t, ts.URL)
	b := mustDialWS(t, ts.URL)
	c := mustDialWS(t, ts.URL)
	for _, conn := range []*websocket.Conn{a, b, c} {
		env := readNextWS(t, conn)
		if env.Type != v1.TypeInitialShapes {
			t.Fatalf("first envelope=%q want initial_shapes", env.Type)
		}
		var p v1.InitialShapesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode initial_shapes: %v", err)
		}
		if p.SessionID == "" || len(p.Shapes) != 0 {
			t.Fatalf("unexpected initial payload: %+v", p)
		}
	}

	r := testRect()
	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeDraw, Payload: mustJSONRaw(t, v1.DrawPayload{Shape: r})})

	for name, conn := range map[string]*websocket.Conn{"B": b, "C": c} {
		env := readNextWS(t, conn)
		if env.Type != v1.TypeDraw {
			t.Fatalf("%s got %q want draw", name, env.Type)
		}
		var p v1.DrawPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("%s decode draw: %v", name, err)
		}
		if !reflect.DeepEqual(p.Shape, r) {
			t.Fatalf("%s got shape %+v", name, p.Shape)
		}
	}

	// A never sees its own draw: the next envelope it reads is the undo result.
	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeUndo})
	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b, "C": c} {
		if got := readShapesWS(t, conn, v1.TypeUpdateShapes); len(got) != 0 {
			t.Fatalf("%s: update_shapes after undo = %+v", name, got)
		}
	}

	writeEnvelopeWS(t, c, v1.Envelope{V: v1.Version, Type: v1.TypeRedo})
	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b, "C": c} {
		if got := readShapesWS(t, conn, v1.TypeUpdateShapes); !reflect.DeepEqual(got, []v1.Shape{r}) {
			t.Fatalf("%s: update_shapes after redo = %+v", name, got)
		}
	}

	writeEnvelopeWS(t, b, v1.Envelope{V: v1.Version, Type: v1.TypeClear})
	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b, "C": c} {
		if env := readNextWS(t, conn); env.Type != v1.TypeClearCanvas {
			t.Fatalf("%s got %q want clear_canvas", name, env.Type)
		}
	}

	late := mustDialWS(t, ts.URL)
	if got := readShapesWS(t, late, v1.TypeInitialShapes); len(got) != 0 {
		t.Fatalf("late joiner after clear got %+v", got)
	}
}

func TestWSGateway_ProtocolErrorsGoToSenderOnly(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDialWS(t, ts.URL)
	b := mustDialWS(t, ts.URL)
	readNextWS(t, a)
	readNextWS(t, b)

	cases := []struct {
		name string
		raw  []byte
		code string
	}{
		{
			name: "bad json",
			raw:  []byte(`{"v":"v1",`),
			code: errCodeBadJSON,
		},
		{
			name: "unknown type",
			raw:  []byte(`{"v":"v1","type":"erase"}`),
			code: errCodeBadEnvelope,
		},
		{
			name: "wrong version",
			raw:  []byte(`{"v":"v0","type":"draw"}`),
			code: errCodeBadEnvelope,
		},
		{
			name: "server-only type",
			raw:  []byte(`{"v":"v1","type":"update_shapes","payload":{"shapes":[]}}`),
			code: errCodeUnsupported,
		},
		{
			name: "rectangle with one point",
			raw:  []byte(`{"v":"v1","type":"draw","payload":{"shape":{"kind":"rectangle","color":"#ff0000","strokeWidth":2,"points":[{"x":1,"y":1}]}}}`),
			code: errCodeInvalidShape,
		},
		{
			name: "unknown kind",
			raw:  []byte(`{"v":"v1","type":"draw","payload":{"shape":{"kind":"star","color":"#ff0000","strokeWidth":2,"points":[{"x":1,"y":1}]}}}`),
			code: errCodeInvalidShape,
		},
		{
			name: "payload not an object",
			raw:  []byte(`{"v":"v1","type":"draw","payload":[1,2,3]}`),
			code: errCodeBadEnvelope,
		},
	}

	for _, tc := range cases {
		writeRawWS(t, a, tc.raw)
		env := readNextWS(t, a)
		if env.Type != v1.TypeError {
			t.Fatalf("%s: got %q want error", tc.name, env.Type)
		}
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("%s: decode error payload: %v", tc.name, err)
		}
		if p.Code != tc.code {
			t.Fatalf("%s: code=%q want %q (msg=%q)", tc.name, p.Code, tc.code, p.Message)
		}
	}

	// B saw none of it; the first thing it reads is a clear issued afterwards.
	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeClear})
	if env := readNextWS(t, b); env.Type != v1.TypeClearCanvas {
		t.Fatalf("B got %q, want clear_canvas", env.Type)
	}
	if got := gw.Board().Snapshot(); len(got) != 0 {
		t.Fatalf("rejected shapes reached state: %+v", got)
	}
}

func TestWSGateway_EmptyUndoIsSilent(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDialWS(t, ts.URL)
	readNextWS(t, a)

	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeUndo})
	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeRedo})
	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeClear})

	if env := readNextWS(t, a); env.Type != v1.TypeClearCanvas {
		t.Fatalf("got %q, want clear_canvas (undo/redo on empty board must not broadcast)", env.Type)
	}
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("WB_WS_RATE_EVENTS", "3")
	t.Setenv("WB_WS_RATE_WINDOW", "1h")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDialWS(t, ts.URL)
	readNextWS(t, a)

	for i := 0; i < 4; i++ {
		writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeUndo})
	}

	env := readNextWS(t, a)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != v1.TypeError || p.Code != errCodeRateLimited {
		t.Fatalf("got %q %+v, want rate_limited error", env.Type, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := a.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v err=%v, want policy violation", got, err)
	}
}

func TestWSGateway_DisconnectLeavesBoardIntact(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDialWS(t, ts.URL)
	readNextWS(t, a)
	b := mustDialWS(t, ts.URL)
	readNextWS(t, b)

	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeDraw, Payload: mustJSONRaw(t, v1.DrawPayload{Shape: testPath(7)})})
	readNextWS(t, b)
	_ = a.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, func() bool { return gw.Board().Connections() == 1 })

	c := mustDialWS(t, ts.URL)
	if got := readShapesWS(t, c, v1.TypeInitialShapes); len(got) != 1 || got[0].Points[0].X != 7 {
		t.Fatalf("late joiner snapshot = %+v", got)
	}
}

func TestWSGateway_MissingSubprotocolIsClosed(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(t, ts.URL), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status=%v err=%v, want protocol error", got, err)
	}
	if gw.Board().Connections() != 0 {
		t.Fatalf("connection without subprotocol was registered")
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("WB_WS_ALLOWED_ORIGINS", "http://localhost:5173")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	for _, origin := range []string{"", "http://evil.example"} {
		_, resp, err := dialWSWithOrigin(t, ts.URL, origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("origin %q: expected handshake failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got resp=%v err=%v", origin, resp, err)
		}
	}

	conn, resp, err := dialWSWithOrigin(t, ts.URL, "http://localhost:5173")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	defer conn.CloseNow()
	if env := readNextWS(t, conn); env.Type != v1.TypeInitialShapes {
		t.Fatalf("got %q want initial_shapes", env.Type)
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://localhost:5173":     "localhost",
		"https://Board.Example":     "board.example",
		"https://board.example/app": "board.example",
		"127.0.0.1:8080":            "127.0.0.1",
		"http://[::1]:3000":         "::1",
		"":                          "",
	}
	for in, want := range cases {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q want %q", in, got, want)
		}
	}
}

func TestOriginPolicy_Check(t *testing.T) {
	t.Parallel()

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	p := newOriginPolicy(true, []string{"http://localhost:3000", "https://board.example"})
	for origin, ok := range map[string]bool{
		"":                       false,
		"http://localhost:3000":  true,
		"http://localhost:5173":  true,
		"http://board.example":   true,
		"https://evil.example":   false,
		"https://localhost.evil": false,
	} {
		if err := p.check(req(origin)); (err == nil) != ok {
			t.Fatalf("check(%q) err=%v want allowed=%v", origin, err, ok)
		}
	}
	if !reflect.DeepEqual(p.acceptPatterns(), []string{"board.example", "board.example:*", "localhost", "localhost:*"}) {
		t.Fatalf("patterns=%v", p.acceptPatterns())
	}

	if err := newOriginPolicy(false, nil).check(req("")); err != nil {
		t.Fatalf("optional origin rejected an origin-less request: %v", err)
	}
	if err := newOriginPolicy(false, nil).check(req("http://localhost")); !errors.Is(err, errOriginNoAllowlist) {
		t.Fatalf("empty allowlist err=%v", err)
	}

	anyOrigin := newOriginPolicy(true, []string{"*"})
	if err := anyOrigin.check(req("https://anything.example")); err != nil {
		t.Fatalf("wildcard rejected: %v", err)
	}
	if !reflect.DeepEqual(anyOrigin.acceptPatterns(), []string{"*"}) {
		t.Fatalf("wildcard patterns=%v", anyOrigin.acceptPatterns())
	}
}

func TestWSGateway_SilentViewerStaysConnected(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("WB_WS_HEARTBEAT_INTERVAL", "50ms")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	viewer := mustDialWS(t, ts.URL)
	readNextWS(t, viewer)
	author := mustDialWS(t, ts.URL)
	readNextWS(t, author)

	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		// A pending Read is what answers the server's pings.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, b, err := viewer.Read(ctx)
		got <- result{data: b, err: err}
	}()

	// Many heartbeat rounds pass while the viewer sends nothing.
	time.Sleep(time.Second)
	if n := gw.Board().Connections(); n != 2 {
		t.Fatalf("connections=%d after idle period, want 2", n)
	}

	writeEnvelopeWS(t, author, v1.Envelope{V: v1.Version, Type: v1.TypeDraw, Payload: mustJSONRaw(t, v1.DrawPayload{Shape: testRect()})})

	res := <-got
	if res.err != nil {
		t.Fatalf("viewer read: %v", res.err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(res.data, &env); err != nil || env.Type != v1.TypeDraw {
		t.Fatalf("viewer got %q err=%v, want draw", env.Type, err)
	}
}

func TestWSGateway_MalformedFramesAreRateLimited(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("WB_WS_RATE_EVENTS", "3")
	t.Setenv("WB_WS_RATE_WINDOW", "1h")

	gw := NewWSGateway(newTestLogger(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDialWS(t, ts.URL)
	readNextWS(t, a)

	for i := 0; i < 4; i++ {
		writeRawWS(t, a, []byte(`{not json`))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Queued bad_json reports may race the inline rate_limited report, so only
	// the set of codes and the close status are checked.
	codes := map[string]int{}
	var err error
	for {
		var b []byte
		if _, b, err = a.Read(ctx); err != nil {
			break
		}
		var env v1.Envelope
		var p v1.ErrorPayload
		if json.Unmarshal(b, &env) != nil || env.Type != v1.TypeError || json.Unmarshal(env.Payload, &p) != nil {
			t.Fatalf("unexpected frame %q", b)
		}
		codes[p.Code]++
	}

	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v err=%v, want policy violation", got, err)
	}
	if codes[errCodeRateLimited] != 1 || codes[errCodeBadJSON] > 3 {
		t.Fatalf("codes=%v", codes)
	}
	waitFor(t, func() bool { return gw.Board().Connections() == 0 })
}

func TestWSGateway_RejectDropIsLogged(t *testing.T) {
	t.Setenv("WB_WS_ORIGIN_REQUIRED", "false")

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gw := NewWSGateway(log, nil)

	client := NewClient("s1", 1)
	gw.reject(context.Background(), client, errCodeBadJSON, "first")
	if strings.Contains(buf.String(), "ws.reject.drop") {
		t.Fatalf("queued reject logged as dropped: %s", buf.String())
	}

	gw.reject(context.Background(), client, errCodeInvalidShape, "second")
	if !strings.Contains(buf.String(), "ws.reject.drop") || !strings.Contains(buf.String(), "code=invalid_shape") {
		t.Fatalf("dropped reject not logged: %s", buf.String())
	}
	if got := testutil.ToFloat64(gw.Board().metrics.Rejected.WithLabelValues(errCodeInvalidShape)); got != 1 {
		t.Fatalf("rejected{invalid_shape}=%v want 1", got)
	}
}

// ---- helpers ----

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func wsURL(t *testing.T, baseHTTPURL string) string {
	t.Helper()
	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

func dialWSWithOrigin(t *testing.T, baseHTTPURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, wsURL(t, baseHTTPURL), &websocket.DialOptions{
		Subprotocols: []string{SubprotocolV1},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWSWithOrigin(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func readNextWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("server sent invalid envelope: %v", err)
	}
	return env
}

func readShapesWS(t *testing.T, conn *websocket.Conn, typ string) []v1.Shape {
	t.Helper()
	env := readNextWS(t, conn)
	if env.Type != typ {
		t.Fatalf("got %q want %q", env.Type, typ)
	}
	return decodeShapes(t, env)
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

