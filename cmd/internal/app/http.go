package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"whiteboard/cmd/internal/export"
	"whiteboard/cmd/internal/realtime"
	v1 "whiteboard/shared/contracts/board/v1"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes is everything the HTTP surface needs from the app.
type routes struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	ws        *realtime.WSGateway
	gatherer  prometheus.Gatherer
}

// newRouter registers every route and wraps the result in the shared middleware chain.
func newRouter(rt routes) http.Handler {
	r := mux.NewRouter()

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Methods(http.MethodGet).Path("/readyz").HandlerFunc(rt.readyz)

	if rt.cfg.MetricsEnabled && rt.gatherer != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	r.Methods(http.MethodGet).Path("/ws").Handler(rt.ws)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })
	api.Methods(http.MethodGet, http.MethodOptions).Path("/shapes").HandlerFunc(rt.getShapes)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/export.pdf").HandlerFunc(rt.exportPDF)

	return WithRequestLogging(WithSecurityHeaders(r), rt.log)
}

func (rt routes) readyz(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if rt.dbEnabled && rt.dbPool != nil {
		if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

type shapesResponse struct {
	BoardID     string     `json:"board_id"`
	Connections int        `json:"connections"`
	Shapes      []v1.Shape `json:"shapes"`
}

func (rt routes) getShapes(w http.ResponseWriter, _ *http.Request) {
	board := rt.ws.Board()
	writeJSON(w, http.StatusOK, shapesResponse{
		BoardID:     board.ID(),
		Connections: board.Connections(),
		Shapes:      board.Snapshot(),
	})
}

func (rt routes) exportPDF(w http.ResponseWriter, _ *http.Request) {
	board := rt.ws.Board()

	// Rendered into memory first so a failure can still produce a clean 500.
	var buf bytes.Buffer
	if err := export.PDF(&buf, board.Snapshot(), export.Options{Title: "Whiteboard", BoardID: board.ID()}); err != nil {
		rt.log.Error("export.pdf.fail", "board_id", board.ID(), "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="whiteboard.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
