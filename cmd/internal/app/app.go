// Package app wires the whiteboard server runtime: config, logging, HTTP routes,
// the realtime board and its optional edit journal.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"whiteboard/cmd/internal/discovery"
	"whiteboard/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the server runtime: it owns the HTTP server, the board and background workers.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	board    *realtime.Board
	journal  *realtime.JournalWriter
	ws       *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	journal, dbPool, err := newJournal(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	writer := realtime.NewJournalWriter(log, journal, metrics, cfg.JournalQueue)

	board := realtime.NewBoard(log,
		realtime.WithMaxShapes(cfg.MaxShapes),
		realtime.WithMetrics(metrics),
		realtime.WithJournalWriter(writer),
	)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
		registry:  reg,
		board:     board,
		journal:   writer,
		ws:        realtime.NewWSGateway(log, board),
	}, nil
}

// Handler returns the full HTTP handler (routes + middleware).
func (a *App) Handler() http.Handler {
	return newRouter(routes{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		ws:        a.ws,
		gatherer:  a.registry,
	})
}

// Run serves HTTP and runs background workers until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		// Shutdown does not touch hijacked websocket conns; cancelling ctx ends them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := ln.Addr().String()
	a.log.Info("server.start",
		"addr", addr,
		"ws_url", wsBaseURL(runtimeBaseURL(addr))+"/ws",
		"board_id", a.board.ID(),
		"db_enabled", a.dbEnabled,
		"mdns_enabled", a.cfg.MDNSEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	// The journal writer gets its own context so it can flush after the server stops.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		_ = a.journal.Run(journalCtx)
	}()

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.cfg.MDNSEnabled {
		g.Go(func() error {
			adv, err := discovery.Advertise(a.log, discovery.Advertisement{
				Instance: a.cfg.MDNSInstance,
				Addr:     addr,
				BoardID:  a.board.ID(),
				WSPath:   "/ws",
			})
			if err != nil {
				// LAN discovery is a convenience; the server keeps running without it.
				a.log.Warn("mdns.advertise.fail", "err", err)
				return nil
			}
			<-gctx.Done()
			return adv.Shutdown()
		})
	}

	err := g.Wait()

	stopJournal()
	<-journalDone
	a.close()

	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Board exposes the served board (smoke tests, embedding).
func (a *App) Board() *realtime.Board { return a.board }

func (a *App) close() {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newJournal picks the journal backend. Without a database URL edits are not journaled.
func newJournal(ctx context.Context, cfg Config, log Logger) (realtime.Journal, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("journal.disabled")
		return realtime.NopJournal{}, nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("journal db: %w", err)
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresJournal.Close() is a no-op
	j, err := realtime.NewPostgresJournal(pool, realtime.WithSchema(cfg.JournalSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := j.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("journal schema: %w", err)
	}

	log.Info("journal.enabled.postgres", "schema", cfg.JournalSchema)
	return j, pool, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
