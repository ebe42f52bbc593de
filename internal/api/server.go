// Package api is the HTTP/JSON and SSE surface of the coordination server.
// It parses and validates requests, attaches the authenticated principal,
// translates component errors to HTTP status codes, and frames SSE; all
// routing decisions belong to the Scheduler.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rileyseaburg/codetether/internal/authn"
	"github.com/rileyseaburg/codetether/internal/config"
	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/lifecycle"
	"github.com/rileyseaburg/codetether/internal/logging"
	"github.com/rileyseaburg/codetether/internal/metrics"
	"github.com/rileyseaburg/codetether/internal/outbox"
	"github.com/rileyseaburg/codetether/internal/policy"
	"github.com/rileyseaburg/codetether/internal/reaper"
	"github.com/rileyseaburg/codetether/internal/scheduler"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/webhook"
	"github.com/rileyseaburg/codetether/internal/workerregistry"
)

// Server owns every component of the coordination server and drives them
// from Run. There is no package-level mutable state; New wires everything.
type Server struct {
	cfg       *config.Config
	store     store.Store
	bus       *eventbus.Bus
	registry  *workerregistry.Registry
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Lifecycle
	reaper    *reaper.Reaper
	webhooks  *webhook.Dispatcher
	outbox    *outbox.Dispatcher // nil for the memory backing
	verifier  authn.Verifier
	decider   policy.Decider

	httpServer *http.Server
	shutdownCh chan struct{}

	version         string
	publicURL       string
	webhooksEnabled bool
}

// New wires a Server from its collaborators. The store decides the outbox
// and webhook persistence behavior: a backing that implements the
// respective interfaces gets durable delivery, the memory backing stays
// in-process only.
func New(cfg *config.Config, st store.Store, verifier authn.Verifier, decider policy.Decider, version string) *Server {
	bus := eventbus.New(cfg.EventBuffer)
	registry := workerregistry.New(st, cfg.LivenessWindow)

	var persister webhook.Persister
	if p, ok := st.(webhook.Persister); ok {
		persister = p
	}
	webhooks := webhook.New(cfg.WebhookMaxAge, persister)

	sched := scheduler.New(st, registry, bus, cfg.ClaimLease, webhooks)
	lc := lifecycle.New(st, bus, sched, cfg.AutoRegisterCodebases, cfg.SubmissionRateLimit)
	rp := reaper.New(st, bus, sched, cfg.ReapInterval, cfg.MaxAttempts, cfg.LivenessWindow, cfg.IdempotencyTTL)

	var ob *outbox.Dispatcher
	if src, ok := st.(outbox.Source); ok {
		ob = outbox.New(src, bus, 0)
	}

	s := &Server{
		cfg:             cfg,
		store:           st,
		bus:             bus,
		registry:        registry,
		scheduler:       sched,
		lifecycle:       lc,
		reaper:          rp,
		webhooks:        webhooks,
		outbox:          ob,
		verifier:        verifier,
		decider:         decider,
		shutdownCh:      make(chan struct{}),
		version:         version,
		publicURL:       logging.AccessURL(cfg.ListenAddr),
		webhooksEnabled: true,
	}
	s.httpServer = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(withRequestID(s.routes()))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	gz := gzhttp.GzipHandler

	// Task submission and read.
	mux.Handle("POST /v1/tasks", s.authenticate(http.HandlerFunc(s.handleSubmitTask)))
	mux.Handle("GET /v1/tasks", s.authenticate(gz(http.HandlerFunc(s.handleListTasks))))
	mux.Handle("GET /v1/tasks/{task_id}", s.authenticate(gz(http.HandlerFunc(s.handleGetTask))))
	mux.Handle("DELETE /v1/tasks/{task_id}", s.authenticate(http.HandlerFunc(s.handleCancelTask)))
	mux.Handle("GET /v1/tasks/{task_id}/events", s.authenticate(http.HandlerFunc(s.handleTaskEvents)))

	// Worker-facing.
	mux.Handle("GET /v1/worker/tasks/stream", s.authenticate(http.HandlerFunc(s.handleWorkerStream)))
	mux.Handle("POST /v1/worker/tasks/claim", s.authenticate(http.HandlerFunc(s.handleClaim)))
	mux.Handle("POST /v1/worker/tasks/release", s.authenticate(http.HandlerFunc(s.handleRelease)))
	mux.Handle("PUT /v1/worker/tasks/{task_id}/status", s.authenticate(http.HandlerFunc(s.handleWorkerStatus)))
	mux.Handle("POST /v1/worker/tasks/{task_id}/output", s.authenticate(http.HandlerFunc(s.handleWorkerOutput)))
	mux.Handle("PUT /v1/worker/codebases", s.authenticate(http.HandlerFunc(s.handleWorkerCodebases)))
	mux.Handle("DELETE /v1/worker", s.authenticate(http.HandlerFunc(s.handleWorkerDeregister)))

	// Subscriber-facing.
	mux.Handle("GET /v1/codebases/{codebase_id}/events", s.authenticate(http.HandlerFunc(s.handleCodebaseEvents)))

	// Admin.
	mux.Handle("PUT /v1/admin/log-level", s.authenticate(http.HandlerFunc(s.handleLogLevel)))

	// Unauthenticated discovery and operational endpoints.
	mux.HandleFunc("GET /.well-known/agent-card.json", s.handleAgentCard)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Handler exposes the fully-wired HTTP handler, used by tests to drive the
// server through httptest without a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the background components and serves HTTP until ctx is
// cancelled, then shuts down in order: tell every SSE stream to end, stop
// accepting requests and drain in-flight ones for a bounded period, stop
// background loops, close the store.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	var background errgroup.Group
	background.Go(func() error { s.reaper.Run(bgCtx); return nil })
	background.Go(func() error { s.webhooks.Run(bgCtx, time.Second); return nil })
	if s.outbox != nil {
		background.Go(func() error { s.outbox.Run(bgCtx); return nil })
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("shutting down...")

		// 1. Notify long-lived streams so clients get a final end event.
		close(s.shutdownCh)

		// 2. Drain in-flight HTTP requests.
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(drainCtx)

		close(shutdownDone)
	}()

	slog.Info("listening", "addr", s.cfg.ListenAddr, "store", s.cfg.Store.Backing)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	stopBackground()
	_ = background.Wait()
	if err := s.store.Close(); err != nil {
		slog.Warn("close store failed", "error", err)
	}
	return nil
}
