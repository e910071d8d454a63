// Package httpapi implements the Agent ↔ Dispatcher HTTP protocol
// (spec §6): credential-authenticated heartbeat/poll/status/steps
// endpoints plus the Telemetry Ingress websocket surface, routed with
// go-chi/chi/v5.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqx/pipeline-core/internal/dispatcher"
	"github.com/synqx/pipeline-core/internal/logging"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/telemetry"
)

// Server is a lifecycle.Service wrapping the agent protocol's
// http.Server.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Telemetry  *telemetry.Ingress
	Hub        *telemetry.Hub
	Store      dispatcher.Store
	Log        *logging.Logger
	Addr       string

	srv *http.Server

	mu      sync.Mutex
	jobRuns map[string]*model.PipelineRun
}

// rememberRun records which PipelineRun a leased job belongs to, so the
// steps handler (which only receives node_id on the wire) can resolve
// the run its Telemetry Ingress call needs.
func (s *Server) rememberRun(jobID string, run *model.PipelineRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobRuns == nil {
		s.jobRuns = make(map[string]*model.PipelineRun)
	}
	s.jobRuns[jobID] = run
}

func (s *Server) runForJob(jobID string) *model.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobRuns[jobID]
}

func (s *Server) Name() string { return "httpapi" }

// Start builds the chi router and begins serving in the background;
// it returns once the listener is bound, not once the server stops.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(60 * time.Second))

	h := &handler{s: s}

	r.Route("/agents", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/heartbeat", h.heartbeat)
		r.Post("/poll", h.poll)
		r.Post("/jobs/{id}/status", h.jobStatus)
		r.Post("/jobs/{id}/steps", h.steps)
		r.Post("/jobs/ephemeral/{id}/status", h.ephemeralStatus)
	})
	r.Get("/ws/{topic}", h.websocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.Addr, Handler: r}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Log.WithError(err).Error("httpapi: server stopped unexpectedly")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
