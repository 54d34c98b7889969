// Package server exposes the orchestration core over HTTP: REST endpoints
// for the public operations, Prometheus metrics, and WebSocket streams for
// events and logs.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
)

const shutdownGrace = 5 * time.Second

type Options struct {
	Addr           string
	AuthToken      string
	AllowedOrigins []string

	Sessions SessionService
	Agents   AgentDirectory
	Messages MessageLog
	Workflow WorkflowStatus

	Logger  *logging.Logger
	Metrics *metrics.Registry
	Events  *event.Bus[event.Event]
}

type Server struct {
	opts Options
	http *http.Server
}

func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8765"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	srv := &Server{opts: opts}
	srv.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Routes builds the full handler tree. Exposed separately so tests can mount
// it on an httptest server.
func (s *Server) Routes() *http.ServeMux {
	rest := &restHandlers{
		sessions: s.opts.Sessions,
		agents:   s.opts.Agents,
		messages: s.opts.Messages,
		workflow: s.opts.Workflow,
		metrics:  s.opts.Metrics,
		logger:   s.opts.Logger,
	}
	token := s.opts.AuthToken
	logger := s.opts.Logger

	mux := http.NewServeMux()
	mux.Handle("POST /api/sessions", restHandler(token, logger, rest.startSession))
	mux.Handle("GET /api/sessions", restHandler(token, logger, rest.listSessions))
	mux.Handle("GET /api/sessions/{id}", restHandler(token, logger, rest.sessionStatus))
	mux.Handle("POST /api/sessions/{id}/pause", restHandler(token, logger, rest.pauseSession))
	mux.Handle("POST /api/sessions/{id}/resume", restHandler(token, logger, rest.resumeSession))
	mux.Handle("POST /api/sessions/{id}/stop", restHandler(token, logger, rest.stopSession))
	mux.Handle("GET /api/agents", restHandler(token, logger, rest.listAgents))
	mux.Handle("GET /api/messages", restHandler(token, logger, rest.listMessages))
	mux.Handle("GET /api/workflow", restHandler(token, logger, rest.workflowStatus))
	mux.Handle("GET /metrics", restHandler(token, logger, rest.prometheus))

	mux.Handle("/ws/events", &EventsHandler{
		Bus:            s.opts.Events,
		Logger:         logger,
		AuthToken:      token,
		AllowedOrigins: s.opts.AllowedOrigins,
	})
	mux.Handle("/ws/logs", &LogsHandler{
		Logger:         logger,
		AuthToken:      token,
		AllowedOrigins: s.opts.AllowedOrigins,
	})
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.opts.Logger.Info("server listening", map[string]string{
		"bridge.category": "api",
		"bridge.addr":     listener.Addr().String(),
	})
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}
