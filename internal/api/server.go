// Package api exposes the engine over HTTP: alert ingestion, manual
// triggers, run inspection, and a live SSE feed of run events.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/ossian/flint/internal/engine"
	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/internal/stream"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store   store.Store
	Service *engine.Service
	Hub     stream.Hub
	Logger  *slog.Logger

	// RunLog enables the replay audit endpoint when set.
	RunLog *store.RunLog
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/alerts", s.handleIngestAlert)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/run", s.handleManualRun)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)
	if s.deps.RunLog != nil {
		mux.HandleFunc("GET /v1/runs/{id}/replay", s.handleReplayRun)
	}
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	return mux
}
