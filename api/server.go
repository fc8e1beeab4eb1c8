// Package api serves the engine over HTTP/JSON, with a websocket stream of
// run progress.
package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proethica/proethica"
)

// Server routes HTTP requests to an engine.
type Server struct {
	engine   proethica.Engine
	cfg      proethica.ServerConfig
	validate *validator.Validate
}

// New creates a Server.
func New(e proethica.Engine, cfg proethica.ServerConfig) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 32
	}
	return &Server{engine: e, cfg: cfg, validate: validator.New()}
}

// Handler returns the routed handler wrapped in
// recovery -> cors -> auth -> logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /cases", s.handleCreateCase)
	mux.HandleFunc("GET /cases", s.handleListCases)
	mux.HandleFunc("GET /cases/{id}", s.handleGetCase)
	mux.HandleFunc("DELETE /cases/{id}", s.handleDeleteCase)

	mux.HandleFunc("POST /cases/{id}/runs", s.handleEnqueueRun)
	mux.HandleFunc("GET /cases/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)

	mux.HandleFunc("GET /cases/{id}/entities", s.handleListEntities)
	mux.HandleFunc("PATCH /entities/{id}", s.handleUpdateEntity)
	mux.HandleFunc("GET /cases/{id}/decision-points", s.handleDecisionPoints)
	mux.HandleFunc("GET /cases/{id}/arguments", s.handleArguments)
	mux.HandleFunc("GET /cases/{id}/graph", s.handleGraph)
	mux.HandleFunc("GET /cases/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /cases/{id}/export", s.handleExport)
	mux.HandleFunc("GET /search", s.handleSearch)

	return chain(mux,
		requestID,
		recovery,
		allowOrigins(s.cfg.CORSOrigins),
		bearer(s.cfg.APIKey),
		accessLog,
	)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
