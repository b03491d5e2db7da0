// Package server exposes the Flow Studio HTTP API: the node-type
// catalog, flow CRUD, flow execution, run history, run event streaming,
// and cron schedules.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flowrunner/flowstudio/bus"
	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/engine"
	"github.com/flowrunner/flowstudio/sse"
	"github.com/flowrunner/flowstudio/store"
)

// Config configures a Server instance.
type Config struct {
	Catalog    *catalog.Catalog
	Engine     *engine.Engine
	Flows      store.FlowStore
	Runs       store.RunStore
	Schedules  store.ScheduleStore
	Bus        bus.EventBus
	EventStore bus.EventStore
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the Flow Studio HTTP API server.
type Server struct {
	catalog    *catalog.Catalog
	engine     *engine.Engine
	flows      store.FlowStore
	runs       store.RunStore
	schedules  store.ScheduleStore
	bus        bus.EventBus
	eventStore bus.EventStore
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// New creates a Server with the given configuration.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		catalog:    cfg.Catalog,
		engine:     cfg.Engine,
		flows:      cfg.Flows,
		runs:       cfg.Runs,
		schedules:  cfg.Schedules,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)
	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("POST /api/flows", s.handleCreateFlow)
	mux.HandleFunc("GET /api/flows/{id}", s.handleGetFlow)
	mux.HandleFunc("PUT /api/flows/{id}", s.handleUpdateFlow)
	mux.HandleFunc("DELETE /api/flows/{id}", s.handleDeleteFlow)
	mux.HandleFunc("POST /api/flows/{id}/execute", s.handleExecuteFlow)
	mux.HandleFunc("POST /api/flows/{id}/validate", s.handleValidateFlow)
	mux.HandleFunc("GET /api/flows/{id}/runs", s.handleListFlowRuns)
	mux.HandleFunc("GET /api/flows/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/flows/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/flows/{id}/schedules/{schedule_id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/flows/{id}/schedules/{schedule_id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/flows/{id}/schedules/{schedule_id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)

	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/events", sse.NewHandler(s.eventStore, s.bus))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
