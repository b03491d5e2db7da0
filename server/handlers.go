package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/engine"
	"github.com/flowrunner/flowstudio/graph"
	"github.com/flowrunner/flowstudio/store"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns all registered node templates.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.All())
}

// handleListFlows returns all stored flows.
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	records, err := s.flows.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetFlow returns a single flow by id.
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateFlow creates a flow from a definition body.
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	id := def.ID
	if id == "" {
		id = uuid.New().String()
		def.ID = id
	}

	rec := store.FlowRecord{
		ID:         id,
		Name:       def.Name,
		Definition: *def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.flows.Create(r.Context(), rec); err != nil {
		if errors.Is(err, store.ErrFlowExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("flow %q already exists", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateFlow replaces an existing flow's definition.
func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}

	def, valid := s.readDefinition(w, r)
	if !valid {
		return
	}
	def.ID = id

	rec.Definition = *def
	if def.Name != "" {
		rec.Name = def.Name
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := s.flows.Update(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteFlow deletes a flow and its schedules.
func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.flows.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrFlowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if s.schedules != nil {
		if err := s.schedules.DeleteSchedulesByFlow(r.Context(), id); err != nil {
			s.logger.Error("delete schedules for flow", "flow_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateFlow validates a definition body against the catalog
// without storing it. The path id is informational only.
func (s *Server) handleValidateFlow(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readDefinition(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// readDefinition decodes and validates a flow definition request body.
// On failure it writes the error response and returns ok=false.
func (s *Server) readDefinition(w http.ResponseWriter, r *http.Request) (*graph.FlowDefinition, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}

	var def graph.FlowDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, false
	}

	if _, err := graph.SnapshotFromDefinition(s.catalog, def); err != nil {
		var rej *graph.Rejection
		if errors.As(err, &rej) {
			writeError(w, http.StatusUnprocessableEntity, string(rej.Code), rej.Message)
			return nil, false
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return nil, false
	}
	return &def, true
}

// ExecuteRequest is the JSON body for POST /api/flows/{id}/execute.
type ExecuteRequest struct {
	Input   string `json:"input,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	Async   bool   `json:"async,omitempty"`
}

// ExecuteResponse is the JSON response for a flow execution.
type ExecuteResponse struct {
	RunID      string      `json:"run_id"`
	FlowID     string      `json:"flow_id"`
	Status     string      `json:"status"`
	Output     string      `json:"output,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	Trace      *core.Trace `json:"trace,omitempty"`
}

// handleExecuteFlow runs a stored flow. With "async": true the run is
// started in the background and the response carries only the run id;
// progress is available over the run events stream.
func (s *Server) handleExecuteFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ExecuteRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if isMaxBytesError(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
				return
			}
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
	}

	rec, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}

	snap, err := graph.SnapshotFromDefinition(s.catalog, rec.Definition)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	timeout := time.Duration(0)
	if req.Timeout != "" {
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", fmt.Sprintf("invalid timeout: %v", err))
			return
		}
	}

	runID := uuid.New().String()

	if req.Async {
		go s.runFlow(context.Background(), id, snap, req.Input, runID, timeout)
		writeJSON(w, http.StatusAccepted, ExecuteResponse{
			RunID:  runID,
			FlowID: id,
			Status: "running",
		})
		return
	}

	resp, err := s.executeSync(r.Context(), id, snap, req.Input, runID, timeout)
	if err != nil {
		writeExecuteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// executeSync runs a flow to completion and persists the run record.
func (s *Server) executeSync(ctx context.Context, flowID string, snap *graph.Snapshot, input, runID string, timeout time.Duration) (ExecuteResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	trace, err := s.engine.ExecuteRun(ctx, snap, input, runID)
	if err != nil {
		return ExecuteResponse{}, err
	}

	status := runStatus(trace)
	if s.runs != nil {
		rec := store.RunRecord{
			ID:       trace.RunID,
			FlowID:   flowID,
			Status:   status,
			Trace:    *trace,
			Started:  trace.Started,
			Finished: trace.Finished,
		}
		if err := s.runs.Put(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Error("persist run record", "run_id", trace.RunID, "flow_id", flowID, "error", err)
		}
	}

	return ExecuteResponse{
		RunID:      trace.RunID,
		FlowID:     flowID,
		Status:     status,
		Output:     trace.Output,
		DurationMs: trace.Finished.Sub(trace.Started).Milliseconds(),
		Trace:      trace,
	}, nil
}

// runFlow is the async execution path; failures end up in the log and
// the run record rather than an HTTP response.
func (s *Server) runFlow(ctx context.Context, flowID string, snap *graph.Snapshot, input, runID string, timeout time.Duration) {
	if _, err := s.executeSync(ctx, flowID, snap, input, runID, timeout); err != nil {
		s.logger.Error("async flow run", "run_id", runID, "flow_id", flowID, "error", err)
	}
}

func runStatus(trace *core.Trace) string {
	switch {
	case trace.Cancelled:
		return "cancelled"
	case trace.Failed():
		return "failed"
	default:
		return "completed"
	}
}

func writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyGraph),
		errors.Is(err, engine.ErrCycle),
		errors.Is(err, engine.ErrNoRootNode):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_GRAPH", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "EXECUTION_ERROR", err.Error())
	}
}

// handleGetRun returns a stored run record.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	rec, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListFlowRuns returns recent runs for a flow. The optional
// "limit" query parameter caps the result count.
func (s *Server) handleListFlowRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", "invalid limit parameter")
			return
		}
		limit = parsed
	}

	records, err := s.runs.ListByFlow(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}
