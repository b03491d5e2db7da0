package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowrunner/flowstudio/store"
)

// Schedule run statuses recorded on the schedule record.
const (
	ScheduleRunStatusRunning        = "running"
	ScheduleRunStatusCompleted      = "completed"
	ScheduleRunStatusFailed         = "failed"
	ScheduleRunStatusSkippedOverlap = "skipped_overlap"
)

// ScheduleRequest is the JSON body for creating or updating a schedule.
type ScheduleRequest struct {
	Cron    string `json:"cron"`
	Enabled *bool  `json:"enabled,omitempty"`
	Input   string `json:"input,omitempty"`
}

// handleListSchedules returns all schedules for a flow.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.flowExists(w, r, id) {
		return
	}

	schedules, err := s.schedules.ListSchedules(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if schedules == nil {
		schedules = []store.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// handleGetSchedule returns a single schedule.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")

	schedule, ok, err := s.schedules.GetSchedule(r.Context(), id, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

// handleCreateSchedule creates a cron schedule for a flow.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.flowExists(w, r, id) {
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	nextRunAt, err := nextCronRunUTC(req.Cron, now)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_CRON", err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	schedule := store.Schedule{
		ID:        uuid.New().String(),
		FlowID:    id,
		Cron:      req.Cron,
		Enabled:   enabled,
		Input:     req.Input,
		NextRunAt: nextRunAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.schedules.CreateSchedule(r.Context(), schedule); err != nil {
		if errors.Is(err, store.ErrScheduleExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("schedule %q already exists", schedule.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, schedule)
}

// handleUpdateSchedule updates a schedule's cron expression, enablement,
// or input.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")

	schedule, ok, err := s.schedules.GetSchedule(r.Context(), id, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	if req.Cron != "" && req.Cron != schedule.Cron {
		nextRunAt, err := nextCronRunUTC(req.Cron, now)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_CRON", err.Error())
			return
		}
		schedule.Cron = req.Cron
		schedule.NextRunAt = nextRunAt
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if req.Input != "" {
		schedule.Input = req.Input
	}
	schedule.UpdatedAt = now

	if err := s.schedules.UpdateSchedule(r.Context(), schedule); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, schedule)
}

// handleDeleteSchedule removes a schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")

	if err := s.schedules.DeleteSchedule(r.Context(), id, scheduleID); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// flowExists verifies the flow id and writes a 404 when missing.
func (s *Server) flowExists(w http.ResponseWriter, r *http.Request, id string) bool {
	_, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return false
	}
	return true
}
