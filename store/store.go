// Package store persists flow definitions, execution runs, and cron
// schedules. It provides in-memory implementations for tests and a
// SQLite-backed implementation for the server, plus a TTL cache layer
// for hot flow lookups.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/graph"
)

// Sentinel errors shared by all store implementations.
var (
	ErrFlowExists       = errors.New("flow already exists")
	ErrFlowNotFound     = errors.New("flow not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrScheduleExists   = errors.New("schedule already exists")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// FlowRecord is a stored flow definition with bookkeeping timestamps.
type FlowRecord struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Definition graph.FlowDefinition `json:"definition"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// RunRecord captures one execution of a flow.
type RunRecord struct {
	ID       string     `json:"id"`
	FlowID   string     `json:"flow_id"`
	Status   string     `json:"status"`
	Trace    core.Trace `json:"trace"`
	Started  time.Time  `json:"started"`
	Finished time.Time  `json:"finished"`
}

// Schedule is a cron-triggered execution of a stored flow.
type Schedule struct {
	ID         string         `json:"id"`
	FlowID     string         `json:"flow_id"`
	Cron       string         `json:"cron"`
	Enabled    bool           `json:"enabled"`
	Input      string         `json:"input"`
	NextRunAt  time.Time      `json:"next_run_at"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// FlowStore persists flow definitions keyed by flow id.
type FlowStore interface {
	// List returns all flows in creation order.
	List(ctx context.Context) ([]FlowRecord, error)

	// Get returns the flow with the given id. The boolean reports
	// whether it was found.
	Get(ctx context.Context, id string) (FlowRecord, bool, error)

	// Create stores a new flow. Returns ErrFlowExists when the id is
	// already taken.
	Create(ctx context.Context, rec FlowRecord) error

	// Update replaces an existing flow. Returns ErrFlowNotFound when
	// no flow has the record's id.
	Update(ctx context.Context, rec FlowRecord) error

	// Delete removes a flow. Returns ErrFlowNotFound when no flow has
	// the given id.
	Delete(ctx context.Context, id string) error
}

// RunStore persists execution records.
type RunStore interface {
	// Put stores or replaces a run record.
	Put(ctx context.Context, rec RunRecord) error

	// Get returns the run with the given id. The boolean reports
	// whether it was found.
	Get(ctx context.Context, id string) (RunRecord, bool, error)

	// ListByFlow returns runs for a flow, most recent first, up to
	// limit (0 means no limit).
	ListByFlow(ctx context.Context, flowID string, limit int) ([]RunRecord, error)
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	// ListSchedules returns schedules for a flow in creation order.
	ListSchedules(ctx context.Context, flowID string) ([]Schedule, error)

	// GetSchedule returns one schedule. The boolean reports whether it
	// was found.
	GetSchedule(ctx context.Context, flowID, scheduleID string) (Schedule, bool, error)

	// CreateSchedule stores a new schedule. Returns ErrScheduleExists
	// when the id is already taken.
	CreateSchedule(ctx context.Context, schedule Schedule) error

	// UpdateSchedule replaces an existing schedule. Returns
	// ErrScheduleNotFound when it does not exist.
	UpdateSchedule(ctx context.Context, schedule Schedule) error

	// DeleteSchedule removes a schedule. Returns ErrScheduleNotFound
	// when it does not exist.
	DeleteSchedule(ctx context.Context, flowID, scheduleID string) error

	// DeleteSchedulesByFlow removes every schedule attached to a flow.
	DeleteSchedulesByFlow(ctx context.Context, flowID string) error

	// ListDueSchedules returns enabled schedules whose next run is at
	// or before now, soonest first, up to limit (0 means no limit).
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}
