package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowrunner/flowstudio/graph"
	"github.com/flowrunner/flowstudio/store"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Server       *Server
	Store        store.ScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically executes due flow schedules.
type Scheduler struct {
	server       *Server
	store        store.ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler instance.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Server == nil {
		return nil, errors.New("scheduler server is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		server:       cfg.Server,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// Start starts background polling. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the loop to exit or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, schedule := range due {
		s.processDueSchedule(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) processDueSchedule(ctx context.Context, schedule store.Schedule, now time.Time) {
	if !schedule.Enabled {
		return
	}

	if s.isActive(schedule.ID) {
		s.markSkippedOverlap(ctx, schedule, now)
		return
	}

	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		s.markFailure(ctx, schedule, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusRunning
	schedule.LastError = ""
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("update schedule before run", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
		return
	}

	s.markActive(schedule.ID)
	go s.runSchedule(schedule)
}

func (s *Scheduler) runSchedule(schedule store.Schedule) {
	defer s.unmarkActive(schedule.ID)

	ctx := context.Background()
	runID := uuid.New().String()
	resp, runErr := s.executeScheduledFlow(ctx, schedule, runID)

	finish := s.now().UTC()
	latest, found, err := s.store.GetSchedule(ctx, schedule.FlowID, schedule.ID)
	if err != nil {
		s.logger.Error("load schedule after run", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
		return
	}
	if !found {
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	if runErr != nil {
		latest.LastStatus = ScheduleRunStatusFailed
		latest.LastError = runErr.Error()
	} else {
		latest.LastStatus = resp.Status
		latest.LastError = ""
		latest.LastRunID = resp.RunID
	}

	if err := s.store.UpdateSchedule(ctx, latest); err != nil {
		s.logger.Error("persist schedule run result", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
	}
}

func (s *Scheduler) executeScheduledFlow(ctx context.Context, schedule store.Schedule, runID string) (ExecuteResponse, error) {
	rec, ok, err := s.server.flows.Get(ctx, schedule.FlowID)
	if err != nil {
		return ExecuteResponse{}, err
	}
	if !ok {
		return ExecuteResponse{}, fmt.Errorf("flow %q not found", schedule.FlowID)
	}

	snap, err := graph.SnapshotFromDefinition(s.server.catalog, rec.Definition)
	if err != nil {
		return ExecuteResponse{}, err
	}

	return s.server.executeSync(ctx, schedule.FlowID, snap, schedule.Input, runID, 0)
}

func (s *Scheduler) markSkippedOverlap(ctx context.Context, schedule store.Schedule, now time.Time) {
	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		s.markFailure(ctx, schedule, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusSkippedOverlap
	schedule.LastError = "skipped because prior scheduled run is still active"
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist overlap skip", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
	}
}

func (s *Scheduler) markFailure(ctx context.Context, schedule store.Schedule, now time.Time, runErr error) {
	nextRunAt, nextErr := nextCronRunUTC(schedule.Cron, now)
	if nextErr == nil {
		schedule.NextRunAt = nextRunAt
	}
	schedule.LastStatus = ScheduleRunStatusFailed
	schedule.LastError = runErr.Error()
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule failure", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
	}
}

func (s *Scheduler) isActive(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[scheduleID]
	return ok
}

func (s *Scheduler) markActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[scheduleID] = struct{}{}
}

func (s *Scheduler) unmarkActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, scheduleID)
}
