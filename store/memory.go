package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemFlowStore is a thread-safe in-memory flow store.
type MemFlowStore struct {
	mu    sync.RWMutex
	flows map[string]FlowRecord
	order []string
}

// NewMemFlowStore creates an empty in-memory flow store.
func NewMemFlowStore() *MemFlowStore {
	return &MemFlowStore{flows: make(map[string]FlowRecord)}
}

func (s *MemFlowStore) List(_ context.Context) ([]FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]FlowRecord, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.flows[id])
	}
	return records, nil
}

func (s *MemFlowStore) Get(_ context.Context, id string) (FlowRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.flows[id]
	return rec, ok, nil
}

func (s *MemFlowStore) Create(_ context.Context, rec FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[rec.ID]; exists {
		return ErrFlowExists
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.flows[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemFlowStore) Update(_ context.Context, rec FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.flows[rec.ID]
	if !ok {
		return ErrFlowNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.flows[rec.ID] = rec
	return nil
}

func (s *MemFlowStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[id]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, id)
	for i, fid := range s.order {
		if fid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// MemRunStore is a thread-safe in-memory run store.
type MemRunStore struct {
	mu   sync.RWMutex
	runs map[string]RunRecord
}

// NewMemRunStore creates an empty in-memory run store.
func NewMemRunStore() *MemRunStore {
	return &MemRunStore{runs: make(map[string]RunRecord)}
}

func (s *MemRunStore) Put(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = rec
	return nil
}

func (s *MemRunStore) Get(_ context.Context, id string) (RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	return rec, ok, nil
}

func (s *MemRunStore) ListByFlow(_ context.Context, flowID string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []RunRecord
	for _, rec := range s.runs {
		if rec.FlowID == flowID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Started.After(records[j].Started)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MemScheduleStore is a thread-safe in-memory schedule store.
type MemScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
	order     []string
}

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{schedules: make(map[string]Schedule)}
}

func (s *MemScheduleStore) ListSchedules(_ context.Context, flowID string) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var schedules []Schedule
	for _, id := range s.order {
		if sched := s.schedules[id]; sched.FlowID == flowID {
			schedules = append(schedules, sched)
		}
	}
	return schedules, nil
}

func (s *MemScheduleStore) GetSchedule(_ context.Context, flowID, scheduleID string) (Schedule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[scheduleID]
	if !ok || sched.FlowID != flowID {
		return Schedule{}, false, nil
	}
	return sched, true, nil
}

func (s *MemScheduleStore) CreateSchedule(_ context.Context, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return ErrScheduleExists
	}
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}
	s.schedules[schedule.ID] = schedule
	s.order = append(s.order, schedule.ID)
	return nil
}

func (s *MemScheduleStore) UpdateSchedule(_ context.Context, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schedules[schedule.ID]
	if !ok || existing.FlowID != schedule.FlowID {
		return ErrScheduleNotFound
	}
	schedule.CreatedAt = existing.CreatedAt
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = time.Now().UTC()
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

func (s *MemScheduleStore) DeleteSchedule(_ context.Context, flowID, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[scheduleID]
	if !ok || sched.FlowID != flowID {
		return ErrScheduleNotFound
	}
	s.removeLocked(scheduleID)
	return nil
}

func (s *MemScheduleStore) DeleteSchedulesByFlow(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sched := range s.schedules {
		if sched.FlowID == flowID {
			s.removeLocked(id)
		}
	}
	return nil
}

func (s *MemScheduleStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Schedule
	for _, id := range s.order {
		sched := s.schedules[id]
		if sched.Enabled && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemScheduleStore) removeLocked(id string) {
	delete(s.schedules, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Compile-time interface checks.
var (
	_ FlowStore     = (*MemFlowStore)(nil)
	_ RunStore      = (*MemRunStore)(nil)
	_ ScheduleStore = (*MemScheduleStore)(nil)
)
