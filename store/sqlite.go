package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/graph"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS flows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT,
	definition BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	trace BLOB NOT NULL,
	started TEXT NOT NULL,
	finished TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id, started DESC);

CREATE TABLE IF NOT EXISTS flow_schedules (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	input TEXT NOT NULL DEFAULT '',
	fields_json BLOB NOT NULL,
	next_run_at TEXT NOT NULL,
	last_run_at TEXT,
	last_run_id TEXT,
	last_status TEXT,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(flow_id) REFERENCES flows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_flow_schedules_flow
ON flow_schedules(flow_id);

CREATE INDEX IF NOT EXISTS idx_flow_schedules_due
ON flow_schedules(enabled, next_run_at);`

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists flows, runs, and schedules in SQLite. One store
// implements FlowStore, RunStore, and ScheduleStore over a shared
// connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM flows
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list flows: %w", err)
	}
	defer rows.Close()

	var records []FlowRecord
	for rows.Next() {
		rec, err := scanFlowRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list flows rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (FlowRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM flows
WHERE id = ?`, id)

	rec, err := scanFlowRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FlowRecord{}, false, nil
		}
		return FlowRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec FlowRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	definition, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("sqlite store marshal definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO flows (id, name, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Name,
		definition,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: flows.id") {
			return ErrFlowExists
		}
		return fmt.Errorf("sqlite store create flow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec FlowRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	definition, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("sqlite store marshal definition: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE flows
SET name = ?, definition = ?, updated_at = ?
WHERE id = ?`,
		rec.Name,
		definition,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite store update flow: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store update flow affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store delete flow: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store delete flow affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec RunRecord) error {
	trace, err := json.Marshal(rec.Trace)
	if err != nil {
		return fmt.Errorf("sqlite store marshal trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_id, status, trace, started, finished)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	flow_id = excluded.flow_id,
	status = excluded.status,
	trace = excluded.trace,
	started = excluded.started,
	finished = excluded.finished`,
		rec.ID,
		rec.FlowID,
		rec.Status,
		trace,
		rec.Started.UTC().Format(time.RFC3339Nano),
		rec.Finished.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite store put run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, flow_id, status, trace, started, finished
FROM runs
WHERE id = ?`, id)

	rec, err := scanRunRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListByFlow(ctx context.Context, flowID string, limit int) ([]RunRecord, error) {
	query := `
SELECT id, flow_id, status, trace, started, finished
FROM runs
WHERE flow_id = ?
ORDER BY started DESC`
	args := []any{flowID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list runs rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, flowID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, flow_id, cron_expr, enabled, input, fields_json, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at
FROM flow_schedules
WHERE flow_id = ?
ORDER BY created_at ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list schedules rows: %w", err)
	}
	return schedules, nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, flowID, scheduleID string) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, flow_id, cron_expr, enabled, input, fields_json, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at
FROM flow_schedules
WHERE flow_id = ? AND id = ?`, flowID, scheduleID)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, false, nil
		}
		return Schedule{}, false, err
	}
	return schedule, true, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, schedule Schedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}

	fieldsJSON, err := marshalScheduleFields(schedule.Fields)
	if err != nil {
		return err
	}

	enabled := 0
	if schedule.Enabled {
		enabled = 1
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO flow_schedules
	(id, flow_id, cron_expr, enabled, input, fields_json, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.FlowID,
		schedule.Cron,
		enabled,
		schedule.Input,
		fieldsJSON,
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastRunID),
		nullIfEmpty(schedule.LastStatus),
		nullIfEmpty(schedule.LastError),
		schedule.CreatedAt.UTC().Format(time.RFC3339Nano),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: flow_schedules.id") {
			return ErrScheduleExists
		}
		return fmt.Errorf("sqlite store create schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, schedule Schedule) error {
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = time.Now().UTC()
	}

	fieldsJSON, err := marshalScheduleFields(schedule.Fields)
	if err != nil {
		return err
	}

	enabled := 0
	if schedule.Enabled {
		enabled = 1
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE flow_schedules
SET
	cron_expr = ?,
	enabled = ?,
	input = ?,
	fields_json = ?,
	next_run_at = ?,
	last_run_at = ?,
	last_run_id = ?,
	last_status = ?,
	last_error = ?,
	updated_at = ?
WHERE flow_id = ? AND id = ?`,
		schedule.Cron,
		enabled,
		schedule.Input,
		fieldsJSON,
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastRunID),
		nullIfEmpty(schedule.LastStatus),
		nullIfEmpty(schedule.LastError),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
		schedule.FlowID,
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite store update schedule: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store update schedule affected rows: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, flowID, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM flow_schedules
WHERE flow_id = ? AND id = ?`, flowID, scheduleID)
	if err != nil {
		return fmt.Errorf("sqlite store delete schedule: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store delete schedule affected rows: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedulesByFlow(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM flow_schedules
WHERE flow_id = ?`, flowID); err != nil {
		return fmt.Errorf("sqlite store delete schedules by flow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	query := `
SELECT id, flow_id, cron_expr, enabled, input, fields_json, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at
FROM flow_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list due schedules rows: %w", err)
	}
	return schedules, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlowRecord(scanner rowScanner) (FlowRecord, error) {
	var (
		id        string
		name      sql.NullString
		defRaw    []byte
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &name, &defRaw, &createdAt, &updatedAt); err != nil {
		return FlowRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return FlowRecord{}, fmt.Errorf("sqlite store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return FlowRecord{}, fmt.Errorf("sqlite store parse updated_at: %w", err)
	}

	var definition graph.FlowDefinition
	if len(defRaw) > 0 {
		if err := json.Unmarshal(defRaw, &definition); err != nil {
			return FlowRecord{}, fmt.Errorf("sqlite store unmarshal definition: %w", err)
		}
	}

	return FlowRecord{
		ID:         id,
		Name:       name.String,
		Definition: definition,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

func scanRunRecord(scanner rowScanner) (RunRecord, error) {
	var (
		id       string
		flowID   string
		status   string
		traceRaw []byte
		started  string
		finished string
	)
	if err := scanner.Scan(&id, &flowID, &status, &traceRaw, &started, &finished); err != nil {
		return RunRecord{}, err
	}

	startedAt, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return RunRecord{}, fmt.Errorf("sqlite store parse run started: %w", err)
	}
	finishedAt, err := time.Parse(time.RFC3339Nano, finished)
	if err != nil {
		return RunRecord{}, fmt.Errorf("sqlite store parse run finished: %w", err)
	}

	var trace core.Trace
	if len(traceRaw) > 0 {
		if err := json.Unmarshal(traceRaw, &trace); err != nil {
			return RunRecord{}, fmt.Errorf("sqlite store unmarshal trace: %w", err)
		}
	}

	return RunRecord{
		ID:       id,
		FlowID:   flowID,
		Status:   status,
		Trace:    trace,
		Started:  startedAt,
		Finished: finishedAt,
	}, nil
}

func scanSchedule(scanner rowScanner) (Schedule, error) {
	var (
		id         string
		flowID     string
		cronExpr   string
		enabledRaw int
		input      string
		fieldsRaw  []byte
		nextRunAt  string
		lastRunAt  sql.NullString
		lastRunID  sql.NullString
		lastStatus sql.NullString
		lastError  sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(
		&id,
		&flowID,
		&cronExpr,
		&enabledRaw,
		&input,
		&fieldsRaw,
		&nextRunAt,
		&lastRunAt,
		&lastRunID,
		&lastStatus,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Schedule{}, err
	}

	next, err := time.Parse(time.RFC3339Nano, nextRunAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("sqlite store parse schedule next_run_at: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("sqlite store parse schedule created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("sqlite store parse schedule updated_at: %w", err)
	}

	fields, err := unmarshalScheduleFields(fieldsRaw)
	if err != nil {
		return Schedule{}, err
	}

	var lastRunPtr *time.Time
	if lastRunAt.Valid && strings.TrimSpace(lastRunAt.String) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if err != nil {
			return Schedule{}, fmt.Errorf("sqlite store parse schedule last_run_at: %w", err)
		}
		lastRunPtr = &parsed
	}

	return Schedule{
		ID:         id,
		FlowID:     flowID,
		Cron:       cronExpr,
		Enabled:    enabledRaw == 1,
		Input:      input,
		Fields:     fields,
		NextRunAt:  next,
		LastRunAt:  lastRunPtr,
		LastRunID:  lastRunID.String,
		LastStatus: lastStatus.String,
		LastError:  lastError.String,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

func marshalScheduleFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("sqlite store marshal schedule fields: %w", err)
	}
	return data, nil
}

func unmarshalScheduleFields(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("sqlite store unmarshal schedule fields: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// sqliteRunStore adapts SQLiteStore's run methods to the RunStore
// interface. SQLiteStore cannot implement RunStore directly because
// FlowStore already claims the Get method name.
type sqliteRunStore struct {
	s *SQLiteStore
}

// Runs returns a RunStore view over the same database.
func (s *SQLiteStore) Runs() RunStore {
	return sqliteRunStore{s: s}
}

func (r sqliteRunStore) Put(ctx context.Context, rec RunRecord) error {
	return r.s.Put(ctx, rec)
}

func (r sqliteRunStore) Get(ctx context.Context, id string) (RunRecord, bool, error) {
	return r.s.GetRun(ctx, id)
}

func (r sqliteRunStore) ListByFlow(ctx context.Context, flowID string, limit int) ([]RunRecord, error) {
	return r.s.ListByFlow(ctx, flowID, limit)
}

// Compile-time interface checks.
var (
	_ FlowStore     = (*SQLiteStore)(nil)
	_ ScheduleStore = (*SQLiteStore)(nil)
	_ RunStore      = sqliteRunStore{}
)
