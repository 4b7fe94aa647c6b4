package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slotflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedule_configs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  pipeline_id TEXT NOT NULL,
  account_group TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('daily','weekly','monthly','interval','cron','once')),
  params BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 50,
  active INTEGER NOT NULL DEFAULT 1,
  last_run_at DATETIME,
  next_run_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_configs_due ON schedule_configs(active, next_run_at);
CREATE TABLE IF NOT EXISTS time_slots (
  id TEXT PRIMARY KEY,
  config_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  slot_date TEXT NOT NULL,
  slot_hour INTEGER NOT NULL,
  slot_minute INTEGER NOT NULL,
  slot_index INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','scheduled','completed','failed','skipped')) DEFAULT 'pending',
  task_id TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_unique ON time_slots(config_id, account_id, slot_date, slot_hour, slot_minute);
CREATE INDEX IF NOT EXISTS idx_slots_next ON time_slots(config_id, status, slot_date, slot_hour, slot_minute);
CREATE TABLE IF NOT EXISTS execution_tasks (
  id TEXT PRIMARY KEY,
  config_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  slot_id TEXT,
  pipeline_id TEXT NOT NULL,
  pipeline_status TEXT NOT NULL CHECK(pipeline_status IN ('pending','running','completed','failed','cancelled')) DEFAULT 'pending',
  publish_status TEXT NOT NULL CHECK(publish_status IN ('pending','scheduled','publishing','published','failed','cancelled')) DEFAULT 'pending',
  priority INTEGER NOT NULL DEFAULT 50,
  retry_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  artifact BLOB,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  started_at DATETIME,
  completed_at DATETIME,
  failed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_open ON execution_tasks(pipeline_status, publish_status, priority DESC, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateConfig(ctx context.Context, c domain.ScheduleConfig) (string, error) {
	id := c.ID
	if id == "" {
		id = "cfg_" + uuid.NewString()
	}
	params, err := json.Marshal(c.Params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedule_configs (id,name,pipeline_id,account_group,kind,params,priority,active,last_run_at,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, c.Name, c.PipelineID, c.AccountGroup, string(c.Kind), params, c.Priority, c.Active, nullTime(c.LastRunAt), nullTime(c.NextRunAt))
	return id, err
}

const configCols = `id,name,pipeline_id,account_group,kind,params,priority,active,last_run_at,next_run_at,created_at,updated_at`

func scanConfig(row interface{ Scan(...any) error }) (domain.ScheduleConfig, error) {
	var c domain.ScheduleConfig
	var kind string
	var params []byte
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.PipelineID, &c.AccountGroup, &kind, &params, &c.Priority, &c.Active, &lastRun, &nextRun, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.ScheduleConfig{}, err
	}
	c.Kind = domain.RecurrenceKind(kind)
	if err := json.Unmarshal(params, &c.Params); err != nil {
		return domain.ScheduleConfig{}, fmt.Errorf("config %s: unmarshal params: %w", c.ID, err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		c.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		c.NextRunAt = &t
	}
	return c, nil
}

func (r *sqliteRepo) GetConfig(ctx context.Context, id string) (domain.ScheduleConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configCols+` FROM schedule_configs WHERE id=?`, id)
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return domain.ScheduleConfig{}, fmt.Errorf("config %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (r *sqliteRepo) listConfigs(ctx context.Context, where string, args ...any) ([]domain.ScheduleConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+configCols+` FROM schedule_configs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []domain.ScheduleConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (r *sqliteRepo) ListConfigs(ctx context.Context) ([]domain.ScheduleConfig, error) {
	return r.listConfigs(ctx, `ORDER BY name`)
}

func (r *sqliteRepo) ListActiveConfigs(ctx context.Context) ([]domain.ScheduleConfig, error) {
	return r.listConfigs(ctx, `WHERE active=1 ORDER BY name`)
}

func (r *sqliteRepo) ListDueConfigs(ctx context.Context, now time.Time) ([]domain.ScheduleConfig, error) {
	return r.listConfigs(ctx, `WHERE active=1 AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at`, now)
}

func (r *sqliteRepo) UpdateConfigRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, active bool) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_configs SET last_run_at=?, next_run_at=?, active=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastRun, nullTime(nextRun), active, id)
	return oneRow(res, err, id)
}

func (r *sqliteRepo) PauseConfig(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_configs SET active=0, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return oneRow(res, err, id)
}

func (r *sqliteRepo) ResumeConfig(ctx context.Context, id string, nextRun time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_configs SET active=1, next_run_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, nextRun, id)
	return oneRow(res, err, id)
}

func (r *sqliteRepo) InsertSlots(ctx context.Context, slots []domain.TimeSlot) ([]domain.TimeSlot, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]domain.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.ID == "" {
			s.ID = "slt_" + uuid.NewString()
		}
		if s.Status == "" {
			s.Status = domain.SlotPending
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO time_slots (id,config_id,account_id,slot_date,slot_hour,slot_minute,slot_index,status,task_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
			s.ID, s.ConfigID, s.AccountID, s.Date, s.Hour, s.Minute, s.Index, string(s.Status), nullString(s.TaskID))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

const slotCols = `id,config_id,account_id,slot_date,slot_hour,slot_minute,slot_index,status,task_id,created_at`

func scanSlot(row interface{ Scan(...any) error }) (domain.TimeSlot, error) {
	var s domain.TimeSlot
	var status string
	var taskID sql.NullString
	if err := row.Scan(&s.ID, &s.ConfigID, &s.AccountID, &s.Date, &s.Hour, &s.Minute, &s.Index, &status, &taskID, &s.CreatedAt); err != nil {
		return domain.TimeSlot{}, err
	}
	s.Status = domain.SlotStatus(status)
	if taskID.Valid {
		s.TaskID = taskID.String
	}
	return s, nil
}

func (r *sqliteRepo) GetSlot(ctx context.Context, id string) (domain.TimeSlot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+slotCols+` FROM time_slots WHERE id=?`, id)
	s, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return domain.TimeSlot{}, fmt.Errorf("slot %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

func (r *sqliteRepo) NextPendingSlot(ctx context.Context, configID, fromDate string, fromMinutes int) (domain.TimeSlot, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+slotCols+` FROM time_slots
WHERE config_id=? AND status='pending'
  AND (slot_date > ? OR (slot_date = ? AND slot_hour*60+slot_minute >= ?))
ORDER BY slot_date, slot_hour, slot_minute
LIMIT 1`, configID, fromDate, fromDate, fromMinutes)
	s, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return domain.TimeSlot{}, fmt.Errorf("no pending slot for config %s: %w", configID, domain.ErrNotFound)
	}
	return s, err
}

func (r *sqliteRepo) PendingSlotsOn(ctx context.Context, configID, date string) ([]domain.TimeSlot, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+slotCols+` FROM time_slots
WHERE config_id=? AND status='pending' AND slot_date=?
ORDER BY slot_hour, slot_minute`, configID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []domain.TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (r *sqliteRepo) SetSlotStatus(ctx context.Context, id string, status domain.SlotStatus, taskID string) error {
	var res sql.Result
	var err error
	if taskID != "" {
		res, err = r.db.ExecContext(ctx, `UPDATE time_slots SET status=?, task_id=? WHERE id=?`, string(status), taskID, id)
	} else {
		res, err = r.db.ExecContext(ctx, `UPDATE time_slots SET status=? WHERE id=?`, string(status), id)
	}
	return oneRow(res, err, id)
}

func (r *sqliteRepo) DeletePendingSlots(ctx context.Context, configID, date string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM time_slots WHERE config_id=? AND slot_date=? AND status='pending'`, configID, date)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) DeleteSlotsBefore(ctx context.Context, cutoffDate string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM time_slots WHERE slot_date < ? AND status IN ('completed','failed','skipped')`, cutoffDate)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.ExecutionTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.PipelineStatus == "" {
		t.PipelineStatus = domain.PipelinePending
	}
	if t.PublishStatus == "" {
		t.PublishStatus = domain.PublishPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO execution_tasks (id,config_id,account_id,slot_id,pipeline_id,pipeline_status,publish_status,priority,retry_count,error_message,artifact,created_at,started_at,completed_at,failed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, t.ConfigID, t.AccountID, nullString(t.SlotID), t.PipelineID, string(t.PipelineStatus), string(t.PublishStatus),
		t.Priority, t.RetryCount, t.ErrorMessage, t.Artifact, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt))
	return id, err
}

const taskCols = `id,config_id,account_id,slot_id,pipeline_id,pipeline_status,publish_status,priority,retry_count,error_message,artifact,created_at,started_at,completed_at,failed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.ExecutionTask, error) {
	var t domain.ExecutionTask
	var slotID sql.NullString
	var pipeStatus, pubStatus string
	var started, completed, failed sql.NullTime
	if err := row.Scan(&t.ID, &t.ConfigID, &t.AccountID, &slotID, &t.PipelineID, &pipeStatus, &pubStatus,
		&t.Priority, &t.RetryCount, &t.ErrorMessage, &t.Artifact, &t.CreatedAt, &started, &completed, &failed); err != nil {
		return domain.ExecutionTask{}, err
	}
	if slotID.Valid {
		t.SlotID = slotID.String
	}
	t.PipelineStatus = domain.PipelineStatus(pipeStatus)
	t.PublishStatus = domain.PublishStatus(pubStatus)
	if started.Valid {
		v := started.Time
		t.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		t.CompletedAt = &v
	}
	if failed.Valid {
		v := failed.Time
		t.FailedAt = &v
	}
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.ExecutionTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM execution_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.ExecutionTask{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.ExecutionTask) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE execution_tasks
SET pipeline_status=?, publish_status=?, priority=?, retry_count=?, error_message=?, artifact=?, started_at=?, completed_at=?, failed_at=?
WHERE id=?`,
		string(t.PipelineStatus), string(t.PublishStatus), t.Priority, t.RetryCount, t.ErrorMessage, t.Artifact,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt), t.ID)
	return oneRow(res, err, t.ID)
}

func (r *sqliteRepo) ListOpenTasks(ctx context.Context) ([]domain.ExecutionTask, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM execution_tasks
WHERE pipeline_status != 'cancelled' AND publish_status NOT IN ('published','cancelled')
ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ExecutionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func oneRow(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return nil
}
