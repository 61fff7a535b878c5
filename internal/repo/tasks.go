package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobline/internal/domain"
)

const taskColumns = `id,name,job,action,input_json,priority,token,index1,index2,is_static,frequency,try,running,finished,started_at,finished_at,planned_at,fault,fault_trace,duration_ms,discriminator,created_at,created_by,output,worker`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var input, createdAt string
	var token, index1, index2, startedAt, finishedAt, plannedAt, fault, faultTrace, worker sql.NullString
	var isStatic, running, finished int
	err := row.Scan(&t.ID, &t.Name, &t.Job, &t.Action, &input, &t.Priority, &token, &index1, &index2,
		&isStatic, &t.Frequency, &t.Try, &running, &finished, &startedAt, &finishedAt, &plannedAt,
		&fault, &faultTrace, &t.DurationMS, &t.Discriminator, &createdAt, &t.CreatedBy, &t.Output, &worker)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &t.Input); err != nil {
			return t, fmt.Errorf("task %s: decode input: %w", t.ID, err)
		}
	}
	if t.Input == nil {
		t.Input = domain.Input{}
	}
	t.Token = stringPtr(token)
	t.Index1 = stringPtr(index1)
	t.Index2 = stringPtr(index2)
	t.IsStatic = isStatic == 1
	t.Running = running == 1
	t.Finished = finished == 1
	t.StartedAt = parseTime(startedAt)
	t.FinishedAt = parseTime(finishedAt)
	t.PlannedAt = parseTime(plannedAt)
	t.Fault = stringPtr(fault)
	t.FaultTrace = stringPtr(faultTrace)
	t.Worker = stringPtr(worker)
	if ts := parseTime(sql.NullString{String: createdAt, Valid: true}); ts != nil {
		t.CreatedAt = *ts
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func encodeInput(in domain.Input) (string, error) {
	if in == nil {
		return "{}", nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	return string(b), nil
}

func taskInsertArgs(t domain.Task) ([]any, error) {
	input, err := encodeInput(t.Input)
	if err != nil {
		return nil, err
	}
	action := t.Action
	if action == "" {
		action = domain.DefaultAction
	}
	return []any{
		t.ID, t.Name, t.Job, action, input, t.Priority, nullableStringPtr(t.Token), nullableStringPtr(t.Index1), nullableStringPtr(t.Index2),
		boolInt(t.IsStatic), t.Frequency, t.Try, boolInt(t.Running), boolInt(t.Finished),
		nullableTime(t.StartedAt), millis(t.StartedAt), nullableTime(t.FinishedAt), millis(t.FinishedAt),
		nullableTime(t.PlannedAt), millis(t.PlannedAt), nullableStringPtr(t.Fault), nullableStringPtr(t.FaultTrace),
		t.DurationMS, t.Discriminator, formatTime(t.CreatedAt), t.CreatedAt.UnixMilli(), t.CreatedBy, t.Output, nullableStringPtr(t.Worker),
	}, nil
}

const taskInsertColumns = `id,name,job,action,input_json,priority,token,index1,index2,is_static,frequency,try,running,finished,started_at,started_ts,finished_at,finished_ts,planned_at,planned_ts,fault,fault_trace,duration_ms,discriminator,created_at,created_ts,created_by,output,worker`

const taskInsertPlaceholders = `?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?`

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	args, err := taskInsertArgs(t)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskInsertColumns+`) VALUES (`+taskInsertPlaceholders+`)`, args...)
	return err
}

// InsertTaskUnlessWaiting inserts t only if no waiting task shares its
// discriminator. The check and the insert are one statement, so two
// concurrent submitters cannot both win.
func (r Repo) InsertTaskUnlessWaiting(ctx context.Context, t domain.Task) (bool, error) {
	args, err := taskInsertArgs(t)
	if err != nil {
		return false, err
	}
	args = append(args, t.Discriminator)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskInsertColumns+`)
SELECT `+taskInsertPlaceholders+`
WHERE NOT EXISTS (SELECT 1 FROM tasks WHERE discriminator=? AND finished=0 AND running=0)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// UpdateTask writes every mutable column of t.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	input, err := encodeInput(t.Input)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET input_json=?, try=?, running=?, finished=?,
started_at=?, started_ts=?, finished_at=?, finished_ts=?, planned_at=?, planned_ts=?,
fault=?, fault_trace=?, duration_ms=?, output=?, worker=? WHERE id=?`,
		input, t.Try, boolInt(t.Running), boolInt(t.Finished),
		nullableTime(t.StartedAt), millis(t.StartedAt), nullableTime(t.FinishedAt), millis(t.FinishedAt),
		nullableTime(t.PlannedAt), millis(t.PlannedAt),
		nullableStringPtr(t.Fault), nullableStringPtr(t.FaultTrace), t.DurationMS, t.Output, nullableStringPtr(t.Worker), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTask marks t as started by the caller. With strict set, the update
// only applies if the row still carries the try/running/started values the
// caller observed in prev; a false result means another worker got there
// first.
func (r Repo) ClaimTask(ctx context.Context, t, prev domain.Task, strict bool) (bool, error) {
	query := `UPDATE tasks SET try=?, running=1, finished=0, started_at=?, started_ts=?, fault=NULL, fault_trace=NULL, worker=? WHERE id=?`
	args := []any{t.Try, nullableTime(t.StartedAt), millis(t.StartedAt), nullableStringPtr(t.Worker), t.ID}
	if strict {
		query += ` AND try=? AND running=? AND finished=? AND started_ts=?`
		args = append(args, prev.Try, boolInt(prev.Running), boolInt(prev.Finished), millis(prev.StartedAt))
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// NextTaskFilters carries the retry policy and token filter for NextTask.
type NextTaskFilters struct {
	Now         time.Time
	MaxTry      int
	TryDelay    time.Duration
	ErrorDelay  time.Duration
	SelfRelease time.Duration
	// Token restricts the search to one token. Empty means any task whose
	// token is free or whose lease has expired.
	Token  string
	Static bool
}

// NextTask returns the most urgent eligible task. Equal priorities are
// served first-created-first.
func (r Repo) NextTask(ctx context.Context, f NextTaskFilters) (domain.Task, error) {
	now := f.Now.UnixMilli()
	eligible := `((try=0 AND running=0)
	OR (try>0 AND try<? AND running=0 AND ?-started_ts >= ?)
	OR (try<? AND running=1 AND ?-started_ts >= ?))`
	args := []any{
		f.MaxTry, now, f.TryDelay.Milliseconds(),
		f.MaxTry, now, f.ErrorDelay.Milliseconds(),
	}
	var clauses []string
	if f.Static {
		clauses = append(clauses, `is_static=1`, `((finished=0 AND `+eligible+`) OR (finished=1 AND planned_ts <= ?))`)
		args = append(args, now)
	} else {
		clauses = append(clauses, `is_static=0`, `finished=0`, eligible)
	}
	if f.Token != "" {
		clauses = append(clauses, `token=?`)
		args = append(args, f.Token)
	} else {
		clauses = append(clauses, `(token IS NULL OR NOT EXISTS (
		SELECT 1 FROM tokens k WHERE k.name=tasks.token AND k.locked=1 AND ?-k.locked_ts < ?
	))`)
		args = append(args, now, f.SelfRelease.Milliseconds())
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority DESC, created_ts ASC, id ASC LIMIT 1`
	return scanTask(r.DB.QueryRowContext(ctx, query, args...))
}

// CountFilters narrows status counts. Empty fields match everything.
type CountFilters struct {
	Token         string `json:"token,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Index1        string `json:"index1,omitempty"`
	Index2        string `json:"index2,omitempty"`
	Job           string `json:"job,omitempty"`
}

func (f CountFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Token != "" {
		clauses = append(clauses, "token=?")
		args = append(args, f.Token)
	}
	if f.Discriminator != "" {
		clauses = append(clauses, "discriminator=?")
		args = append(args, f.Discriminator)
	}
	if f.Index1 != "" {
		clauses = append(clauses, "index1=?")
		args = append(args, f.Index1)
	}
	if f.Index2 != "" {
		clauses = append(clauses, "index2=?")
		args = append(args, f.Index2)
	}
	if f.Job != "" {
		clauses = append(clauses, "job=?")
		args = append(args, f.Job)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type Counts struct {
	Waiting  int `json:"waiting"`
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

func (r Repo) CountTasks(ctx context.Context, f CountFilters) (Counts, error) {
	where, args := f.where()
	var c Counts
	err := r.DB.QueryRowContext(ctx, `SELECT
	COALESCE(SUM(CASE WHEN finished=0 AND running=0 THEN 1 ELSE 0 END),0),
	COALESCE(SUM(CASE WHEN running=1 THEN 1 ELSE 0 END),0),
	COALESCE(SUM(CASE WHEN finished=0 THEN 1 ELSE 0 END),0),
	COALESCE(SUM(CASE WHEN finished=1 THEN 1 ELSE 0 END),0),
	COALESCE(SUM(CASE WHEN finished=1 AND fault IS NOT NULL THEN 1 ELSE 0 END),0)
FROM tasks`+where, args...).Scan(&c.Waiting, &c.Active, &c.Pending, &c.Finished, &c.Failed)
	return c, err
}

type TaskFilters struct {
	CountFilters
	State           string
	Limit           int
	CursorCreatedTS int64
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	where, args := f.CountFilters.where()
	var clauses []string
	if where != "" {
		clauses = append(clauses, strings.TrimPrefix(where, " WHERE "))
	}
	switch f.State {
	case "":
	case "waiting":
		clauses = append(clauses, "finished=0 AND running=0")
	case "active":
		clauses = append(clauses, "running=1")
	case "pending":
		clauses = append(clauses, "finished=0")
	case "finished":
		clauses = append(clauses, "finished=1")
	case "failed":
		clauses = append(clauses, "finished=1 AND fault IS NOT NULL")
	default:
		return nil, fmt.Errorf("unknown task state %q", f.State)
	}
	if f.CursorCreatedTS > 0 && f.CursorID != "" {
		clauses = append(clauses, "(created_ts < ? OR (created_ts = ? AND id < ?))")
		args = append(args, f.CursorCreatedTS, f.CursorCreatedTS, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// DeleteFinishedBefore removes finished non-static tasks that ended before
// cutoff. Static tasks are never deleted.
func (r Repo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE finished=1 AND is_static=0 AND finished_ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AbandonExhausted closes tasks whose worker died during the final allowed
// attempt. Selection never reclaims them, so without this they would stay
// running forever. Static tasks are replanned for now instead.
func (r Repo) AbandonExhausted(ctx context.Context, now time.Time, maxTry int, errorDelay time.Duration, fault string) (int64, error) {
	ts := now.UnixMilli()
	at := formatTime(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET
	running=0, finished=1, finished_at=?, finished_ts=?,
	fault=COALESCE(fault, ?),
	try=CASE WHEN is_static=1 THEN 0 ELSE try END,
	planned_at=CASE WHEN is_static=1 THEN ? ELSE planned_at END,
	planned_ts=CASE WHEN is_static=1 THEN ? ELSE planned_ts END
WHERE running=1 AND try>=? AND ?-started_ts >= ?`,
		at, ts, fault, at, ts, maxTry, ts, errorDelay.Milliseconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
