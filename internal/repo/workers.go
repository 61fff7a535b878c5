package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"jobline/internal/domain"
)

const workerColumns = `id,node,slot,pid,enabled,running,last_seen_at,task,started_at`

func scanWorker(row rowScanner) (domain.Worker, error) {
	var w domain.Worker
	var enabled, running int
	var lastSeen sql.NullString
	var startedAt string
	err := row.Scan(&w.ID, &w.Node, &w.Slot, &w.PID, &enabled, &running, &lastSeen, &w.Task, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Enabled = enabled == 1
	w.Running = running == 1
	if ts := parseTime(lastSeen); ts != nil {
		w.LastSeen = *ts
	}
	if ts := parseTime(sql.NullString{String: startedAt, Valid: true}); ts != nil {
		w.StartedAt = *ts
	}
	return w, nil
}

func (r Repo) GetWorker(ctx context.Context, id int64) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id))
}

func (r Repo) GetWorkerByPID(ctx context.Context, node string, pid int) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE node=? AND pid=? ORDER BY last_seen_ts DESC LIMIT 1`, node, pid))
}

func (r Repo) GetWorkerBySlot(ctx context.Context, node string, slot int) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE node=? AND slot=?`, node, slot))
}

// InsertWorker creates the record and returns it with its id set.
func (r Repo) InsertWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workers(node,slot,pid,enabled,running,last_seen_at,last_seen_ts,task,started_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.Node, w.Slot, w.PID, boolInt(w.Enabled), boolInt(w.Running), nullableTime(&w.LastSeen), millis(&w.LastSeen), w.Task, formatTime(w.StartedAt))
	if err != nil {
		return w, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return w, err
	}
	w.ID = id
	return w, nil
}

// UpdateHeartbeat writes the liveness columns. The enabled flag belongs to
// operators and is only written by SetWorkerEnabled.
func (r Repo) UpdateHeartbeat(ctx context.Context, w domain.Worker) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET pid=?, running=?, last_seen_at=?, last_seen_ts=?, task=?, started_at=? WHERE id=?`,
		w.PID, boolInt(w.Running), nullableTime(&w.LastSeen), millis(&w.LastSeen), w.Task, formatTime(w.StartedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWorkerEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET enabled=? WHERE id=?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWorkerStopped clears the running flag on a clean exit.
func (r Repo) SetWorkerStopped(ctx context.Context, id int64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workers SET running=0, task='', last_seen_at=?, last_seen_ts=? WHERE id=?`,
		formatTime(now), now.UnixMilli(), id)
	return err
}

// ListWorkers returns every worker, or only those on node when set.
func (r Repo) ListWorkers(ctx context.Context, node string) ([]domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []any
	if node != "" {
		query += ` WHERE node=?`
		args = append(args, node)
	}
	query += ` ORDER BY node, slot`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
