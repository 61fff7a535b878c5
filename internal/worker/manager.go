// Package worker keeps the heartbeat record of one process slot and runs the
// polling loop that feeds the runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"jobline/internal/domain"
	"jobline/internal/logx"
	"jobline/internal/proc"
	"jobline/internal/repo"
)

type Options struct {
	Node            string
	Slot            int
	RefreshInterval time.Duration
	Watchdog        time.Duration
	MaxTasks        int
	MaxAge          time.Duration
	MaxMemoryMB     int
}

// Processes answers the process-level questions the manager needs.
// proc.Table implements it.
type Processes interface {
	Alive(pid int) bool
	Count(signature []string) (int, error)
	ResidentMemory() (uint64, error)
}

type Manager struct {
	Repo  repo.Repo
	Opts  Options
	Procs Processes
	Log   logx.Logger
	Now   func() time.Time
	PID   int

	Worker domain.Worker

	bootedAt    time.Time
	lastRefresh time.Time
}

func NewManager(r repo.Repo, opts Options, procs Processes, log logx.Logger) *Manager {
	return &Manager{Repo: r, Opts: opts, Procs: procs, Log: log, Now: time.Now, PID: os.Getpid()}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Boot resolves the record for this process: by pid on this node first,
// then by slot, and creates one if neither exists.
func (m *Manager) Boot(ctx context.Context) error {
	now := m.now()
	m.bootedAt = now
	w, err := m.Repo.GetWorkerByPID(ctx, m.Opts.Node, m.PID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && w.Slot != m.Opts.Slot) {
		w, err = m.Repo.GetWorkerBySlot(ctx, m.Opts.Node, m.Opts.Slot)
	}
	if errors.Is(err, repo.ErrNotFound) {
		w, err = m.Repo.InsertWorker(ctx, domain.Worker{
			Node:      m.Opts.Node,
			Slot:      m.Opts.Slot,
			PID:       m.PID,
			Enabled:   true,
			Running:   true,
			LastSeen:  now,
			Task:      "Starting",
			StartedAt: now,
		})
		if err != nil {
			return fmt.Errorf("register worker %s/%d: %w", m.Opts.Node, m.Opts.Slot, err)
		}
		m.Worker = w
		m.lastRefresh = now
		m.Log.Info("worker registered", logx.Int64("id", w.ID), logx.Int("slot", w.Slot))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve worker %s/%d: %w", m.Opts.Node, m.Opts.Slot, err)
	}
	m.Worker = w
	m.Worker.StartedAt = now
	return m.Refresh(ctx, true, "Starting")
}

// Refresh writes the heartbeat unless the last one is younger than the
// refresh interval. It also reloads the record, picking up the enabled flag.
func (m *Manager) Refresh(ctx context.Context, force bool, status string) error {
	now := m.now()
	if !force && !m.lastRefresh.IsZero() && now.Sub(m.lastRefresh) < m.Opts.RefreshInterval {
		return nil
	}
	w, err := m.Repo.GetWorker(ctx, m.Worker.ID)
	if err != nil {
		return fmt.Errorf("reload worker %d: %w", m.Worker.ID, err)
	}
	startedAt := m.Worker.StartedAt
	m.Worker = w
	m.Worker.StartedAt = startedAt
	m.Worker.Running = true
	m.Worker.PID = m.PID
	m.Worker.LastSeen = now
	m.Worker.Task = status
	if err := m.Repo.UpdateHeartbeat(ctx, m.Worker); err != nil {
		return fmt.Errorf("heartbeat worker %d: %w", m.Worker.ID, err)
	}
	m.lastRefresh = now
	return nil
}

// IsToKill reports whether the process should end its loop, and why.
func (m *Manager) IsToKill(taskCount int) (bool, string) {
	if m.Opts.MaxTasks > 0 && taskCount >= m.Opts.MaxTasks {
		return true, fmt.Sprintf("executed %d tasks", taskCount)
	}
	if m.Opts.MaxAge > 0 && !m.bootedAt.IsZero() && m.now().Sub(m.bootedAt) >= m.Opts.MaxAge {
		return true, fmt.Sprintf("running for more than %s", m.Opts.MaxAge)
	}
	if !m.Worker.Enabled {
		return true, "disabled"
	}
	if m.Procs != nil {
		if m.Opts.MaxMemoryMB > 0 {
			rss, err := m.Procs.ResidentMemory()
			if err == nil && rss > uint64(m.Opts.MaxMemoryMB)*1024*1024 {
				return true, fmt.Sprintf("memory %d MB over limit", rss/(1024*1024))
			}
		}
		n, err := m.Procs.Count(proc.Signature(m.Opts.Slot))
		if err == nil && n > 1 {
			return true, fmt.Sprintf("%d processes serve slot %d", n, m.Opts.Slot)
		}
	}
	return false, ""
}

// Stop marks the record as no longer running.
func (m *Manager) Stop(ctx context.Context) error {
	if m.Worker.ID == 0 {
		return nil
	}
	return m.Repo.SetWorkerStopped(ctx, m.Worker.ID, m.now())
}

// IsRunning reports whether w is alive: flagged running, seen within the
// watchdog window and, for a record on localNode, backed by a live process
// group.
func IsRunning(w domain.Worker, now time.Time, watchdog time.Duration, localNode string, procs Processes) bool {
	if !w.Running {
		return false
	}
	if now.Sub(w.LastSeen) >= watchdog {
		return false
	}
	if w.Node == localNode && procs != nil && !procs.Alive(w.PID) {
		return false
	}
	return true
}
