// Package engine is the scheduler client: submission, status queries and
// maintenance over one database handle. Callers construct it explicitly and
// pass it where needed.
package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/events"
	"jobline/internal/job"
	"jobline/internal/logx"
	"jobline/internal/repo"
	"jobline/internal/runner"
	"jobline/internal/token"
	"jobline/internal/worker"
)

var (
	// ErrDuplicate is returned by Submit when a waiting task with the same
	// discriminator already exists.
	ErrDuplicate = errors.New("duplicate waiting task")
	ErrInvalid   = errors.New("invalid task spec")
)

// Spec describes a task to submit.
type Spec struct {
	Name     string       `json:"name,omitempty"`
	Job      string       `json:"job"`
	Action   string       `json:"action,omitempty"`
	Input    domain.Input `json:"input,omitempty"`
	Priority int          `json:"priority,omitempty"`
	Token    string       `json:"token,omitempty"`
	Index1   string       `json:"index1,omitempty"`
	Index2   string       `json:"index2,omitempty"`
	// Static tasks run again every Frequency minutes after each completion.
	Static    bool       `json:"static,omitempty"`
	Frequency int        `json:"frequency,omitempty"`
	PlannedAt *time.Time `json:"planned_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Publisher
	Config *config.Config
	Jobs   *job.Registry
	// Procs probes local processes for WorkerStatus. Nil trusts heartbeats.
	Procs worker.Processes
	Log   logx.Logger
	Now   func() time.Time
	// PollInterval paces WaitUntilCompleted.
	PollInterval time.Duration
}

func New(db *sql.DB, cfg *config.Config, jobs *job.Registry) *Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	if jobs == nil {
		jobs = job.NewRegistry()
	}
	return &Engine{
		DB:           db,
		Repo:         r,
		Events:       events.Writer{Repo: r},
		Config:       cfg,
		Jobs:         jobs,
		Log:          logx.Nop(),
		Now:          time.Now,
		PollInterval: 200 * time.Millisecond,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Discriminator hashes the job identity, input, token and display settings
// of s. Two specs with the same discriminator describe the same work.
func Discriminator(s Spec) string {
	action := s.Action
	if action == "" {
		action = domain.DefaultAction
	}
	name := s.Name
	if name == "" {
		name = s.Job
	}
	// json.Marshal sorts map keys, so equal inputs hash equally.
	data, _ := json.Marshal(struct {
		Job      string       `json:"job"`
		Action   string       `json:"action"`
		Input    domain.Input `json:"input"`
		Token    string       `json:"token"`
		Name     string       `json:"name"`
		Priority int          `json:"priority"`
	}{s.Job, action, s.Input, s.Token, name, s.Priority})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (e *Engine) build(ctx context.Context, s Spec) (domain.Task, error) {
	s.Job = strings.TrimSpace(s.Job)
	if s.Job == "" {
		return domain.Task{}, fmt.Errorf("%w: job is required", ErrInvalid)
	}
	if !e.Jobs.Has(s.Job) {
		return domain.Task{}, fmt.Errorf("%w: %s", job.ErrUnknownJob, s.Job)
	}
	if s.Frequency < 0 {
		return domain.Task{}, fmt.Errorf("%w: frequency must be >= 0", ErrInvalid)
	}
	if s.Frequency > 0 && !s.Static {
		return domain.Task{}, fmt.Errorf("%w: frequency requires a static task", ErrInvalid)
	}
	if s.Input == nil {
		s.Input = domain.Input{}
	}
	now := e.now()
	t := domain.Task{
		ID:            uuid.NewString(),
		Name:          s.Name,
		Job:           s.Job,
		Action:        s.Action,
		Input:         s.Input,
		Priority:      s.Priority,
		Token:         optional(s.Token),
		Index1:        optional(s.Index1),
		Index2:        optional(s.Index2),
		IsStatic:      s.Static,
		Frequency:     s.Frequency,
		PlannedAt:     s.PlannedAt,
		Discriminator: Discriminator(s),
		CreatedAt:     now,
		CreatedBy:     s.CreatedBy,
	}
	if t.Name == "" {
		t.Name = t.Job
	}
	if t.Action == "" {
		t.Action = domain.DefaultAction
	}
	if t.Token != nil {
		if err := e.Repo.EnsureToken(ctx, *t.Token, now); err != nil {
			return domain.Task{}, fmt.Errorf("ensure token %s: %w", *t.Token, err)
		}
	}
	return t, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Submit enqueues s unless an identical task is already waiting.
func (e *Engine) Submit(ctx context.Context, s Spec) (domain.Task, error) {
	t, err := e.build(ctx, s)
	if err != nil {
		return domain.Task{}, err
	}
	ok, err := e.Repo.InsertTaskUnlessWaiting(ctx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrDuplicate, t.Discriminator)
	}
	e.published(ctx, events.TaskSubmitted, t)
	return t, nil
}

// SubmitUnconditional enqueues s even when an identical task is waiting.
func (e *Engine) SubmitUnconditional(ctx context.Context, s Spec) (domain.Task, error) {
	t, err := e.build(ctx, s)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	e.published(ctx, events.TaskSubmitted, t)
	return t, nil
}

func (e *Engine) published(ctx context.Context, name string, t domain.Task) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, name, events.ForTask(t)); err != nil {
		e.Log.Warn("publish event failed", logx.String("event", name), logx.Err(err))
	}
}

// Status counts tasks matching f.
func (e *Engine) Status(ctx context.Context, f repo.CountFilters) (repo.Counts, error) {
	return e.Repo.CountTasks(ctx, f)
}

// WaitUntilCompleted polls until no task matching f is pending. It reports
// false when timeout elapses first. A zero timeout waits until ctx ends.
func (e *Engine) WaitUntilCompleted(ctx context.Context, timeout time.Duration, f repo.CountFilters) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	interval := e.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c, err := e.Repo.CountTasks(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if c.Pending == 0 {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// WorkerSummary aggregates the workers table.
type WorkerSummary struct {
	Running    int `json:"running"`
	Disabled   int `json:"disabled"`
	Sleeping   int `json:"sleeping"`
	Supervisor int `json:"supervisor"`
}

// WorkerStatus classifies every worker record. Supervisor counts live slot-0
// records; disabled slots count as disabled whatever their state; the rest
// are running when alive and sleeping otherwise.
func (e *Engine) WorkerStatus(ctx context.Context) (WorkerSummary, error) {
	list, err := e.Repo.ListWorkers(ctx, "")
	if err != nil {
		return WorkerSummary{}, err
	}
	now := e.now()
	node := e.Config.NodeName()
	var s WorkerSummary
	for _, w := range list {
		alive := worker.IsRunning(w, now, e.Config.Worker.Watchdog, node, e.Procs)
		switch {
		case w.IsSupervisor():
			if alive {
				s.Supervisor++
			}
		case !w.Enabled:
			s.Disabled++
		case alive:
			s.Running++
		default:
			s.Sleeping++
		}
	}
	return s, nil
}

// Workers lists worker records, optionally for one node.
func (e *Engine) Workers(ctx context.Context, node string) ([]domain.Worker, error) {
	return e.Repo.ListWorkers(ctx, node)
}

// SetWorkerEnabled flips the enabled flag. A disabled worker retires at its
// next refresh and the supervisor stops respawning its slot.
func (e *Engine) SetWorkerEnabled(ctx context.Context, id int64, enabled bool) (domain.Worker, error) {
	if err := e.Repo.SetWorkerEnabled(ctx, id, enabled); err != nil {
		return domain.Worker{}, err
	}
	w, err := e.Repo.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	if e.Events != nil {
		_ = e.Events.Publish(ctx, events.WorkerEnabled, events.Payload{
			"entity_kind": "worker",
			"entity_id":   w.Node + "/" + strconv.Itoa(w.Slot),
			"enabled":     enabled,
		})
	}
	return w, nil
}

func (e *Engine) Task(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e *Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e *Engine) ListTokens(ctx context.Context) ([]domain.Token, error) {
	return e.Repo.ListTokens(ctx)
}

func (e *Engine) LatestEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, evtType, entityKind, entityID)
}

// CleanupReport counts what one Cleanup pass removed or closed.
type CleanupReport struct {
	Tasks     int64 `json:"tasks"`
	Tokens    int64 `json:"tokens"`
	Abandoned int64 `json:"abandoned"`
	Events    int64 `json:"events"`
}

// Cleanup deletes finished tasks and events past retention, drops unused
// tokens and closes tasks whose worker died on their last attempt.
func (e *Engine) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := e.now()
	cfg := e.Config
	var rep CleanupReport
	var err error
	if cfg.Task.Retention > 0 {
		cutoff := now.Add(-cfg.Task.Retention)
		if rep.Tasks, err = e.Repo.DeleteFinishedBefore(ctx, cutoff); err != nil {
			return rep, fmt.Errorf("delete finished tasks: %w", err)
		}
		if rep.Events, err = e.Repo.DeleteEventsBefore(ctx, cutoff.Format(time.RFC3339Nano)); err != nil {
			return rep, fmt.Errorf("delete events: %w", err)
		}
	}
	if cfg.Token.Retention > 0 {
		if rep.Tokens, err = e.Repo.DeleteUnusedTokens(ctx, now.Add(-cfg.Token.Retention), now, cfg.Token.SelfReleaseDelay); err != nil {
			return rep, fmt.Errorf("delete unused tokens: %w", err)
		}
	}
	if rep.Abandoned, err = e.Repo.AbandonExhausted(ctx, now, cfg.Task.MaxTry, cfg.Task.ErrorDelay, "worker lost during final attempt"); err != nil {
		return rep, fmt.Errorf("abandon exhausted tasks: %w", err)
	}
	if e.Events != nil {
		_ = e.Events.Publish(ctx, events.CleanupRan, events.Payload{
			"tasks":     rep.Tasks,
			"tokens":    rep.Tokens,
			"abandoned": rep.Abandoned,
			"events":    rep.Events,
		})
	}
	return rep, nil
}

// TokenManager builds a token manager from the token config.
func (e *Engine) TokenManager() *token.Manager {
	m := token.New(e.Repo, token.Options{
		SelfReleaseDelay: e.Config.Token.SelfReleaseDelay,
		ReleaseAttempts:  e.Config.Token.ReleaseAttempts,
		ReleaseBackoff:   e.Config.Token.ReleaseBackoff,
	}, e.Log)
	m.Now = e.now
	return m
}

// Runner builds a runner for the worker named name ("node/slot").
func (e *Engine) Runner(name string) *runner.Runner {
	cfg := e.Config
	r := runner.New(e.Repo, e.TokenManager(), e.Jobs, e.Events, runner.Options{
		MaxTry:      cfg.Task.MaxTry,
		TryDelay:    cfg.Task.TryDelay,
		ErrorDelay:  cfg.Task.ErrorDelay,
		SelfRelease: cfg.Token.SelfReleaseDelay,
		KeepFor:     cfg.Token.KeepFor,
		StrictClaim: cfg.Task.StrictClaim,
		OutputLimit: cfg.Task.OutputLimit,
		Worker:      name,
	}, e.Log.With(logx.String("worker", name)))
	r.Now = e.now
	return r
}

// WorkerOptions maps the worker config onto slot.
func (e *Engine) WorkerOptions(slot int) worker.Options {
	cfg := e.Config
	return worker.Options{
		Node:            cfg.NodeName(),
		Slot:            slot,
		RefreshInterval: cfg.Worker.RefreshInterval,
		Watchdog:        cfg.Worker.Watchdog,
		MaxTasks:        cfg.Worker.MaxTasks,
		MaxAge:          cfg.Worker.MaxAge,
		MaxMemoryMB:     cfg.Worker.MaxMemoryMB,
	}
}
