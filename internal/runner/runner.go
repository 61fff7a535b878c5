// Package runner pulls one task at a time from the store and drives it
// through its job lifecycle.
//
// A Runner is owned by a single worker loop and is not safe for concurrent
// use. Between calls it remembers the token it holds, so a worker keeps
// serving one token's backlog until the backlog is empty or the keep budget
// runs out.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"jobline/internal/domain"
	"jobline/internal/events"
	"jobline/internal/job"
	"jobline/internal/logx"
	"jobline/internal/repo"
	"jobline/internal/token"
)

type Options struct {
	MaxTry      int
	TryDelay    time.Duration
	ErrorDelay  time.Duration
	SelfRelease time.Duration
	// KeepFor is how long a worker may keep a token between tasks before
	// yielding it to other workers.
	KeepFor     time.Duration
	StrictClaim bool
	OutputLimit int
	// Worker is recorded on claimed tasks, usually "node/slot".
	Worker string
}

// Result describes one Run cycle.
type Result struct {
	Worked   bool
	TaskID   string
	Success  bool
	Finished bool
	Fault    string
	// Refused is set when the selected task's token could not be acquired.
	Refused bool
}

type Runner struct {
	Repo   repo.Repo
	Tokens *token.Manager
	Jobs   *job.Registry
	Events events.Publisher
	Log    logx.Logger
	Opts   Options
	Now    func() time.Time
	// OnClaim, when set, is called after a task is claimed and before its
	// job runs.
	OnClaim func(domain.Task)

	held      *domain.Token
	heldSince time.Time
	refusals  int
}

func New(r repo.Repo, tokens *token.Manager, jobs *job.Registry, pub events.Publisher, opts Options, log logx.Logger) *Runner {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Runner{Repo: r, Tokens: tokens, Jobs: jobs, Events: pub, Log: log, Opts: opts, Now: time.Now}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Held returns the name of the token kept between runs, if any.
func (r *Runner) Held() string {
	if r.held == nil {
		return ""
	}
	return r.held.Name
}

// Refusals counts token acquisitions refused after selection. Selection
// already skips held tokens, so a growing count points at clock skew or a
// lease shorter than task runtimes.
func (r *Runner) Refusals() int { return r.refusals }

// Close releases any token still held.
func (r *Runner) Close(ctx context.Context) error {
	return r.release(ctx)
}

func (r *Runner) release(ctx context.Context) error {
	if r.held == nil {
		return nil
	}
	held := r.held
	r.held = nil
	if err := r.Tokens.ReleaseHeld(ctx, held); err != nil {
		if errors.Is(err, token.ErrLeaseLost) {
			r.Log.Warn("held token taken over before release", logx.String("token", held.Name), logx.Err(err))
			return nil
		}
		return err
	}
	r.Log.Debug("token released", logx.String("token", held.Name))
	return nil
}

func (r *Runner) filters(now time.Time, tokenName string, static bool) repo.NextTaskFilters {
	return repo.NextTaskFilters{
		Now:         now,
		MaxTry:      r.Opts.MaxTry,
		TryDelay:    r.Opts.TryDelay,
		ErrorDelay:  r.Opts.ErrorDelay,
		SelfRelease: r.Opts.SelfRelease,
		Token:       tokenName,
		Static:      static,
	}
}

// next finds the next task, preferring the held token while its keep budget
// lasts. Static tasks are looked at only when no regular task is eligible.
func (r *Runner) next(ctx context.Context, now time.Time) (domain.Task, bool, error) {
	if r.held != nil {
		if now.Sub(r.heldSince) < r.Opts.KeepFor {
			for _, static := range []bool{false, true} {
				t, err := r.Repo.NextTask(ctx, r.filters(now, r.held.Name, static))
				if err == nil {
					return t, true, nil
				}
				if !errors.Is(err, repo.ErrNotFound) {
					return t, false, err
				}
			}
		}
		if err := r.release(ctx); err != nil {
			return domain.Task{}, false, err
		}
	}
	for _, static := range []bool{false, true} {
		t, err := r.Repo.NextTask(ctx, r.filters(now, "", static))
		if err == nil {
			return t, true, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return t, false, err
		}
	}
	return domain.Task{}, false, nil
}

// acquire takes the token of t, reusing the held one when it matches.
func (r *Runner) acquire(ctx context.Context, t domain.Task, now time.Time) error {
	name := t.TokenName()
	if r.held != nil && r.held.Name == name {
		err := r.Tokens.Renew(ctx, r.held)
		if err == nil {
			return nil
		}
		if !errors.Is(err, token.ErrRefused) {
			return err
		}
		r.Log.Warn("held token lost its lease", logx.String("token", name))
		r.held = nil
	}
	if err := r.release(ctx); err != nil {
		return err
	}
	tok, err := r.Tokens.Acquire(ctx, name)
	if err != nil {
		return err
	}
	if tok != nil {
		r.held = tok
		r.heldSince = now
	}
	return nil
}

// Run executes at most one task. Job failures are recorded on the task and
// never returned; the error result is reserved for store failures.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	now := r.now()
	task, ok, err := r.next(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("select task: %w", err)
	}
	if !ok {
		return Result{}, nil
	}
	log := r.Log.With(logx.String("task", task.ID), logx.String("job", task.Job))

	if err := r.acquire(ctx, task, now); err != nil {
		if errors.Is(err, token.ErrRefused) {
			r.refusals++
			log.Warn("token refused after selection", logx.String("token", task.TokenName()), logx.Int("refusals", r.refusals))
			_ = r.Events.Publish(ctx, events.TokenRefused, eventPayload(task))
			return Result{TaskID: task.ID, Refused: true}, nil
		}
		return Result{}, fmt.Errorf("acquire token: %w", err)
	}

	prev := task
	task.Try++
	task.Running = true
	task.Finished = false
	task.StartedAt = &now
	task.FinishedAt = nil
	task.Fault = nil
	task.FaultTrace = nil
	if r.Opts.Worker != "" {
		w := r.Opts.Worker
		task.Worker = &w
	}
	claimed, err := r.Repo.ClaimTask(ctx, task, prev, r.Opts.StrictClaim)
	if err != nil {
		return Result{}, fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		log.Debug("task claimed by another worker")
		return Result{}, nil
	}
	if r.OnClaim != nil {
		r.OnClaim(task)
	}

	out := &bytes.Buffer{}
	start := time.Now()
	j, trace, runErr := r.execute(ctx, task, out, log)
	task.DurationMS = time.Since(start).Milliseconds()

	r.finalize(&task, j, runErr, trace, out.String())

	// Persist even when the caller is shutting down.
	if err := r.Repo.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		return Result{}, fmt.Errorf("persist task %s: %w", task.ID, err)
	}

	res := Result{Worked: true, TaskID: task.ID, Success: runErr == nil, Finished: task.Finished}
	switch {
	case runErr == nil && task.Finished:
		log.Info("task completed", logx.Int64("duration_ms", task.DurationMS))
		_ = r.Events.Publish(ctx, events.TaskCompleted, eventPayload(task))
	case runErr == nil:
		log.Debug("task slice completed", logx.Int64("duration_ms", task.DurationMS))
	case task.Finished:
		res.Fault = *task.Fault
		log.Error("task abandoned", logx.Int("try", task.Try), logx.Err(runErr))
		_ = r.Events.Publish(ctx, events.TaskAbandoned, eventPayload(task))
	default:
		res.Fault = *task.Fault
		log.Warn("task failed", logx.Int("try", task.Try), logx.Err(runErr))
		_ = r.Events.Publish(ctx, events.TaskFailed, eventPayload(task))
	}
	return res, nil
}

// execute builds the job and runs its lifecycle. The returned job is nil
// when it could not be built.
func (r *Runner) execute(ctx context.Context, task domain.Task, out *bytes.Buffer, log logx.Logger) (job.Job, string, error) {
	j, fn, trace, err := r.build(task)
	if err != nil {
		if j != nil {
			jctx := job.WithEnv(ctx, job.Env{Output: out, Log: log, Task: task})
			if _, cerr := protect(jctx, "close", j.Close); cerr != nil {
				log.Warn("job close failed", logx.Err(cerr))
			}
		}
		return j, trace, err
	}
	jctx := job.WithEnv(ctx, job.Env{Output: out, Log: log, Task: task})
	trace, err = lifecycle(jctx, j, fn)
	return j, trace, err
}

// build resolves the job and its action. Factories and Action see raw task
// input, so a panic here is recorded like any other step panic.
func (r *Runner) build(task domain.Task) (j job.Job, fn func(context.Context) error, trace string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			fn = nil
			trace = string(debug.Stack())
			err = &PanicError{Step: "build", Value: rec}
		}
	}()
	if j, err = r.Jobs.Resolve(task.Job, task.Input); err != nil {
		return nil, nil, "", err
	}
	fn, err = job.ActionFunc(j, task.Action)
	return j, fn, "", err
}

// lifecycle runs validate, prepare, the action and finalize, stopping at the
// first failure. Close is always attempted.
func lifecycle(ctx context.Context, j job.Job, fn func(context.Context) error) (trace string, err error) {
	defer func() {
		ctrace, cerr := protect(ctx, "close", j.Close)
		if err == nil && cerr != nil {
			trace, err = ctrace, cerr
		}
	}()
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"validate", j.Validate},
		{"prepare", j.Prepare},
		{"execute", fn},
		{"finalize", j.Finalize},
	}
	for _, step := range steps {
		if trace, err = protect(ctx, step.name, step.fn); err != nil {
			return trace, err
		}
	}
	return "", nil
}

// PanicError is the fault recorded when a job step panics.
type PanicError struct {
	Step  string
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("%s: panic: %v", e.Step, e.Value) }

func protect(ctx context.Context, step string, fn func(context.Context) error) (trace string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			trace = string(debug.Stack())
			err = &PanicError{Step: step, Value: rec}
		}
	}()
	if err := fn(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", step, err)
	}
	return "", nil
}

// finalize applies the outcome of one attempt to task.
func (r *Runner) finalize(task *domain.Task, j job.Job, runErr error, trace, output string) {
	end := r.now()
	task.Running = false
	task.Output = appendOutput(task.Output, output, r.Opts.OutputLimit)
	if runErr == nil {
		task.Finished = true
	} else {
		msg := runErr.Error()
		task.Fault = &msg
		if trace != "" {
			task.FaultTrace = &trace
		}
		if job.IsNoRetry(runErr) {
			task.Finished = true
		}
	}
	if task.Try >= r.Opts.MaxTry {
		task.Finished = true
	}
	if runErr == nil && j != nil {
		if c, ok := j.(job.Continuable); ok {
			if state := c.StateSlice(); state != nil {
				if task.Input == nil {
					task.Input = domain.Input{}
				}
				if err := job.StoreBatch(task.Input, *state); err != nil {
					r.Log.Error("store batch state", logx.String("task", task.ID), logx.Err(err))
				}
				if !state.Done {
					task.Finished = false
					task.Try = 0
				}
			}
		}
	}
	if task.Finished {
		task.FinishedAt = &end
		if task.IsStatic {
			task.Try = 0
			next := end.Add(frequency(*task, j))
			task.PlannedAt = &next
		}
	}
}

func frequency(t domain.Task, j job.Job) time.Duration {
	if t.Frequency > 0 {
		return time.Duration(t.Frequency) * time.Minute
	}
	if p, ok := j.(job.Periodic); ok && p.Frequency() > 0 {
		return p.Frequency()
	}
	return time.Minute
}

// appendOutput keeps at most limit bytes, dropping the oldest text.
func appendOutput(prev, add string, limit int) string {
	s := prev + add
	if limit > 0 && len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

func eventPayload(t domain.Task) events.Payload {
	p := events.ForTask(t)
	p["finished"] = t.Finished
	p["duration_ms"] = t.DurationMS
	return p
}
