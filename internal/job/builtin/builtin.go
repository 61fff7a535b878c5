// Package builtin holds the jobs every jobline binary ships with.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jobline/internal/domain"
	"jobline/internal/job"
)

type Options struct {
	// BatchPageSize bounds how many items a batch job handles per attempt.
	BatchPageSize int
}

// Register adds the builtin jobs to reg.
func Register(reg *job.Registry, opts Options) {
	if opts.BatchPageSize <= 0 {
		opts.BatchPageSize = 100
	}
	reg.Register("echo", newEcho)
	reg.Register("sleep", newSleep)
	reg.Register("fail", newFail)
	reg.Register("range", func(in domain.Input) (job.Job, error) { return newRange(in, opts.BatchPageSize) })
	reg.Register("heartbeat", newHeartbeat)
}

// echo writes input["message"] to the task output.
type echo struct {
	job.Base
	message string
	shout   bool
}

func newEcho(in domain.Input) (job.Job, error) {
	return &echo{message: in.String("message"), shout: in.Bool("shout")}, nil
}

func (j *echo) Validate(context.Context) error {
	if j.message == "" {
		return job.NoRetry(errors.New("message is required"))
	}
	return nil
}

func (j *echo) Execute(ctx context.Context) error {
	_, err := fmt.Fprintln(job.Output(ctx), j.message)
	return err
}

func (j *echo) Action(name string) (func(context.Context) error, bool) {
	if name != "shout" {
		return nil, false
	}
	return func(ctx context.Context) error {
		_, err := fmt.Fprintf(job.Output(ctx), "%s!\n", j.message)
		return err
	}, true
}

// sleep blocks for input["duration"].
type sleep struct {
	job.Base
	d time.Duration
}

func newSleep(in domain.Input) (job.Job, error) {
	return &sleep{d: in.Duration("duration")}, nil
}

func (j *sleep) Execute(ctx context.Context) error {
	if j.d <= 0 {
		return nil
	}
	t := time.NewTimer(j.d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		fmt.Fprintf(job.Output(ctx), "slept %s\n", j.d)
		return nil
	}
}

// fail always fails, or panics when input["panic"] is set.
type fail struct {
	job.Base
	reason    string
	panics    bool
	permanent bool
}

func newFail(in domain.Input) (job.Job, error) {
	reason := in.String("reason")
	if reason == "" {
		reason = "requested failure"
	}
	return &fail{reason: reason, panics: in.Bool("panic"), permanent: in.Bool("no_retry")}, nil
}

func (j *fail) Execute(context.Context) error {
	if j.panics {
		panic(j.reason)
	}
	err := errors.New(j.reason)
	if j.permanent {
		return job.NoRetry(err)
	}
	return err
}

// rangeJob counts from 0 to input["count"], one page per attempt.
type rangeJob struct {
	job.Base
	state job.BatchState
}

func newRange(in domain.Input, pageSize int) (job.Job, error) {
	state, err := job.LoadBatch(in, pageSize)
	if err != nil {
		return nil, err
	}
	if state.Total == 0 {
		state.Total = in.Int("count")
	}
	return &rangeJob{state: state}, nil
}

func (j *rangeJob) Validate(context.Context) error {
	if j.state.Total < 0 {
		return job.NoRetry(fmt.Errorf("count must be >= 0, got %d", j.state.Total))
	}
	return nil
}

func (j *rangeJob) Execute(ctx context.Context) error {
	out := job.Output(ctx)
	next := j.state.Completed + j.state.Failed
	for n := j.state.Slice(); n > 0; n-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(out, "item %d\n", next)
		next++
		j.state.Completed++
	}
	j.state.Cursor = strconv.Itoa(next)
	j.state.Done = j.state.Remaining() == 0
	return nil
}

func (j *rangeJob) StateSlice() *job.BatchState { return &j.state }

// heartbeat is a static job that records that the pool is alive.
type heartbeat struct {
	job.Base
	every time.Duration
}

func newHeartbeat(in domain.Input) (job.Job, error) {
	every := in.Duration("every")
	if every <= 0 {
		every = time.Minute
	}
	return &heartbeat{every: every}, nil
}

func (j *heartbeat) Execute(ctx context.Context) error {
	task, _ := job.Task(ctx)
	fmt.Fprintf(job.Output(ctx), "alive %s\n", task.Name)
	return nil
}

func (j *heartbeat) Frequency() time.Duration { return j.every }
