// Package job defines the contract between the runner and the code it runs.
//
// A job is built fresh for every attempt from its registered factory and the
// task input. Lifecycle steps return an error to report a failed step; a panic
// is treated the same way by the runner, with a stack trace attached.
//
// Optional behaviour is expressed as small capability interfaces that the
// runner detects with type assertions:
//
//	Actioner     named actions other than "execute"
//	Periodic     static tasks re-planned every Frequency()
//	Continuable  batch jobs that run one slice per attempt
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobline/internal/domain"
)

var (
	ErrUnknownJob    = errors.New("unknown job")
	ErrUnknownAction = errors.New("unknown action")
)

// Job is implemented by every runnable unit of work.
type Job interface {
	Validate(ctx context.Context) error
	Prepare(ctx context.Context) error
	Execute(ctx context.Context) error
	Finalize(ctx context.Context) error
	Close(ctx context.Context) error
}

// Base provides no-op lifecycle methods. Embed it and override what you need.
type Base struct{}

func (Base) Validate(context.Context) error { return nil }
func (Base) Prepare(context.Context) error  { return nil }
func (Base) Execute(context.Context) error  { return nil }
func (Base) Finalize(context.Context) error { return nil }
func (Base) Close(context.Context) error    { return nil }

// Actioner exposes actions beyond Execute.
type Actioner interface {
	Action(name string) (func(ctx context.Context) error, bool)
}

// Periodic marks a static job.
type Periodic interface {
	Frequency() time.Duration
}

// Continuable marks a batch job. StateSlice returns the progress state the
// job updated during this attempt.
type Continuable interface {
	StateSlice() *BatchState
}

// Factory builds a job from a task input.
type Factory func(in domain.Input) (Job, error)

// Registry maps job names to factories. The zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory. Registering the same name twice panics.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = map[string]Factory{}
	}
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("job %q registered twice", name))
	}
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered jobs in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the named job.
func (r *Registry) Resolve(name string, in domain.Input) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	j, err := f(in)
	if err != nil {
		return nil, fmt.Errorf("build job %s: %w", name, err)
	}
	if j == nil {
		return nil, fmt.Errorf("build job %s: factory returned nil", name)
	}
	return j, nil
}

// ActionFunc returns the method for action on j.
func ActionFunc(j Job, action string) (func(ctx context.Context) error, error) {
	if action == "" || action == domain.DefaultAction {
		return j.Execute, nil
	}
	if a, ok := j.(Actioner); ok {
		if fn, ok := a.Action(action); ok && fn != nil {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// NoRetry marks an error as permanent. The runner finishes the task on the
// current attempt instead of waiting for the retry budget to run out.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
