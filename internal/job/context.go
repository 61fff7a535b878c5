package job

import (
	"context"
	"io"

	"jobline/internal/domain"
	"jobline/internal/logx"
)

type ctxKey int

const (
	outputKey ctxKey = iota
	loggerKey
	taskKey
)

// Env is what the runner hands to a job through its context.
type Env struct {
	Output io.Writer
	Log    logx.Logger
	Task   domain.Task
}

// WithEnv attaches env to ctx.
func WithEnv(ctx context.Context, env Env) context.Context {
	ctx = context.WithValue(ctx, outputKey, env.Output)
	ctx = context.WithValue(ctx, loggerKey, env.Log)
	return context.WithValue(ctx, taskKey, env.Task)
}

// Output is where a job writes text to be kept with the task.
func Output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey).(io.Writer); ok && w != nil {
		return w
	}
	return io.Discard
}

func Logger(ctx context.Context) logx.Logger {
	if l, ok := ctx.Value(loggerKey).(logx.Logger); ok {
		return l
	}
	return logx.Nop()
}

// Task returns a copy of the task being run.
func Task(ctx context.Context) (domain.Task, bool) {
	t, ok := ctx.Value(taskKey).(domain.Task)
	return t, ok
}
