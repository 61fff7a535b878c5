package worker

import (
	"context"
	"strconv"
	"time"

	"jobline/internal/domain"
	"jobline/internal/events"
	"jobline/internal/logx"
	"jobline/internal/runner"
)

// Flags is the cooperative stop/pause interface the loop polls.
// signals.Manager implements it.
type Flags interface {
	StopRequested() bool
	PauseRequested() bool
	Stopping() <-chan struct{}
}

type Loop struct {
	Manager *Manager
	Runner  *runner.Runner
	Flags   Flags
	Events  events.Publisher
	Log     logx.Logger
	PollMin time.Duration
	PollMax time.Duration
	// Sleep waits between polls; tests replace it.
	Sleep func(ctx context.Context, d time.Duration)

	tasks int
}

// Tasks returns how many tasks this loop has executed.
func (l *Loop) Tasks() int { return l.tasks }

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	if l.Sleep != nil {
		l.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-l.Flags.Stopping():
	case <-t.C:
	}
}

// Run polls the runner until ctx ends, a stop is requested or the kill
// policy fires. On exit the held token is released and the record is marked
// stopped.
func (l *Loop) Run(ctx context.Context) error {
	if l.Events == nil {
		l.Events = events.Nop{}
	}
	if err := l.Manager.Boot(ctx); err != nil {
		return err
	}
	w := l.Manager.Worker
	l.Log.Info("worker started", logx.Int64("id", w.ID), logx.Int("slot", w.Slot), logx.Int("pid", l.Manager.PID))
	_ = l.Events.Publish(ctx, events.WorkerStarted, workerPayload(w))

	l.Runner.OnClaim = func(t domain.Task) {
		if err := l.Manager.Refresh(ctx, false, "Working: "+t.Name); err != nil {
			l.Log.Warn("heartbeat failed", logx.Err(err))
		}
	}

	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if err := l.Runner.Close(cleanup); err != nil {
			l.Log.Warn("release token on exit", logx.Err(err))
		}
		if err := l.Manager.Stop(cleanup); err != nil {
			l.Log.Warn("mark worker stopped", logx.Err(err))
		}
		_ = l.Events.Publish(cleanup, events.WorkerStopped, workerPayload(l.Manager.Worker))
		l.Log.Info("worker stopped", logx.Int("tasks", l.tasks))
	}()

	poll := l.PollMin
	backoff := func() {
		l.sleep(ctx, poll)
		poll = min(poll*2, l.PollMax)
	}
	for {
		if ctx.Err() != nil || l.Flags.StopRequested() {
			return nil
		}
		if kill, reason := l.Manager.IsToKill(l.tasks); kill {
			l.Log.Info("worker retiring", logx.String("reason", reason))
			return nil
		}
		if l.Flags.PauseRequested() {
			if err := l.Runner.Close(ctx); err != nil {
				l.Log.Warn("release token on pause", logx.Err(err))
			}
			l.heartbeat(ctx, "Paused")
			l.sleep(ctx, l.PollMax)
			continue
		}
		res, err := l.Runner.Run(ctx)
		if err != nil {
			l.Log.Error("runner failed", logx.Err(err))
			l.heartbeat(ctx, "Error")
			backoff()
			continue
		}
		if res.Worked {
			l.tasks++
			poll = l.PollMin
			l.heartbeat(ctx, "Waiting")
			continue
		}
		l.heartbeat(ctx, "Waiting")
		backoff()
	}
}

func (l *Loop) heartbeat(ctx context.Context, status string) {
	if err := l.Manager.Refresh(ctx, false, status); err != nil {
		l.Log.Warn("heartbeat failed", logx.Err(err))
	}
}

func workerPayload(w domain.Worker) events.Payload {
	return events.Payload{
		"entity_kind": "worker",
		"entity_id":   w.Node + "/" + strconv.Itoa(w.Slot),
		"pid":         w.PID,
	}
}
