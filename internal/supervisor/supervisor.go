// Package supervisor keeps the configured number of worker processes alive
// on one node and runs periodic maintenance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/logx"
	"jobline/internal/proc"
	"jobline/internal/worker"
)

// ErrDuplicate is returned by Run when another supervisor serves this node.
var ErrDuplicate = errors.New("another supervisor is running on this node")

type Supervisor struct {
	Engine     *engine.Engine
	Manager    *worker.Manager
	Spawner    proc.Spawner
	Procs      worker.Processes
	Flags      worker.Flags
	Dispatcher *events.Dispatcher
	Log        logx.Logger
	Now        func() time.Time
	// Notify sends a state string to the service manager. It defaults to
	// sd_notify and is a no-op outside systemd.
	Notify func(state string)
	// ConfigPath is watched for changes when the config enables it.
	ConfigPath string
	// OnReload runs after a reloaded config has been applied.
	OnReload func(*config.Config)
	// Grace bounds how long Run waits for workers after SIGTERM.
	Grace time.Duration

	mu          sync.Mutex
	cfg         *config.Config
	limiter     *rate.Limiter
	schedule    cron.Schedule
	nextCleanup time.Time
	handles     map[int]*proc.Handle
	ready       bool
}

func New(eng *engine.Engine, spawner proc.Spawner, procs worker.Processes, flags worker.Flags, log logx.Logger) *Supervisor {
	opts := eng.WorkerOptions(0)
	// The supervisor is not recycled by task count, age or memory.
	opts.MaxTasks, opts.MaxAge, opts.MaxMemoryMB = 0, 0, 0
	m := worker.NewManager(eng.Repo, opts, procs, log)
	s := &Supervisor{
		Engine:  eng,
		Manager: m,
		Spawner: spawner,
		Procs:   procs,
		Flags:   flags,
		Log:     log,
		Now:     time.Now,
		Notify:  func(state string) { _, _ = daemon.SdNotify(false, state) },
		Grace:   10 * time.Second,
		handles: map[int]*proc.Handle{},
	}
	s.Apply(eng.Config)
	return s
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Apply installs cfg. It is called at start and on every config reload.
func (s *Supervisor) Apply(cfg *config.Config) {
	sched, err := cfg.CleanupSchedule()
	if err != nil {
		s.Log.Warn("invalid cleanup schedule; keeping previous", logx.Err(err))
	}
	burst := cfg.Supervisor.SpawnBurst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.Supervisor.SpawnInterval > 0 {
		limit = rate.Every(cfg.Supervisor.SpawnInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(limit, burst)
	} else {
		s.limiter.SetLimit(limit)
		s.limiter.SetBurst(burst)
	}
	if sched != nil {
		s.schedule = sched
		s.nextCleanup = time.Time{}
	}
	s.Manager.Opts.RefreshInterval = cfg.Worker.RefreshInterval
	s.Manager.Opts.Watchdog = cfg.Worker.Watchdog
	if s.Dispatcher != nil {
		s.Dispatcher.SetWebhooks(cfg.Webhooks)
	}
}

func (s *Supervisor) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Handles returns the slots with a process started by this supervisor.
func (s *Supervisor) Handles() map[int]*proc.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*proc.Handle, len(s.handles))
	for k, v := range s.handles {
		out[k] = v
	}
	return out
}

// Tick runs one supervision pass: heartbeat, respawn missing workers, retire
// slots above the configured count and run cleanup when due.
func (s *Supervisor) Tick(ctx context.Context) error {
	if err := s.Manager.Refresh(ctx, false, "Supervising"); err != nil {
		return fmt.Errorf("supervisor heartbeat: %w", err)
	}
	cfg := s.config()
	if s.Flags != nil && s.Flags.PauseRequested() {
		s.Log.Debug("paused; not spawning")
	} else if err := s.spawnMissing(ctx, cfg); err != nil {
		return err
	}
	s.retireExtra(cfg.Worker.Count)
	s.cleanup(ctx)
	return nil
}

func (s *Supervisor) spawnMissing(ctx context.Context, cfg *config.Config) error {
	node := cfg.NodeName()
	list, err := s.Engine.Repo.ListWorkers(ctx, node)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	bySlot := make(map[int]domain.Worker, len(list))
	for _, w := range list {
		bySlot[w.Slot] = w
	}
	now := s.now()
	for slot := 1; slot <= cfg.Worker.Count; slot++ {
		if h := s.handle(slot); h != nil {
			if !h.Exited() {
				continue
			}
			s.forget(slot, h)
		}
		if w, ok := bySlot[slot]; ok {
			if !w.Enabled {
				continue
			}
			if worker.IsRunning(w, now, cfg.Worker.Watchdog, node, s.Procs) {
				continue
			}
		}
		if !s.limiter.Allow() {
			s.Log.Debug("spawn rate limited", logx.Int("slot", slot))
			return nil
		}
		h, err := s.Spawner.Spawn(ctx, slot)
		if err != nil {
			s.Log.Error("spawn worker failed", logx.Int("slot", slot), logx.Err(err))
			continue
		}
		s.mu.Lock()
		s.handles[slot] = h
		s.mu.Unlock()
		s.Log.Info("worker spawned", logx.Int("slot", slot), logx.Int("pid", h.PID))
		_ = s.Engine.Events.Publish(ctx, events.WorkerSpawned, events.Payload{
			"entity_kind": "worker",
			"entity_id":   node + "/" + strconv.Itoa(slot),
			"pid":         h.PID,
		})
	}
	return nil
}

func (s *Supervisor) handle(slot int) *proc.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[slot]
}

func (s *Supervisor) forget(slot int, h *proc.Handle) {
	if err := h.Err(); err != nil {
		s.Log.Warn("worker exited", logx.Int("slot", slot), logx.Int("pid", h.PID), logx.Err(err))
	} else {
		s.Log.Debug("worker exited", logx.Int("slot", slot), logx.Int("pid", h.PID))
	}
	s.mu.Lock()
	delete(s.handles, slot)
	s.mu.Unlock()
}

// retireExtra asks workers above count to stop after their current task.
func (s *Supervisor) retireExtra(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot, h := range s.handles {
		if slot <= count || h.Exited() {
			continue
		}
		s.Log.Info("retiring worker above configured count", logx.Int("slot", slot), logx.Int("pid", h.PID))
		if err := h.Signal(syscall.SIGTERM); err != nil {
			s.Log.Warn("signal worker", logx.Int("slot", slot), logx.Err(err))
		}
		delete(s.handles, slot)
	}
}

func (s *Supervisor) cleanup(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	if s.schedule == nil {
		s.mu.Unlock()
		return
	}
	if s.nextCleanup.IsZero() {
		s.nextCleanup = s.schedule.Next(now)
	}
	due := !now.Before(s.nextCleanup)
	if due {
		s.nextCleanup = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	rep, err := s.Engine.Cleanup(ctx)
	if err != nil {
		s.Log.Error("cleanup failed", logx.Err(err))
		return
	}
	s.Log.Info("cleanup done",
		logx.Int64("tasks", rep.Tasks),
		logx.Int64("tokens", rep.Tokens),
		logx.Int64("abandoned", rep.Abandoned),
		logx.Int64("events", rep.Events))
}

// Run supervises until ctx ends, a stop is requested or the supervisor
// record is disabled. Spawned workers receive SIGTERM on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Procs != nil {
		if n, err := s.Procs.Count(proc.Signature(0)); err == nil && n > 1 {
			return ErrDuplicate
		}
	}
	if err := s.Manager.Boot(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.Dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispatcher.Run(ctx)
		}()
	}
	if s.ConfigPath != "" && s.config().Supervisor.WatchConfig {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, s.ConfigPath, s.Log, func(cfg *config.Config) {
				s.Log.Info("config reloaded", logx.Int("workers", cfg.Worker.Count))
				s.Apply(cfg)
				if s.OnReload != nil {
					s.OnReload(cfg)
				}
			})
			if err != nil && ctx.Err() == nil {
				s.Log.Warn("config watch stopped", logx.Err(err))
			}
		}()
	}

	defer func() {
		cancel()
		wg.Wait()
		s.shutdown()
	}()

	for {
		if s.Flags != nil && s.Flags.StopRequested() {
			return nil
		}
		if kill, reason := s.Manager.IsToKill(0); kill {
			s.Log.Info("supervisor exiting", logx.String("reason", reason))
			return nil
		}
		if err := s.Tick(ctx); err != nil {
			s.Log.Error("supervisor tick failed", logx.Err(err))
		} else if !s.ready {
			s.ready = true
			s.notify(daemon.SdNotifyReady)
		}
		s.notify(daemon.SdNotifyWatchdog)

		t := time.NewTimer(s.config().Supervisor.Interval)
		var stopping <-chan struct{}
		if s.Flags != nil {
			stopping = s.Flags.Stopping()
		}
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-stopping:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) notify(state string) {
	if s.Notify != nil {
		s.Notify(state)
	}
}

func (s *Supervisor) shutdown() {
	s.notify(daemon.SdNotifyStopping)
	handles := s.Handles()
	for slot, h := range handles {
		if h.Exited() {
			continue
		}
		if err := h.Signal(syscall.SIGTERM); err != nil {
			s.Log.Warn("signal worker", logx.Int("slot", slot), logx.Err(err))
		}
	}
	deadline := time.NewTimer(s.Grace)
	defer deadline.Stop()
wait:
	for slot, h := range handles {
		select {
		case <-h.Done():
		case <-deadline.C:
			s.Log.Warn("worker did not exit in time", logx.Int("slot", slot), logx.Int("pid", h.PID))
			break wait
		}
	}
	cleanup := context.Background()
	if err := s.Manager.Stop(cleanup); err != nil {
		s.Log.Warn("mark supervisor stopped", logx.Err(err))
	}
	s.Log.Info("supervisor stopped")
}
