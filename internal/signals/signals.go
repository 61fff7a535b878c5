// Package signals turns OS signals and system maintenance locks into two
// cooperative flags, stop and pause, that long-running loops check once per
// iteration.
package signals

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"jobline/internal/logx"
)

type Manager struct {
	Log logx.Logger
	Now func() time.Time
	// LockPoll caches package lock checks for this long.
	LockPoll time.Duration

	stop   atomic.Bool
	pause  atomic.Bool
	stopCh chan struct{}
	once   sync.Once

	mu            sync.Mutex
	locks         []string
	lockCheckedAt time.Time
	lockHeld      bool
}

func New(locks []string, lockPoll time.Duration, log logx.Logger) *Manager {
	return &Manager{
		Log:      log,
		Now:      time.Now,
		LockPoll: lockPoll,
		locks:    locks,
		stopCh:   make(chan struct{}),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Listen installs the signal handlers until ctx is done:
// SIGINT, SIGTERM and SIGQUIT request a stop, SIGUSR1 pauses and SIGUSR2
// resumes.
func (m *Manager) Listen(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				m.handle(sig)
			}
		}
	}()
}

func (m *Manager) handle(sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		m.Log.Info("pause requested", logx.String("signal", sig.String()))
		m.Pause()
	case syscall.SIGUSR2:
		m.Log.Info("resume requested", logx.String("signal", sig.String()))
		m.Resume()
	default:
		m.Log.Info("stop requested", logx.String("signal", sig.String()))
		m.RequestStop()
	}
}

// RequestStop sets the stop flag. It is safe to call more than once.
func (m *Manager) RequestStop() {
	m.stop.Store(true)
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) StopRequested() bool { return m.stop.Load() }

// Stopping is closed once a stop has been requested. Loops select on it
// while sleeping so a stop cuts the sleep short.
func (m *Manager) Stopping() <-chan struct{} { return m.stopCh }

func (m *Manager) Pause()  { m.pause.Store(true) }
func (m *Manager) Resume() { m.pause.Store(false) }

// SetLocks replaces the package lock list, e.g. after a config reload.
func (m *Manager) SetLocks(locks []string) {
	m.mu.Lock()
	m.locks = locks
	m.lockCheckedAt = time.Time{}
	m.mu.Unlock()
}

// PauseRequested is true after SIGUSR1 until SIGUSR2, and while any
// configured package manager lock is held.
func (m *Manager) PauseRequested() bool {
	if m.pause.Load() {
		return true
	}
	return m.maintenance()
}

func (m *Manager) maintenance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.lockCheckedAt.IsZero() && now.Sub(m.lockCheckedAt) < m.LockPoll {
		return m.lockHeld
	}
	m.lockCheckedAt = now
	held := false
	for _, path := range m.locks {
		ok, err := LockHeld(path)
		if err != nil {
			m.Log.Debug("package lock check failed", logx.String("path", path), logx.Err(err))
			continue
		}
		if ok {
			held = true
			break
		}
	}
	if held != m.lockHeld {
		if held {
			m.Log.Info("system package manager busy; pausing")
		} else {
			m.Log.Info("system package manager idle; resuming")
		}
	}
	m.lockHeld = held
	return held
}

// LockHeld reports whether another process holds path. Files ending in
// ".pid" count as held while they exist; other files are probed for a POSIX
// record lock.
func LockHeld(path string) (bool, error) {
	if strings.HasSuffix(path, ".pid") {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lk); err != nil {
		return false, err
	}
	return lk.Type != unix.F_UNLCK, nil
}
