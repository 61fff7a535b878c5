// Package proc starts worker processes and answers questions about running
// ones. It is Linux-oriented: liveness uses process groups and process
// counting reads /proc.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spawner starts the process serving a worker slot.
type Spawner interface {
	Spawn(ctx context.Context, slot int) (*Handle, error)
}

// Handle tracks a spawned process until it exits.
type Handle struct {
	PID  int
	Slot int

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewHandle wraps an already started process. wait is called once in the
// background to reap it.
func NewHandle(slot, pid int, wait func() error) *Handle {
	h := &Handle{PID: pid, Slot: slot, done: make(chan struct{})}
	go func() {
		err := wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()
	return h
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error once the process has exited.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Signal sends sig to the whole process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}
	return unix.Kill(-h.PID, sig)
}

// ExecSpawner re-executes a binary as "worker --slot=K".
type ExecSpawner struct {
	// Path is the binary to run; empty means the current executable.
	Path string
	// Args are placed before the worker subcommand, e.g. --config.
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (s ExecSpawner) Spawn(_ context.Context, slot int) (*Handle, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	args := append(append([]string{}, s.Args...), Signature(slot)...)
	// The worker must outlive the spawning request, so its lifetime is not
	// tied to ctx.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker slot %d: %w", slot, err)
	}
	return NewHandle(slot, cmd.Process.Pid, cmd.Wait), nil
}

// Signature is the argument sequence identifying the process of a slot.
// Slot 0 is the supervisor.
func Signature(slot int) []string {
	if slot == 0 {
		return []string{"supervisor"}
	}
	return []string{"worker", "--slot=" + strconv.Itoa(slot)}
}

// Table inspects processes on the local machine.
type Table struct {
	// Root is the procfs mount point; empty means /proc.
	Root string
	// Binary restricts Count to processes whose argv[0] has this base name.
	Binary string
}

// Local returns a Table for the current executable.
func Local() Table {
	bin := filepath.Base(os.Args[0])
	if exe, err := os.Executable(); err == nil {
		bin = filepath.Base(exe)
	}
	return Table{Binary: bin}
}

func (t Table) root() string {
	if t.Root == "" {
		return "/proc"
	}
	return t.Root
}

// Alive reports whether the process group led by pid still has members.
func (t Table) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return false
	}
	err = unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Count returns how many processes carry signature as consecutive arguments.
func (t Table) Count(signature []string) (int, error) {
	entries, err := os.ReadDir(t.root())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(t.root(), e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		argv := strings.Split(string(bytes.TrimRight(raw, "\x00")), "\x00")
		if t.Binary != "" && filepath.Base(argv[0]) != t.Binary {
			continue
		}
		if containsRun(argv[1:], signature) {
			n++
		}
	}
	return n, nil
}

func containsRun(argv, sig []string) bool {
	if len(sig) == 0 {
		return false
	}
	for i := 0; i+len(sig) <= len(argv); i++ {
		match := true
		for j := range sig {
			if argv[i+j] != sig[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ResidentMemory returns the peak resident set size of the calling process
// in bytes.
func (t Table) ResidentMemory() (uint64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	// Linux reports kilobytes.
	return uint64(ru.Maxrss) * 1024, nil
}
