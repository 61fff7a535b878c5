// Package token implements named, time-leased mutexes on top of the tokens
// table.
//
// A token is held while it is locked and its lease is younger than the
// self-release delay. Ownership is not recorded: whoever believes they hold a
// token may release it. Lock and unlock are compare-and-set updates on the
// version column, so two processes racing for the same token resolve to one
// winner without any in-memory coordination.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobline/internal/domain"
	"jobline/internal/logx"
	"jobline/internal/repo"
)

var (
	// ErrRefused means the token is held by someone else or a concurrent
	// acquirer won the compare-and-set. It is not a failure.
	ErrRefused = errors.New("token refused")
	// ErrReleaseConflict means every release attempt lost a version race.
	ErrReleaseConflict = errors.New("token release conflict")
	// ErrLeaseLost means the lease expired and someone else locked the
	// token before the caller released it.
	ErrLeaseLost = errors.New("token lease lost")
)

// Store is the part of the repository the manager needs. repo.Repo
// implements it.
type Store interface {
	EnsureToken(ctx context.Context, name string, now time.Time) error
	GetToken(ctx context.Context, name string) (domain.Token, error)
	LockToken(ctx context.Context, name string, version int64, now time.Time) (bool, error)
	UnlockToken(ctx context.Context, name string, version int64, now time.Time) (bool, error)
	TouchToken(ctx context.Context, name string, version int64, now time.Time) (bool, error)
}

type Options struct {
	SelfReleaseDelay time.Duration
	ReleaseAttempts  int
	ReleaseBackoff   time.Duration
}

type Manager struct {
	Repo Store
	Opts Options
	Log  logx.Logger
	Now  func() time.Time
	// Sleep waits between release attempts. Tests replace it to avoid
	// real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(r Store, opts Options, log logx.Logger) *Manager {
	return &Manager{Repo: r, Opts: opts, Log: log, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep != nil {
		return m.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsHeld reports whether tok is currently leased.
func (m *Manager) IsHeld(tok domain.Token, now time.Time) bool {
	return tok.Held(now, m.Opts.SelfReleaseDelay)
}

// Acquire locks the named token. An empty name needs no lock and returns
// (nil, nil). A held token, or a lost race, returns ErrRefused.
func (m *Manager) Acquire(ctx context.Context, name string) (*domain.Token, error) {
	if name == "" {
		return nil, nil
	}
	now := m.now()
	if err := m.Repo.EnsureToken(ctx, name, now); err != nil {
		return nil, fmt.Errorf("ensure token %s: %w", name, err)
	}
	tok, err := m.Repo.GetToken(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", name, err)
	}
	if m.IsHeld(tok, now) {
		return nil, ErrRefused
	}
	ok, err := m.Repo.LockToken(ctx, name, tok.Version, now)
	if err != nil {
		return nil, fmt.Errorf("lock token %s: %w", name, err)
	}
	if !ok {
		m.Log.Debug("token lock lost race", logx.String("token", name), logx.Int64("version", tok.Version))
		return nil, ErrRefused
	}
	tok.Locked = true
	tok.LockedAt = &now
	tok.Version++
	tok.UsedAt = &now
	return &tok, nil
}

// Release unlocks the named token. An unlocked or unknown token is a no-op.
// Version conflicts are retried with exponential backoff up to
// ReleaseAttempts times.
func (m *Manager) Release(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	attempts := m.Opts.ReleaseAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := m.Opts.ReleaseBackoff
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := m.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		tok, err := m.Repo.GetToken(ctx, name)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load token %s: %w", name, err)
		}
		if !tok.Locked {
			return nil
		}
		ok, err := m.Repo.UnlockToken(ctx, name, tok.Version, m.now())
		if err != nil {
			return fmt.Errorf("unlock token %s: %w", name, err)
		}
		if ok {
			return nil
		}
		m.Log.Debug("token release conflict", logx.String("token", name), logx.Int("attempt", i+1))
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrReleaseConflict, name, attempts)
}

// ReleaseHeld unlocks tok only if its version is unchanged since the caller
// locked or renewed it. When the lease expired and another process took the
// token, that lock is left alone and ErrLeaseLost is returned.
func (m *Manager) ReleaseHeld(ctx context.Context, tok *domain.Token) error {
	if tok == nil {
		return nil
	}
	ok, err := m.Repo.UnlockToken(ctx, tok.Name, tok.Version, m.now())
	if err != nil {
		return fmt.Errorf("unlock token %s: %w", tok.Name, err)
	}
	if ok {
		tok.Locked = false
		tok.Version++
		return nil
	}
	cur, err := m.Repo.GetToken(ctx, tok.Name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token %s: %w", tok.Name, err)
	}
	if !cur.Locked {
		return nil
	}
	return fmt.Errorf("%w: %s at version %d, held %d", ErrLeaseLost, tok.Name, cur.Version, tok.Version)
}

// Renew restarts the lease of a token the caller holds. It returns
// ErrRefused if the token was unlocked or re-locked by someone else since.
func (m *Manager) Renew(ctx context.Context, tok *domain.Token) error {
	if tok == nil {
		return nil
	}
	now := m.now()
	ok, err := m.Repo.TouchToken(ctx, tok.Name, tok.Version, now)
	if err != nil {
		return fmt.Errorf("renew token %s: %w", tok.Name, err)
	}
	if !ok {
		return ErrRefused
	}
	tok.LockedAt = &now
	tok.UsedAt = &now
	tok.Version++
	return nil
}
