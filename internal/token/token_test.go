package token_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobline/internal/db"
	"jobline/internal/logx"
	"jobline/internal/migrate"
	"jobline/internal/repo"
	"jobline/internal/token"
)

type testEnv struct {
	Ctx   context.Context
	Repo  repo.Repo
	Clock *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return testEnv{Ctx: ctx, Repo: repo.Repo{DB: conn}, Clock: &now}
}

func (env testEnv) manager() *token.Manager {
	m := token.New(env.Repo, token.Options{
		SelfReleaseDelay: 10 * time.Second,
		ReleaseAttempts:  3,
		ReleaseBackoff:   time.Millisecond,
	}, logx.Nop())
	m.Now = func() time.Time { return *env.Clock }
	m.Sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestAcquireTwiceIsRefused(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	tok, err := m.Acquire(env.Ctx, "import")
	if err != nil || tok == nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !tok.Locked {
		t.Fatalf("expected token locked")
	}
	if _, err := m.Acquire(env.Ctx, "import"); !errors.Is(err, token.ErrRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestReleaseThenAcquire(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	if _, err := m.Acquire(env.Ctx, "import"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(env.Ctx, "import"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(env.Ctx, "import"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseUnlockedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	if err := m.Release(env.Ctx, "never-seen"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
	if err := env.Repo.EnsureToken(env.Ctx, "idle", *env.Clock); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(env.Ctx, "idle"); err != nil {
		t.Fatalf("release unlocked: %v", err)
	}
	tok, err := env.Repo.GetToken(env.Ctx, "idle")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Version != 0 {
		t.Fatalf("noop release must not bump version, got %d", tok.Version)
	}
}

func TestLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	holder := env.manager()
	if _, err := holder.Acquire(env.Ctx, "import"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	other := env.manager()
	*env.Clock = env.Clock.Add(9 * time.Second)
	if _, err := other.Acquire(env.Ctx, "import"); !errors.Is(err, token.ErrRefused) {
		t.Fatalf("expected refusal inside lease, got %v", err)
	}
	*env.Clock = env.Clock.Add(2 * time.Second)
	tok, err := other.Acquire(env.Ctx, "import")
	if err != nil || tok == nil {
		t.Fatalf("expected acquire after lease expiry: %v", err)
	}
}

func TestEmptyNameNeedsNoLock(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	for i := 0; i < 2; i++ {
		tok, err := m.Acquire(env.Ctx, "")
		if err != nil || tok != nil {
			t.Fatalf("empty token acquire = %v, %v", tok, err)
		}
	}
	tokens, err := env.Repo.ListTokens(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 0 {
		t.Fatalf("expected no token rows, got %d", len(tokens))
	}
}

func TestStaleVersionLosesRace(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Repo.EnsureToken(env.Ctx, "import", *env.Clock); err != nil {
		t.Fatal(err)
	}
	tok, err := env.Repo.GetToken(env.Ctx, "import")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := env.Repo.LockToken(env.Ctx, "import", tok.Version, *env.Clock)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	ok, err = env.Repo.LockToken(env.Ctx, "import", tok.Version, *env.Clock)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("second lock with the same version must fail")
	}
}

func TestRenewExtendsLease(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	tok, err := m.Acquire(env.Ctx, "import")
	if err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(8 * time.Second)
	if err := m.Renew(env.Ctx, tok); err != nil {
		t.Fatalf("renew: %v", err)
	}
	*env.Clock = env.Clock.Add(8 * time.Second)
	if _, err := env.manager().Acquire(env.Ctx, "import"); !errors.Is(err, token.ErrRefused) {
		t.Fatalf("renewed lease should still be held, got %v", err)
	}
	if err := m.Release(env.Ctx, "import"); err != nil {
		t.Fatal(err)
	}
	if err := m.Renew(env.Ctx, tok); !errors.Is(err, token.ErrRefused) {
		t.Fatalf("renew after release should be refused, got %v", err)
	}
}

// racingStore loses unlocks while losses is non-zero, as if another
// process bumped the version between the read and the write.
type racingStore struct {
	repo.Repo
	losses  int
	unlocks int
}

func (s *racingStore) UnlockToken(ctx context.Context, name string, version int64, now time.Time) (bool, error) {
	s.unlocks++
	if s.losses != 0 {
		s.losses--
		return false, nil
	}
	return s.Repo.UnlockToken(ctx, name, version, now)
}

func (env testEnv) racingManager(t *testing.T, losses int) (*token.Manager, *racingStore, *[]time.Duration) {
	t.Helper()
	store := &racingStore{Repo: env.Repo, losses: losses}
	m := token.New(store, token.Options{
		SelfReleaseDelay: 10 * time.Second,
		ReleaseAttempts:  4,
		ReleaseBackoff:   10 * time.Millisecond,
	}, logx.Nop())
	m.Now = func() time.Time { return *env.Clock }
	var sleeps []time.Duration
	m.Sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	if _, err := m.Acquire(env.Ctx, "import"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return m, store, &sleeps
}

func TestReleaseGivesUpAfterAttempts(t *testing.T) {
	env := newTestEnv(t)
	m, store, sleeps := env.racingManager(t, -1)

	err := m.Release(env.Ctx, "import")
	if !errors.Is(err, token.ErrReleaseConflict) {
		t.Fatalf("expected release conflict, got %v", err)
	}
	if store.unlocks != 4 {
		t.Fatalf("unlock attempts = %d, want 4", store.unlocks)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Fatalf("sleeps = %v, want %v", *sleeps, want)
		}
	}
	tok, err := env.Repo.GetToken(env.Ctx, "import")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Locked {
		t.Fatalf("token unlocked despite every attempt losing")
	}
}

func TestReleaseRetriesAfterConflict(t *testing.T) {
	env := newTestEnv(t)
	m, store, sleeps := env.racingManager(t, 1)

	if err := m.Release(env.Ctx, "import"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.unlocks != 2 || len(*sleeps) != 1 || (*sleeps)[0] != 10*time.Millisecond {
		t.Fatalf("unlocks=%d sleeps=%v", store.unlocks, *sleeps)
	}
	tok, err := env.Repo.GetToken(env.Ctx, "import")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Locked {
		t.Fatalf("token still locked")
	}
}

func TestReleaseHeldLeavesTakenOverLock(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	stale, err := m.Acquire(env.Ctx, "import")
	if err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(11 * time.Second)
	fresh, err := env.manager().Acquire(env.Ctx, "import")
	if err != nil || fresh == nil {
		t.Fatalf("takeover after expiry: %v", err)
	}

	if err := m.ReleaseHeld(env.Ctx, stale); !errors.Is(err, token.ErrLeaseLost) {
		t.Fatalf("stale release = %v, want lease lost", err)
	}
	tok, err := env.Repo.GetToken(env.Ctx, "import")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Locked || tok.Version != fresh.Version {
		t.Fatalf("new holder's lock was disturbed: %+v", tok)
	}

	if err := m.ReleaseHeld(env.Ctx, fresh); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	if err := m.ReleaseHeld(env.Ctx, fresh); err != nil {
		t.Fatalf("second release of an unlocked token: %v", err)
	}
}
