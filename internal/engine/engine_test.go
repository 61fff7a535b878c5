package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/job"
	"jobline/internal/job/builtin"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Dir    string
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Node = "node-a"
	reg := job.NewRegistry()
	builtin.Register(reg, builtin.Options{})
	eng := engine.New(conn, cfg, reg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: ctx, Dir: dir, Clock: &now}
}

func TestSubmitSuppressesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.Spec{Job: "echo", Input: domain.Input{"message": "hi"}, Token: "mail"}
	first, err := env.Engine.Submit(env.Ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Action != domain.DefaultAction || first.Name != "echo" || first.TokenName() != "mail" {
		t.Fatalf("defaults not applied: %+v", first)
	}
	if _, err := env.Engine.Submit(env.Ctx, spec); !errors.Is(err, engine.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	c, err := env.Engine.Status(env.Ctx, repo.CountFilters{Discriminator: first.Discriminator})
	if err != nil {
		t.Fatal(err)
	}
	if c.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1", c.Waiting)
	}

	// Another token is different work.
	other := spec
	other.Token = "sms"
	if _, err := env.Engine.Submit(env.Ctx, other); err != nil {
		t.Fatalf("different token rejected: %v", err)
	}
	if _, err := env.Engine.SubmitUnconditional(env.Ctx, spec); err != nil {
		t.Fatalf("unconditional: %v", err)
	}
	c, _ = env.Engine.Status(env.Ctx, repo.CountFilters{Discriminator: first.Discriminator})
	if c.Waiting != 2 {
		t.Fatalf("waiting after unconditional = %d, want 2", c.Waiting)
	}
	tok, err := env.Engine.Repo.GetToken(env.Ctx, "mail")
	if err != nil || tok.Locked {
		t.Fatalf("token row not created unlocked: %+v, %v", tok, err)
	}
}

func TestSubmitAllowsDuplicateOfRunningTask(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.Spec{Job: "echo", Input: domain.Input{"message": "hi"}}
	first, err := env.Engine.Submit(env.Ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	running := first
	running.Running = true
	running.Try = 1
	started := *env.Clock
	running.StartedAt = &started
	if err := env.Engine.Repo.UpdateTask(env.Ctx, running); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, spec); err != nil {
		t.Fatalf("resubmit while running: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		spec engine.Spec
		want error
	}{
		{"missing job", engine.Spec{}, engine.ErrInvalid},
		{"unknown job", engine.Spec{Job: "nope"}, job.ErrUnknownJob},
		{"frequency without static", engine.Spec{Job: "heartbeat", Frequency: 5}, engine.ErrInvalid},
		{"negative frequency", engine.Spec{Job: "heartbeat", Static: true, Frequency: -1}, engine.ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.Engine.Submit(env.Ctx, tc.spec); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDiscriminator(t *testing.T) {
	a := engine.Spec{Job: "echo", Input: domain.Input{"a": 1, "b": "x"}}
	b := engine.Spec{Job: "echo", Action: domain.DefaultAction, Name: "echo", Input: domain.Input{"b": "x", "a": 1}}
	if engine.Discriminator(a) != engine.Discriminator(b) {
		t.Fatalf("defaults and key order must not change the discriminator")
	}
	for _, mut := range []func(*engine.Spec){
		func(s *engine.Spec) { s.Token = "t" },
		func(s *engine.Spec) { s.Priority = 1 },
		func(s *engine.Spec) { s.Action = "shout" },
		func(s *engine.Spec) { s.Input = domain.Input{"a": 2, "b": "x"} },
	} {
		c := a
		mut(&c)
		if engine.Discriminator(c) == engine.Discriminator(a) {
			t.Fatalf("changed spec %+v kept the discriminator", c)
		}
	}
}

func TestWaitUntilCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.PollInterval = 5 * time.Millisecond
	ok, err := env.Engine.WaitUntilCompleted(env.Ctx, 50*time.Millisecond, repo.CountFilters{})
	if err != nil || !ok {
		t.Fatalf("empty queue should complete at once: %v, %v", ok, err)
	}
	if _, err := env.Engine.Submit(env.Ctx, engine.Spec{Job: "echo", Index1: "batch-7", Input: domain.Input{"message": "x"}}); err != nil {
		t.Fatal(err)
	}
	ok, err = env.Engine.WaitUntilCompleted(env.Ctx, 30*time.Millisecond, repo.CountFilters{Index1: "batch-7"})
	if err != nil || ok {
		t.Fatalf("pending task should time out: %v, %v", ok, err)
	}
	ok, err = env.Engine.WaitUntilCompleted(env.Ctx, 30*time.Millisecond, repo.CountFilters{Index1: "batch-8"})
	if err != nil || !ok {
		t.Fatalf("other index should be complete: %v, %v", ok, err)
	}

	run := env.Engine.Runner("node-a/1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = run.Run(context.Background())
	}()
	ok, err = env.Engine.WaitUntilCompleted(env.Ctx, 5*time.Second, repo.CountFilters{Index1: "batch-7"})
	if err != nil || !ok {
		t.Fatalf("wait after run: %v, %v", ok, err)
	}
}

func TestWorkerStatus(t *testing.T) {
	env := newTestEnv(t)
	now := *env.Clock
	r := env.Engine.Repo
	mk := func(slot int, running, enabled bool, seen time.Time) {
		w, err := r.InsertWorker(env.Ctx, domain.Worker{
			Node: "node-b", Slot: slot, PID: 1000 + slot, Enabled: true, Running: running, LastSeen: seen, StartedAt: seen,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !enabled {
			if _, err := env.Engine.SetWorkerEnabled(env.Ctx, w.ID, false); err != nil {
				t.Fatal(err)
			}
		}
	}
	mk(0, true, true, now)
	mk(1, true, true, now)
	mk(2, true, true, now.Add(-time.Hour))
	mk(3, false, true, now)
	mk(4, true, false, now)

	got, err := env.Engine.WorkerStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := engine.WorkerSummary{Running: 1, Disabled: 1, Sleeping: 2, Supervisor: 1}
	if got != want {
		t.Fatalf("summary = %+v, want %+v", got, want)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, 10, 0, "worker.enabled", "", "")
	if err != nil || len(evts) != 1 || evts[0].EntityID != "node-b/4" {
		t.Fatalf("enable event = %+v, %v", evts, err)
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.Engine.Config
	now := *env.Clock
	r := env.Engine.Repo

	old, err := env.Engine.Submit(env.Ctx, engine.Spec{Job: "echo", Token: "old", Input: domain.Input{"message": "a"}})
	if err != nil {
		t.Fatal(err)
	}
	finished := now.Add(-cfg.Task.Retention - time.Hour)
	old.Finished = true
	old.FinishedAt = &finished
	old.Try = 1
	if err := r.UpdateTask(env.Ctx, old); err != nil {
		t.Fatal(err)
	}

	stuck, err := env.Engine.Submit(env.Ctx, engine.Spec{Job: "echo", Input: domain.Input{"message": "b"}})
	if err != nil {
		t.Fatal(err)
	}
	started := now.Add(-cfg.Task.ErrorDelay - time.Minute)
	stuck.Running = true
	stuck.Try = cfg.Task.MaxTry
	stuck.StartedAt = &started
	if err := r.UpdateTask(env.Ctx, stuck); err != nil {
		t.Fatal(err)
	}

	// Tokens are last used at submission time; move the clock past retention.
	later := now.Add(cfg.Token.Retention + time.Hour)
	*env.Clock = later
	rep, err := env.Engine.Cleanup(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Tasks != 1 || rep.Abandoned != 1 || rep.Tokens != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := r.GetTask(env.Ctx, old.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("old task still present: %v", err)
	}
	got, err := r.GetTask(env.Ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Running || !got.Finished || got.Fault == nil {
		t.Fatalf("stuck task not abandoned: %+v", got)
	}
	if _, err := r.GetToken(env.Ctx, "old"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unused token kept: %v", err)
	}
}

// TestSharedTokenNeverRunsTwice drives several runners, each on its own
// connection, over 100 tasks that share one token and samples the active
// count for that token while they run.
func TestSharedTokenNeverRunsTwice(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end")
	}
	env := newTestEnv(t)
	ctx := env.Ctx

	monitor, err := db.Open(db.Config{Workspace: env.Dir})
	if err != nil {
		t.Fatal(err)
	}
	defer monitor.Close()
	mrepo := repo.Repo{DB: monitor}

	var maxActive atomic.Int64
	var samples atomic.Int64
	sample := func() {
		c, err := mrepo.CountTasks(context.Background(), repo.CountFilters{Token: "shared"})
		if err != nil {
			return
		}
		samples.Add(1)
		for {
			cur := maxActive.Load()
			if int64(c.Active) <= cur || maxActive.CompareAndSwap(cur, int64(c.Active)) {
				break
			}
		}
	}

	newRegistry := func() *job.Registry {
		reg := job.NewRegistry()
		reg.Register("sampler", func(domain.Input) (job.Job, error) { return sampleJob{sample: sample}, nil })
		return reg
	}
	env.Engine.Jobs = newRegistry()
	for i := 0; i < 100; i++ {
		if _, err := env.Engine.Submit(ctx, engine.Spec{Job: "sampler", Token: "shared", Input: domain.Input{"n": i}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	const runners = 4
	var wg sync.WaitGroup
	errs := make(chan error, runners)
	for i := 1; i <= runners; i++ {
		conn, err := db.Open(db.Config{Workspace: env.Dir})
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		cfg := *env.Engine.Config
		cfg.Token.KeepFor = 5 * time.Millisecond
		eng := engine.New(conn, &cfg, newRegistry())
		run := eng.Runner(fmt.Sprintf("node-a/%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer run.Close(context.Background())
			deadline := time.Now().Add(30 * time.Second)
			for time.Now().Before(deadline) {
				res, err := run.Run(ctx)
				if err != nil {
					errs <- err
					return
				}
				if res.Worked {
					continue
				}
				c, err := eng.Status(ctx, repo.CountFilters{Token: "shared"})
				if err != nil {
					errs <- err
					return
				}
				if c.Pending == 0 {
					return
				}
				time.Sleep(time.Millisecond)
			}
			errs <- errors.New("runner deadline exceeded")
		}()
	}

	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
				sample()
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-sampled
	close(errs)
	for err := range errs {
		t.Fatalf("runner: %v", err)
	}

	c, err := env.Engine.Status(ctx, repo.CountFilters{Token: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Finished != 100 || c.Failed != 0 {
		t.Fatalf("counts = %+v", c)
	}
	if samples.Load() == 0 {
		t.Fatalf("no samples taken")
	}
	if got := maxActive.Load(); got > 1 {
		t.Fatalf("active count for the shared token reached %d", got)
	}
}

type sampleJob struct {
	job.Base
	sample func()
}

func (j sampleJob) Execute(context.Context) error {
	j.sample()
	time.Sleep(time.Millisecond)
	j.sample()
	return nil
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if _, _, err := e.CreateAPIKey(env.Ctx, " ", "x", nil); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("blank actor err = %v", err)
	}
	plain, key, err := e.CreateAPIKey(env.Ctx, "ops", "deploy", []string{"tasks.write"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.LookupAPIKey(env.Ctx, plain)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != key.ID || got.ActorID != "ops" || len(got.Permissions) != 1 || got.Permissions[0] != "tasks.write" {
		t.Fatalf("lookup = %+v", got)
	}
	if _, err := e.LookupAPIKey(env.Ctx, plain+"x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong key err = %v", err)
	}
	keys, err := e.APIKeys(env.Ctx, "ops")
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys = %v, %v", keys, err)
	}
	if err := e.RevokeAPIKey(env.Ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.RevokeAPIKey(env.Ctx, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke err = %v", err)
	}
	if _, err := e.LookupAPIKey(env.Ctx, plain); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
}
