package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (context.Context, repo.Repo) {
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
	return ctx, repo.Repo{DB: conn}
}

func mkTask(id string, mut func(*domain.Task)) domain.Task {
	t := domain.Task{
		ID:            id,
		Name:          id,
		Job:           "echo",
		Action:        domain.DefaultAction,
		Input:         domain.Input{},
		Discriminator: "d-" + id,
		CreatedAt:     t0,
	}
	if mut != nil {
		mut(&t)
	}
	return t
}

func insert(t *testing.T, ctx context.Context, r repo.Repo, tasks ...domain.Task) {
	t.Helper()
	for _, task := range tasks {
		if err := r.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}
}

func filters(now time.Time) repo.NextTaskFilters {
	return repo.NextTaskFilters{
		Now:         now,
		MaxTry:      3,
		TryDelay:    time.Minute,
		ErrorDelay:  30 * time.Minute,
		SelfRelease: 45 * time.Minute,
	}
}

func ptr[T any](v T) *T { return &v }

func TestNextTaskPredicates(t *testing.T) {
	startedRecently := t0.Add(-10 * time.Second)
	startedLongAgo := t0.Add(-time.Hour)
	cases := []struct {
		name string
		mut  func(*domain.Task)
		want bool
	}{
		{"fresh", nil, true},
		{"running inside error delay", func(t *domain.Task) {
			t.Try, t.Running, t.StartedAt = 1, true, &startedRecently
		}, false},
		{"running past error delay", func(t *domain.Task) {
			t.Try, t.Running, t.StartedAt = 1, true, &startedLongAgo
		}, true},
		{"failed inside try delay", func(t *domain.Task) {
			t.Try, t.StartedAt = 1, &startedRecently
		}, false},
		{"failed past try delay", func(t *domain.Task) {
			t.Try, t.StartedAt = 2, &startedLongAgo
		}, true},
		{"try exhausted idle", func(t *domain.Task) {
			t.Try, t.StartedAt = 3, &startedLongAgo
		}, false},
		{"try exhausted running", func(t *domain.Task) {
			t.Try, t.Running, t.StartedAt = 3, true, &startedLongAgo
		}, false},
		{"finished", func(t *domain.Task) {
			t.Try, t.Finished, t.FinishedAt = 1, true, &startedLongAgo
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, r := newRepo(t)
			insert(t, ctx, r, mkTask("a", tc.mut))
			got, err := r.NextTask(ctx, filters(t0))
			if tc.want {
				if err != nil || got.ID != "a" {
					t.Fatalf("expected task a, got %q err=%v", got.ID, err)
				}
				return
			}
			if !errors.Is(err, repo.ErrNotFound) {
				t.Fatalf("expected no task, got %q err=%v", got.ID, err)
			}
		})
	}
}

func TestNextTaskStatic(t *testing.T) {
	ctx, r := newRepo(t)
	due := t0.Add(-time.Minute)
	later := t0.Add(time.Hour)
	insert(t, ctx, r,
		mkTask("due", func(t *domain.Task) {
			t.IsStatic, t.Frequency, t.Finished, t.PlannedAt = true, 5, true, &due
		}),
		mkTask("later", func(t *domain.Task) {
			t.IsStatic, t.Frequency, t.Finished, t.PlannedAt, t.Priority = true, 5, true, &later, 9
		}),
	)
	if _, err := r.NextTask(ctx, filters(t0)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("static tasks must not be returned in non-static mode: %v", err)
	}
	f := filters(t0)
	f.Static = true
	got, err := r.NextTask(ctx, f)
	if err != nil || got.ID != "due" {
		t.Fatalf("expected due static task, got %q err=%v", got.ID, err)
	}
}

func TestNextTaskPriorityAndTieBreak(t *testing.T) {
	ctx, r := newRepo(t)
	insert(t, ctx, r,
		mkTask("low", func(t *domain.Task) { t.Priority = 3 }),
		mkTask("high-late", func(t *domain.Task) { t.Priority = 7; t.CreatedAt = t0.Add(time.Second) }),
		mkTask("high-early", func(t *domain.Task) { t.Priority = 7 }),
	)
	got, err := r.NextTask(ctx, filters(t0.Add(time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "high-early" {
		t.Fatalf("expected high-early, got %s", got.ID)
	}
}

func TestNextTaskTokenFilter(t *testing.T) {
	ctx, r := newRepo(t)
	insert(t, ctx, r,
		mkTask("locked", func(t *domain.Task) { t.Token = ptr("mail"); t.Priority = 9 }),
		mkTask("free", func(t *domain.Task) { t.Token = ptr("report") }),
	)
	if err := r.EnsureToken(ctx, "mail", t0); err != nil {
		t.Fatal(err)
	}
	if ok, err := r.LockToken(ctx, "mail", 0, t0); err != nil || !ok {
		t.Fatalf("lock: %v %v", ok, err)
	}
	got, err := r.NextTask(ctx, filters(t0))
	if err != nil || got.ID != "free" {
		t.Fatalf("held token must be skipped, got %q err=%v", got.ID, err)
	}
	f := filters(t0)
	f.Token = "mail"
	got, err = r.NextTask(ctx, f)
	if err != nil || got.ID != "locked" {
		t.Fatalf("token filter must return the token's task, got %q err=%v", got.ID, err)
	}
	got, err = r.NextTask(ctx, filters(t0.Add(time.Hour)))
	if err != nil || got.ID != "locked" {
		t.Fatalf("expired lease must not hide the task, got %q err=%v", got.ID, err)
	}
}

func TestClaimTaskStrict(t *testing.T) {
	ctx, r := newRepo(t)
	insert(t, ctx, r, mkTask("a", nil))
	prev, err := r.GetTask(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	claim := prev
	claim.Try = 1
	claim.Running = true
	claim.StartedAt = ptr(t0)
	claim.Worker = ptr("node/1")
	ok, err := r.ClaimTask(ctx, claim, prev, true)
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	ok, err = r.ClaimTask(ctx, claim, prev, true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("second claim from the same snapshot must fail")
	}
	got, _ := r.GetTask(ctx, "a")
	if !got.Running || got.Try != 1 || got.Worker == nil || *got.Worker != "node/1" {
		t.Fatalf("unexpected claimed row: %+v", got)
	}
}

func TestInsertTaskUnlessWaiting(t *testing.T) {
	ctx, r := newRepo(t)
	a := mkTask("a", func(t *domain.Task) { t.Discriminator = "same" })
	b := mkTask("b", func(t *domain.Task) { t.Discriminator = "same" })
	ok, err := r.InsertTaskUnlessWaiting(ctx, a)
	if err != nil || !ok {
		t.Fatalf("first insert: %v %v", ok, err)
	}
	ok, err = r.InsertTaskUnlessWaiting(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("duplicate waiting task inserted")
	}
	counts, err := r.CountTasks(ctx, repo.CountFilters{Discriminator: "same"})
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected one waiting task, got %d", counts.Waiting)
	}
}

func TestCountsAndList(t *testing.T) {
	ctx, r := newRepo(t)
	fault := "boom"
	insert(t, ctx, r,
		mkTask("w", func(t *domain.Task) { t.Index1 = ptr("batch-1") }),
		mkTask("r", func(t *domain.Task) { t.Running, t.Try, t.StartedAt = true, 1, ptr(t0) }),
		mkTask("f", func(t *domain.Task) { t.Finished, t.Try, t.Fault, t.FinishedAt = true, 3, &fault, ptr(t0) }),
	)
	c, err := r.CountTasks(ctx, repo.CountFilters{})
	if err != nil {
		t.Fatal(err)
	}
	want := repo.Counts{Waiting: 1, Active: 1, Pending: 2, Finished: 1, Failed: 1}
	if c != want {
		t.Fatalf("counts = %+v, want %+v", c, want)
	}
	c, err = r.CountTasks(ctx, repo.CountFilters{Index1: "batch-1"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Waiting != 1 || c.Pending != 1 {
		t.Fatalf("index filter counts = %+v", c)
	}
	failed, err := r.ListTasks(ctx, repo.TaskFilters{State: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "f" {
		t.Fatalf("failed list = %+v", failed)
	}
	if _, err := r.ListTasks(ctx, repo.TaskFilters{State: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestCleanup(t *testing.T) {
	ctx, r := newRepo(t)
	old := t0.Add(-48 * time.Hour)
	stuck := t0.Add(-2 * time.Hour)
	insert(t, ctx, r,
		mkTask("old", func(t *domain.Task) { t.Finished, t.FinishedAt, t.Token = true, &old, ptr("gc") }),
		mkTask("static", func(t *domain.Task) { t.IsStatic, t.Frequency, t.Finished, t.FinishedAt = true, 1, true, &old }),
		mkTask("stuck", func(t *domain.Task) { t.Running, t.Try, t.StartedAt = true, 3, &stuck }),
	)
	n, err := r.DeleteFinishedBefore(ctx, t0.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("delete finished = %d, %v", n, err)
	}
	if _, err := r.GetTask(ctx, "static"); err != nil {
		t.Fatalf("static task must survive cleanup: %v", err)
	}
	n, err = r.AbandonExhausted(ctx, t0, 3, 30*time.Minute, "worker lost")
	if err != nil || n != 1 {
		t.Fatalf("abandon = %d, %v", n, err)
	}
	got, _ := r.GetTask(ctx, "stuck")
	if got.Running || !got.Finished || got.Fault == nil || *got.Fault != "worker lost" {
		t.Fatalf("unexpected abandoned row: %+v", got)
	}

	if err := r.EnsureToken(ctx, "gc", old); err != nil {
		t.Fatal(err)
	}
	if err := r.EnsureToken(ctx, "busy", old); err != nil {
		t.Fatal(err)
	}
	insert(t, ctx, r, mkTask("pending", func(t *domain.Task) { t.Token = ptr("busy") }))
	n, err = r.DeleteUnusedTokens(ctx, t0.Add(-24*time.Hour), t0, 45*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("delete tokens = %d, %v", n, err)
	}
	if _, err := r.GetToken(ctx, "busy"); err != nil {
		t.Fatalf("referenced token deleted: %v", err)
	}
}
