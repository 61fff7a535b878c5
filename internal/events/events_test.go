package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/logx"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

type sink struct {
	mu       sync.Mutex
	received []webhookEvent
	headers  []http.Header
	fail     atomic.Int32
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.fail.Load() > 0 {
			s.fail.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		s.mu.Lock()
		s.received = append(s.received, evt)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
	}
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, evt := range s.received {
		out = append(out, evt.Type)
	}
	return out
}

func TestWriterLiftsEntityColumns(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := Writer{Repo: r, Actor: "tester"}
	if err := w.Publish(ctx, WorkerEnabled, Payload{"entity_kind": "worker", "entity_id": "node-a/1", "enabled": false}); err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(ctx, CleanupRan, Payload{"tasks": 3}); err != nil {
		t.Fatal(err)
	}
	evts, err := r.LatestEvents(ctx, 10, 0, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("got %d events", len(evts))
	}
	cleanup, enabled := evts[0], evts[1]
	if enabled.EntityKind != "worker" || enabled.EntityID != "node-a/1" || enabled.Actor != "tester" {
		t.Fatalf("worker event = %+v", enabled)
	}
	if enabled.Payload != `{"enabled":false}` {
		t.Fatalf("payload = %s", enabled.Payload)
	}
	if cleanup.EntityKind != "system" {
		t.Fatalf("default entity kind = %q", cleanup.EntityKind)
	}
}

func TestDispatcherDeliversNewEventsOnly(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := Writer{Repo: r}
	if err := w.Publish(ctx, TaskSubmitted, Payload{"entity_kind": "task", "entity_id": "old"}); err != nil {
		t.Fatal(err)
	}

	s := &sink{}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()
	d := NewDispatcher(r, "node-a", []config.WebhookConfig{{URL: srv.URL, Secret: "hush"}}, logx.Nop())
	d.DispatchAll(ctx)
	if got := s.types(); len(got) != 0 {
		t.Fatalf("delivered backlog: %v", got)
	}

	_ = w.Publish(ctx, TaskSubmitted, Payload{"entity_kind": "task", "entity_id": "t1"})
	_ = w.Publish(ctx, TaskCompleted, Payload{"entity_kind": "task", "entity_id": "t1"})
	d.DispatchAll(ctx)
	got := s.types()
	if len(got) != 2 || got[0] != TaskSubmitted || got[1] != TaskCompleted {
		t.Fatalf("delivered %v", got)
	}
	s.mu.Lock()
	h := s.headers[0]
	first := s.received[0]
	s.mu.Unlock()
	if h.Get("X-Jobline-Secret") != "hush" || h.Get("X-Jobline-Node") != "node-a" || h.Get("X-Jobline-Event") != TaskSubmitted {
		t.Fatalf("headers = %v", h)
	}
	if first.EntityID != "t1" || first.Node != "node-a" {
		t.Fatalf("body = %+v", first)
	}

	d.DispatchAll(ctx)
	if got := s.types(); len(got) != 2 {
		t.Fatalf("redelivered: %v", got)
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	s := &sink{}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()
	d := NewDispatcher(r, "node-a", []config.WebhookConfig{{URL: srv.URL}}, logx.Nop())
	d.DispatchAll(ctx)

	w := Writer{Repo: r}
	_ = w.Publish(ctx, TaskFailed, Payload{"entity_kind": "task", "entity_id": "t1"})
	_ = w.Publish(ctx, TaskFailed, Payload{"entity_kind": "task", "entity_id": "t2"})
	s.fail.Store(1)
	d.DispatchAll(ctx)
	if got := s.types(); len(got) != 0 {
		t.Fatalf("delivered past a failure: %v", got)
	}
	d.DispatchAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) != 2 || s.received[0].EntityID != "t1" || s.received[1].EntityID != "t2" {
		t.Fatalf("after retry: %+v", s.received)
	}
}

func TestDispatcherFiltersAndDisabledHooks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	tasks, all := &sink{}, &sink{}
	tasksSrv := httptest.NewServer(tasks.handler(t))
	defer tasksSrv.Close()
	allSrv := httptest.NewServer(all.handler(t))
	defer allSrv.Close()
	off := false
	d := NewDispatcher(r, "node-a", []config.WebhookConfig{
		{URL: tasksSrv.URL, Events: []string{"task.*"}},
		{URL: allSrv.URL, Enabled: &off},
	}, logx.Nop())
	d.DispatchAll(ctx)

	w := Writer{Repo: r}
	_ = w.Publish(ctx, WorkerStarted, Payload{"entity_kind": "worker", "entity_id": "node-a/1"})
	_ = w.Publish(ctx, TaskAbandoned, Payload{"entity_kind": "task", "entity_id": "t1"})
	d.DispatchAll(ctx)
	if got := tasks.types(); len(got) != 1 || got[0] != TaskAbandoned {
		t.Fatalf("filtered hook got %v", got)
	}
	if got := all.types(); len(got) != 0 {
		t.Fatalf("disabled hook got %v", got)
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		filter []string
		event  string
		want   bool
	}{
		{nil, "task.completed", true},
		{[]string{"task.completed"}, "task.completed", true},
		{[]string{"task.completed"}, "task.failed", false},
		{[]string{"task.*"}, "task.failed", true},
		{[]string{"task.*"}, "worker.started", false},
		{[]string{" ", ""}, "worker.started", true},
	}
	for _, tc := range cases {
		if got := newEventFilter(tc.filter).match(tc.event); got != tc.want {
			t.Errorf("filter %v match %q = %v, want %v", tc.filter, tc.event, got, tc.want)
		}
	}
}

func TestDispatcherCursorsFollowURLAcrossReload(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a, b, c := &sink{}, &sink{}, &sink{}
	aSrv := httptest.NewServer(a.handler(t))
	defer aSrv.Close()
	bSrv := httptest.NewServer(b.handler(t))
	defer bSrv.Close()
	cSrv := httptest.NewServer(c.handler(t))
	defer cSrv.Close()
	d := NewDispatcher(r, "node-a", []config.WebhookConfig{{URL: aSrv.URL}, {URL: bSrv.URL}}, logx.Nop())
	d.DispatchAll(ctx)

	w := Writer{Repo: r}
	_ = w.Publish(ctx, TaskCompleted, Payload{"entity_kind": "task", "entity_id": "t1"})
	a.fail.Store(1)
	d.DispatchAll(ctx)
	if got := a.types(); len(got) != 0 {
		t.Fatalf("failing hook got %v", got)
	}
	if got := b.types(); len(got) != 1 {
		t.Fatalf("healthy hook got %v", got)
	}

	// Reordered, with a new hook appended.
	d.SetWebhooks([]config.WebhookConfig{{URL: bSrv.URL}, {URL: cSrv.URL}, {URL: aSrv.URL}})
	d.DispatchAll(ctx)
	if got := a.types(); len(got) != 1 || got[0] != TaskCompleted {
		t.Fatalf("pending delivery lost after reload: %v", got)
	}
	if got := b.types(); len(got) != 1 {
		t.Fatalf("delivered twice after reload: %v", got)
	}
	if got := c.types(); len(got) != 0 {
		t.Fatalf("new hook received backlog: %v", got)
	}

	_ = w.Publish(ctx, TaskFailed, Payload{"entity_kind": "task", "entity_id": "t2"})
	d.DispatchAll(ctx)
	for name, s := range map[string]*sink{"a": a, "b": b, "c": c} {
		got := s.types()
		if len(got) == 0 || got[len(got)-1] != TaskFailed {
			t.Fatalf("hook %s got %v", name, got)
		}
	}
}
