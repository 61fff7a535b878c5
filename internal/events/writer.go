package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobline/internal/domain"
	"jobline/internal/repo"
)

// Event names published by the scheduler.
const (
	TaskSubmitted = "task.submitted"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskAbandoned = "task.abandoned"
	TokenRefused  = "token.refused"
	WorkerStarted = "worker.started"
	WorkerStopped = "worker.stopped"
	WorkerEnabled = "worker.enabled"
	WorkerSpawned = "worker.spawned"
	CleanupRan    = "cleanup.ran"
)

type Payload map[string]any

// Publisher is the single event hook used by the runner, workers and the
// scheduler client.
type Publisher interface {
	Publish(ctx context.Context, name string, payload Payload) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, Payload) error { return nil }

// Writer appends events to the events table.
type Writer struct {
	Repo  repo.Repo
	Actor string
	Now   func() time.Time
}

// Publish records the event. The payload keys "entity_kind" and "entity_id"
// are lifted into their own columns.
func (w Writer) Publish(ctx context.Context, name string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	kind, _ := payload["entity_kind"].(string)
	id, _ := payload["entity_id"].(string)
	body := make(Payload, len(payload))
	for k, v := range payload {
		if k != "entity_kind" && k != "entity_id" {
			body[k] = v
		}
	}
	if kind == "" {
		kind = "system"
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := w.Actor
	if actor == "" {
		actor = "jobline"
	}
	_, err = w.Repo.AppendEvent(ctx, domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339Nano),
		Type:       name,
		EntityKind: kind,
		EntityID:   id,
		Actor:      actor,
		Payload:    string(data),
	})
	return err
}

// ForTask builds a payload describing t.
func ForTask(t domain.Task) Payload {
	p := Payload{
		"entity_kind": "task",
		"entity_id":   t.ID,
		"name":        t.Name,
		"job":         t.Job,
		"action":      t.Action,
		"try":         t.Try,
	}
	if tok := t.TokenName(); tok != "" {
		p["token"] = tok
	}
	if t.Fault != nil {
		p["fault"] = *t.Fault
	}
	return p
}
