package server

import (
	"encoding/json"
	"time"

	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/repo"
)

// Request payloads

type SubmitTaskRequest struct {
	Name      string         `json:"name,omitempty"`
	Job       string         `json:"job" minLength:"1"`
	Action    string         `json:"action,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	Token     string         `json:"token,omitempty"`
	Index1    string         `json:"index1,omitempty"`
	Index2    string         `json:"index2,omitempty"`
	Static    bool           `json:"static,omitempty"`
	Frequency int            `json:"frequency,omitempty" minimum:"0" doc:"Minutes between runs of a static task"`
	PlannedAt *time.Time     `json:"planned_at,omitempty" format:"date-time"`
	// Unconditional skips duplicate suppression.
	Unconditional bool `json:"unconditional,omitempty"`
}

func (r SubmitTaskRequest) spec(createdBy string) engine.Spec {
	return engine.Spec{
		Name:      r.Name,
		Job:       r.Job,
		Action:    r.Action,
		Input:     domain.Input(r.Input),
		Priority:  r.Priority,
		Token:     r.Token,
		Index1:    r.Index1,
		Index2:    r.Index2,
		Static:    r.Static,
		Frequency: r.Frequency,
		PlannedAt: r.PlannedAt,
		CreatedBy: createdBy,
	}
}

type UpdateWorkerRequest struct {
	Enabled bool `json:"enabled"`
}

type WaitRequest struct {
	Timeout string `json:"timeout,omitempty" example:"30s" doc:"Go duration; defaults to 30s, capped at 5m"`
	Token   string `json:"token,omitempty"`
	// Discriminator narrows the wait to one submitted task's duplicates.
	Discriminator string `json:"discriminator,omitempty"`
	Index1        string `json:"index1,omitempty"`
	Index2        string `json:"index2,omitempty"`
	Job           string `json:"job,omitempty"`
}

func (r WaitRequest) filters() repo.CountFilters {
	return repo.CountFilters{Token: r.Token, Discriminator: r.Discriminator, Index1: r.Index1, Index2: r.Index2, Job: r.Job}
}

// Response payloads

type TaskResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Job           string         `json:"job"`
	Action        string         `json:"action"`
	Input         map[string]any `json:"input,omitempty"`
	Priority      int            `json:"priority"`
	Token         string         `json:"token,omitempty"`
	Index1        string         `json:"index1,omitempty"`
	Index2        string         `json:"index2,omitempty"`
	Static        bool           `json:"static"`
	Frequency     int            `json:"frequency,omitempty"`
	State         string         `json:"state" enum:"waiting,running,finished,failed"`
	Try           int            `json:"try"`
	Running       bool           `json:"running"`
	Finished      bool           `json:"finished"`
	StartedAt     *time.Time     `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty" format:"date-time"`
	PlannedAt     *time.Time     `json:"planned_at,omitempty" format:"date-time"`
	Fault         string         `json:"fault,omitempty"`
	FaultTrace    string         `json:"fault_trace,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	Discriminator string         `json:"discriminator"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
	CreatedBy     string         `json:"created_by,omitempty"`
	Output        string         `json:"output,omitempty"`
	Worker        string         `json:"worker,omitempty"`
}

type StatusResponse struct {
	Tasks   repo.Counts          `json:"tasks"`
	Workers engine.WorkerSummary `json:"workers"`
}

type WorkerResponse struct {
	ID        int64     `json:"id"`
	Node      string    `json:"node"`
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	Alive     bool      `json:"alive"`
	LastSeen  time.Time `json:"last_seen" format:"date-time"`
	Task      string    `json:"task,omitempty"`
	StartedAt time.Time `json:"started_at" format:"date-time"`
}

type TokenResponse struct {
	Name     string     `json:"name"`
	Locked   bool       `json:"locked"`
	Held     bool       `json:"held"`
	LockedAt *time.Time `json:"locked_at,omitempty" format:"date-time"`
	Version  int64      `json:"version"`
	UsedAt   *time.Time `json:"used_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

type WaitResponse struct {
	Completed bool        `json:"completed"`
	Tasks     repo.Counts `json:"tasks"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskState(t domain.Task) string {
	switch {
	case t.Running:
		return "running"
	case t.Finished && t.Fault != nil:
		return "failed"
	case t.Finished:
		return "finished"
	default:
		return "waiting"
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Name:          t.Name,
		Job:           t.Job,
		Action:        t.Action,
		Input:         map[string]any(t.Input),
		Priority:      t.Priority,
		Token:         stringOrEmpty(t.Token),
		Index1:        stringOrEmpty(t.Index1),
		Index2:        stringOrEmpty(t.Index2),
		Static:        t.IsStatic,
		Frequency:     t.Frequency,
		State:         taskState(t),
		Try:           t.Try,
		Running:       t.Running,
		Finished:      t.Finished,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
		PlannedAt:     t.PlannedAt,
		Fault:         stringOrEmpty(t.Fault),
		FaultTrace:    stringOrEmpty(t.FaultTrace),
		DurationMS:    t.DurationMS,
		Discriminator: t.Discriminator,
		CreatedAt:     t.CreatedAt,
		CreatedBy:     t.CreatedBy,
		Output:        t.Output,
		Worker:        stringOrEmpty(t.Worker),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func workerResponse(w domain.Worker, alive bool) WorkerResponse {
	return WorkerResponse{
		ID:        w.ID,
		Node:      w.Node,
		Slot:      w.Slot,
		PID:       w.PID,
		Enabled:   w.Enabled,
		Running:   w.Running,
		Alive:     alive,
		LastSeen:  w.LastSeen,
		Task:      w.Task,
		StartedAt: w.StartedAt,
	}
}

func tokenResponse(t domain.Token, held bool) TokenResponse {
	return TokenResponse{
		Name:     t.Name,
		Locked:   t.Locked,
		Held:     held,
		LockedAt: t.LockedAt,
		Version:  t.Version,
		UsedAt:   t.UsedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
