package domain

import "time"

// DefaultAction is the job method invoked when a task names no action.
const DefaultAction = "execute"

type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Job           string     `json:"job"`
	Action        string     `json:"action"`
	Input         Input      `json:"input,omitempty"`
	Priority      int        `json:"priority"`
	Token         *string    `json:"token,omitempty"`
	Index1        *string    `json:"index1,omitempty"`
	Index2        *string    `json:"index2,omitempty"`
	IsStatic      bool       `json:"is_static"`
	Frequency     int        `json:"frequency,omitempty"`
	Try           int        `json:"try"`
	Running       bool       `json:"running"`
	Finished      bool       `json:"finished"`
	StartedAt     *time.Time `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" format:"date-time"`
	PlannedAt     *time.Time `json:"planned_at,omitempty" format:"date-time"`
	Fault         *string    `json:"fault,omitempty"`
	FaultTrace    *string    `json:"fault_trace,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Discriminator string     `json:"discriminator"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	CreatedBy     string     `json:"created_by,omitempty"`
	Output        string     `json:"output,omitempty"`
	Worker        *string    `json:"worker,omitempty"`
}

// TokenName returns the task token or "" when the task is tokenless.
func (t Task) TokenName() string {
	if t.Token == nil {
		return ""
	}
	return *t.Token
}

// Waiting reports whether the task is queued and not yet claimed.
func (t Task) Waiting() bool { return !t.Finished && !t.Running }

type Token struct {
	Name     string     `json:"name"`
	Locked   bool       `json:"locked"`
	LockedAt *time.Time `json:"locked_at,omitempty" format:"date-time"`
	Version  int64      `json:"version"`
	Created  time.Time  `json:"created_at" format:"date-time"`
	UsedAt   *time.Time `json:"used_at,omitempty" format:"date-time"`
}

// Held reports whether the lease is still live at now.
// A lock older than selfRelease is treated as abandoned.
func (t Token) Held(now time.Time, selfRelease time.Duration) bool {
	if !t.Locked || t.LockedAt == nil {
		return false
	}
	return now.Sub(*t.LockedAt) < selfRelease
}

type Worker struct {
	ID        int64     `json:"id"`
	Node      string    `json:"node"`
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	LastSeen  time.Time `json:"last_seen" format:"date-time"`
	Task      string    `json:"task,omitempty"`
	StartedAt time.Time `json:"started_at" format:"date-time"`
}

// IsSupervisor reports whether the record belongs to the supervisor slot.
func (w Worker) IsSupervisor() bool { return w.Slot == 0 }

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// APIKey is a stored HTTP credential. Only the SHA-256 of the key is kept.
type APIKey struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actor_id"`
	Name        string    `json:"name,omitempty"`
	KeyHash     string    `json:"-"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}
