package domain

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateQueued  State = "QUEUED"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateError   State = "ERROR"
)

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateDone, StateError:
		return true
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// rank orders states along the only legal path QUEUED -> RUNNING -> terminal.
func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	case StateDone, StateError:
		return 2
	}
	return -1
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateQueued:
		return next == StateRunning || next == StateError
	case StateRunning:
		return next == StateDone || next == StateError
	}
	return false
}

type ErrorKind string

const (
	ErrorStepFailed     ErrorKind = "step_failed"
	ErrorPanic          ErrorKind = "panic"
	ErrorCancelled      ErrorKind = "cancelled"
	ErrorTimeout        ErrorKind = "timeout"
	ErrorWorkerLost     ErrorKind = "worker_lost"
	ErrorDispatchFailed ErrorKind = "dispatch_failed"
	ErrorUnknownKind    ErrorKind = "unknown_kind"
)

type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    string    `json:"step,omitempty"`
	At      time.Time `json:"at"`
}

// Task is the durable record of one orchestrated job.
type Task struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	State          State           `json:"state"`
	ProgressPct    int             `json:"progress_pct"`
	Message        string          `json:"message"`
	ResultRef      *string         `json:"result_ref,omitempty"`
	ErrorDetail    *ErrorDetail    `json:"error_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Snapshot is the read shape shared by polling reads and the live channel.
type Snapshot struct {
	TaskID      string       `json:"taskId"`
	Kind        string       `json:"kind"`
	State       State        `json:"state"`
	ProgressPct int          `json:"progressPct"`
	Message     string       `json:"message"`
	ResultRef   *string      `json:"resultRef"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt"`
	ErrorDetail *ErrorDetail `json:"errorDetail"`
}

func (t Task) Snapshot() Snapshot {
	return Snapshot{
		TaskID:      t.ID,
		Kind:        t.Kind,
		State:       t.State,
		ProgressPct: t.ProgressPct,
		Message:     t.Message,
		ResultRef:   t.ResultRef,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		ErrorDetail: t.ErrorDetail,
	}
}

// Event derives the progress event describing t's current values.
func (t Task) Event() ProgressEvent {
	at := t.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return ProgressEvent{
		TaskID:      t.ID,
		State:       t.State,
		ProgressPct: t.ProgressPct,
		Message:     t.Message,
		ResultRef:   t.ResultRef,
		ErrorDetail: t.ErrorDetail,
		Timestamp:   at,
	}
}

type ListFilter struct {
	State State
	Kind  string
	Limit int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize clamps the limit into [1, MaxListLimit].
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// Artifact is the persisted output of a finished task.
type Artifact struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	OwnerID   string          `json:"owner_id"`
	Kind      string          `json:"kind"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}
