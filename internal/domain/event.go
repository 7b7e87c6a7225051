package domain

import "time"

// ProgressEvent is an ephemeral update about a task. It is never persisted;
// the task record always holds the authoritative latest values.
type ProgressEvent struct {
	TaskID      string       `json:"taskId"`
	State       State        `json:"state"`
	ProgressPct int          `json:"progressPct"`
	Message     string       `json:"message"`
	ResultRef   *string      `json:"resultRef,omitempty"`
	ErrorDetail *ErrorDetail `json:"errorDetail,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (e ProgressEvent) IsTerminal() bool { return e.State.IsTerminal() }

// Compare orders two events of the same task by position in the state
// machine, then by progress. It returns -1, 0 or 1.
func (e ProgressEvent) Compare(other ProgressEvent) int {
	if a, b := e.State.rank(), other.State.rank(); a != b {
		if a < b {
			return -1
		}
		return 1
	}
	switch {
	case e.ProgressPct < other.ProgressPct:
		return -1
	case e.ProgressPct > other.ProgressPct:
		return 1
	}
	return 0
}

func (s Snapshot) Event() ProgressEvent {
	at := time.Now().UTC()
	if s.CompletedAt != nil {
		at = *s.CompletedAt
	}
	return ProgressEvent{
		TaskID:      s.TaskID,
		State:       s.State,
		ProgressPct: s.ProgressPct,
		Message:     s.Message,
		ResultRef:   s.ResultRef,
		ErrorDetail: s.ErrorDetail,
		Timestamp:   at,
	}
}
