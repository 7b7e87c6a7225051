package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	all := []State{StateQueued, StateRunning, StateDone, StateError}
	legal := map[State][]State{
		StateQueued:  {StateRunning, StateError},
		StateRunning: {StateDone, StateError},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}

	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateError.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, State("PAUSED").Valid())
}

func TestEventCompare(t *testing.T) {
	queued := ProgressEvent{State: StateQueued}
	r10 := ProgressEvent{State: StateRunning, ProgressPct: 10}
	r40 := ProgressEvent{State: StateRunning, ProgressPct: 40}
	done := ProgressEvent{State: StateDone, ProgressPct: 100}
	failed := ProgressEvent{State: StateError, ProgressPct: 40}

	assert.Equal(t, -1, queued.Compare(r10))
	assert.Equal(t, -1, r10.Compare(r40))
	assert.Equal(t, 0, r40.Compare(r40))
	assert.Equal(t, 1, done.Compare(r40))
	assert.Equal(t, 1, failed.Compare(r40))
}

func TestSnapshotCarriesTerminalFields(t *testing.T) {
	ref := "artifact-1"
	done := time.Now().UTC()
	task := Task{
		ID:          "t1",
		Kind:        "course_generation",
		State:       StateDone,
		ProgressPct: 100,
		ResultRef:   &ref,
		CompletedAt: &done,
	}

	snap := task.Snapshot()
	assert.Equal(t, "t1", snap.TaskID)
	assert.Equal(t, &ref, snap.ResultRef)
	assert.Nil(t, snap.ErrorDetail)

	ev := snap.Event()
	assert.True(t, ev.IsTerminal())
	assert.Equal(t, done, ev.Timestamp)
}

func TestListFilterNormalize(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ListFilter{}.Normalize().Limit)
	assert.Equal(t, MaxListLimit, ListFilter{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 7, ListFilter{Limit: 7}.Normalize().Limit)
}
