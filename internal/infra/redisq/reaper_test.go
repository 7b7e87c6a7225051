package redisq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	ports.Queue

	mu    sync.Mutex
	stale []ports.Delivery
	acked []string
}

func (q *fakeQueue) Stale(ctx context.Context, minIdle time.Duration, count int64) ([]ports.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.stale
	q.stale = nil
	return out, nil
}

func (q *fakeQueue) Ack(ctx context.Context, streamID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, streamID)
	return nil
}

func TestReaperFailsLostTasksAndAcks(t *testing.T) {
	q := &fakeQueue{stale: []ports.Delivery{
		{StreamID: "1-0", TaskID: "task-a"},
		{StreamID: "2-0", TaskID: "task-b"},
		{StreamID: "3-0"},
	}}

	var lost []string
	onLost := func(ctx context.Context, taskID string) error {
		lost = append(lost, taskID)
		if taskID == "task-b" {
			return errors.New("store down")
		}
		return nil
	}

	r := NewReaper(q, time.Hour, time.Minute, onLost, zerolog.Nop())
	n, err := r.reap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"task-a", "task-b"}, lost)
	assert.Equal(t, []string{"1-0", "3-0"}, q.acked, "a message whose task could not be failed stays pending")
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{}
	r := NewReaper(q, 10*time.Millisecond, time.Minute, func(context.Context, string) error { return nil }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
