package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(owner, key string) domain.Task {
	return domain.Task{
		OwnerID:        owner,
		IdempotencyKey: key,
		Kind:           "course_generation",
		Params:         json.RawMessage(`{"topic":"X"}`),
	}
}

func TestCreateEnforcesOwnerKeyUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.Create(ctx, newTask("u1", "key-00001"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, first.State)
	assert.NotEmpty(t, first.ID)

	_, err = s.Create(ctx, newTask("u1", "key-00001"))
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	other, err := s.Create(ctx, newTask("u2", "key-00001"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	byKey, err := s.GetByKey(ctx, "u1", "key-00001")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)
}

func TestConcurrentCreateYieldsOneTask(t *testing.T) {
	ctx := context.Background()
	s := New()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, newTask("u1", "key-00002")); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	task, err := s.Create(ctx, newTask("u1", "key-00003"))
	require.NoError(t, err)

	_, err = s.UpdateProgress(ctx, task.ID, 10, "early", now)
	assert.ErrorIs(t, err, domain.ErrTransition)

	running, err := s.MarkRunning(ctx, task.ID, "Started", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, running.State)
	require.NotNil(t, running.StartedAt)

	_, err = s.MarkRunning(ctx, task.ID, "again", now)
	assert.ErrorIs(t, err, domain.ErrTransition)

	p, err := s.UpdateProgress(ctx, task.ID, 40, "generating", now)
	require.NoError(t, err)
	assert.Equal(t, 40, p.ProgressPct)

	p, err = s.UpdateProgress(ctx, task.ID, 20, "late", now)
	require.NoError(t, err)
	assert.Equal(t, 40, p.ProgressPct, "progress must not regress")

	done, err := s.Complete(ctx, task.ID, "artifact-1", "Done", now)
	require.NoError(t, err)
	assert.Equal(t, 100, done.ProgressPct)
	require.NotNil(t, done.ResultRef)
	assert.Equal(t, "artifact-1", *done.ResultRef)
	assert.Nil(t, done.ErrorDetail)

	_, err = s.Fail(ctx, task.ID, domain.ErrorDetail{Kind: domain.ErrorCancelled, At: now}, "cancelled")
	assert.ErrorIs(t, err, domain.ErrTransition)
}

func TestFailKeepsProgress(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	task, _ := s.Create(ctx, newTask("u1", "key-00004"))
	_, _ = s.MarkRunning(ctx, task.ID, "Started", now)
	_, _ = s.UpdateProgress(ctx, task.ID, 40, "generating", now)

	failed, err := s.Fail(ctx, task.ID, domain.ErrorDetail{Kind: domain.ErrorStepFailed, Step: "generate", At: now}, "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, failed.State)
	assert.Equal(t, 40, failed.ProgressPct)
	assert.Nil(t, failed.ResultRef)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, "generate", failed.ErrorDetail.Step)

	_, err = s.Complete(ctx, task.ID, "a", "Done", now)
	assert.ErrorIs(t, err, domain.ErrTransition)
}

func TestCancelVersusCompleteRace(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		s := New()
		now := time.Now().UTC()
		task, _ := s.Create(ctx, newTask("u1", "key-00005"))
		_, _ = s.MarkRunning(ctx, task.ID, "Started", now)

		var wg sync.WaitGroup
		var completeErr, failErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = s.Complete(ctx, task.ID, "a", "Done", now)
		}()
		go func() {
			defer wg.Done()
			_, failErr = s.Fail(ctx, task.ID, domain.ErrorDetail{Kind: domain.ErrorCancelled, At: now}, "cancelled")
		}()
		wg.Wait()

		wins := 0
		for _, err := range []error{completeErr, failErr} {
			if err == nil {
				wins++
			} else {
				assert.True(t, errors.Is(err, domain.ErrTransition))
			}
		}
		assert.Equal(t, 1, wins)

		final, _ := s.Get(ctx, task.ID)
		assert.True(t, final.State.IsTerminal())
		assert.True(t, (final.ResultRef != nil) != (final.ErrorDetail != nil))
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now().UTC()

	for i, key := range []string{"key-a0001", "key-a0002", "key-a0003"} {
		task := newTask("u1", key)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := s.Create(ctx, task)
		require.NoError(t, err)
	}
	_, _ = s.Create(ctx, newTask("u2", "key-b0001"))

	all, err := s.List(ctx, "u1", domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "key-a0003", all[0].IdempotencyKey)

	_, _ = s.MarkRunning(ctx, all[0].ID, "Started", base)
	running, err := s.List(ctx, "u1", domain.ListFilter{State: domain.StateRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)

	limited, err := s.List(ctx, "u1", domain.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	s := New()

	saved, err := s.SaveArtifact(ctx, domain.Artifact{TaskID: "t1", OwnerID: "u1", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	got, err := s.GetArtifact(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)

	_, err = s.GetArtifact(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
}
