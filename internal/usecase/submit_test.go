package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"taskrelay/internal/domain"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSubmitter(e *env, d *countingDispatcher) Submitter {
	return Submitter{Tasks: e.store, Jobs: e.jobs, Dispatch: d, Events: e.events, Log: zerolog.Nop()}
}

func courseRequest(key, params string) SubmitRequest {
	return SubmitRequest{
		OwnerID:        "owner-1",
		IdempotencyKey: key,
		Kind:           CourseGenerationKind,
		Params:         json.RawMessage(params),
	}
}

func TestSubmitCreatesAndDispatches(t *testing.T) {
	e := newEnv(t, nil)
	d := &countingDispatcher{}
	s := newSubmitter(e, d)

	res, err := s.Submit(context.Background(), courseRequest("order-0001", `{"topic":"Go"}`))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, domain.StateQueued, res.Task.State)
	assert.Equal(t, 0, res.Task.ProgressPct)
	assert.Equal(t, res.Task.CreatedAt.Add(CourseJob(nil, nil).Estimate), res.EstimatedCompletion)
	assert.Equal(t, 1, d.Count())

	events := e.events.For(res.Task.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StateQueued, events[0].State)
}

func TestSubmitReturnsExistingTaskForSameKey(t *testing.T) {
	e := newEnv(t, nil)
	d := &countingDispatcher{}
	s := newSubmitter(e, d)
	ctx := context.Background()

	first, err := s.Submit(ctx, courseRequest("order-0002", `{"topic":"Go","lessons":3}`))
	require.NoError(t, err)

	again, err := s.Submit(ctx, courseRequest("order-0002", `{ "lessons": 3, "topic": "Go" }`))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Task.ID, again.Task.ID)
	assert.Equal(t, 1, d.Count())
}

func TestSubmitRejectsReusedKeyWithDifferentParams(t *testing.T) {
	e := newEnv(t, nil)
	s := newSubmitter(e, &countingDispatcher{})
	ctx := context.Background()

	_, err := s.Submit(ctx, courseRequest("order-0003", `{"topic":"Go"}`))
	require.NoError(t, err)

	_, err = s.Submit(ctx, courseRequest("order-0003", `{"topic":"Rust"}`))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, nil)
	d := &countingDispatcher{}
	s := newSubmitter(e, d)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"short key", courseRequest("abc", `{"topic":"Go"}`)},
		{"key with spaces", courseRequest("order 0001 x", `{"topic":"Go"}`)},
		{"missing owner", SubmitRequest{IdempotencyKey: "order-0004", Kind: CourseGenerationKind, Params: json.RawMessage(`{"topic":"Go"}`)}},
		{"unknown kind", SubmitRequest{OwnerID: "owner-1", IdempotencyKey: "order-0004", Kind: "video_render", Params: json.RawMessage(`{}`)}},
		{"params not an object", courseRequest("order-0004", `["Go"]`)},
		{"params not json", courseRequest("order-0004", `{topic`)},
		{"missing topic", courseRequest("order-0004", `{"lessons":2}`)},
		{"too many lessons", courseRequest("order-0004", `{"topic":"Go","lessons":500}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, d.Count())
}

func TestUnknownKindListsSupportedKinds(t *testing.T) {
	e := newEnv(t, nil)
	s := newSubmitter(e, &countingDispatcher{})

	_, err := s.Submit(context.Background(), SubmitRequest{OwnerID: "owner-1", IdempotencyKey: "order-0005", Kind: "video_render", Params: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), `unknown kind "video_render" (supported: course_generation)`)
}

func TestConcurrentSubmitCreatesOneTask(t *testing.T) {
	e := newEnv(t, nil)
	d := &countingDispatcher{}
	s := newSubmitter(e, d)

	const n = 25
	var wg sync.WaitGroup
	results := make([]SubmitResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Submit(context.Background(), courseRequest("order-0005", `{"topic":"Go"}`))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Task.ID, results[i].Task.ID)
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, d.Count())
}

func TestSubmitDispatchFailureSettlesTask(t *testing.T) {
	e := newEnv(t, nil)
	s := newSubmitter(e, &countingDispatcher{err: errors.New("stream unavailable")})
	ctx := context.Background()

	res, err := s.Submit(ctx, courseRequest("order-0006", `{"topic":"Go"}`))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, domain.StateError, res.Task.State)
	require.NotNil(t, res.Task.ErrorDetail)
	assert.Equal(t, domain.ErrorDispatchFailed, res.Task.ErrorDetail.Kind)

	again, err := s.Submit(ctx, courseRequest("order-0006", `{"topic":"Go"}`))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, domain.StateError, again.Task.State)
}

func TestSubmitStorageOutage(t *testing.T) {
	e := newEnv(t, nil)
	s := Submitter{Tasks: failingStore{e.store}, Jobs: e.jobs, Dispatch: &countingDispatcher{}, Log: zerolog.Nop()}

	_, err := s.Submit(context.Background(), courseRequest("order-0007", `{"topic":"Go"}`))
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
