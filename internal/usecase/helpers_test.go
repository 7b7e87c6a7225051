package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/infra/memstore"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (r *recorder) Publish(_ context.Context, ev domain.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) For(taskID string) []domain.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProgressEvent
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

type countingDispatcher struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (d *countingDispatcher) Dispatch(_ context.Context, t domain.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, t.ID)
	return nil
}

func (d *countingDispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// failingStore breaks every read so callers see a storage outage.
type failingStore struct {
	*memstore.Store
}

var errStoreDown = errors.New("connection refused")

func (failingStore) GetByKey(context.Context, string, string) (domain.Task, error) {
	return domain.Task{}, errStoreDown
}

func (failingStore) List(context.Context, string, domain.ListFilter) ([]domain.Task, error) {
	return nil, errStoreDown
}

type generatorFunc func(ctx context.Context, brief domain.CourseBrief) (domain.Course, error)

func (f generatorFunc) GenerateCourse(ctx context.Context, brief domain.CourseBrief) (domain.Course, error) {
	return f(ctx, brief)
}

type env struct {
	store    *memstore.Store
	events   *recorder
	pipeline *Pipeline
	jobs     *Registry
}

func newEnv(t *testing.T, gen generatorFunc, extra ...JobSpec) *env {
	t.Helper()
	store := memstore.New()
	events := &recorder{}
	if gen == nil {
		gen = StaticGenerator{}.GenerateCourse
	}
	jobs := NewRegistry(append([]JobSpec{CourseJob(gen, store)}, extra...)...)
	return &env{
		store:    store,
		events:   events,
		jobs:     jobs,
		pipeline: NewPipeline(store, jobs, events, 0, zerolog.Nop()),
	}
}

func (e *env) queued(t *testing.T, kind, params string) domain.Task {
	t.Helper()
	task, err := e.store.Create(context.Background(), domain.Task{
		OwnerID:        "owner-1",
		IdempotencyKey: "key-" + uuid.NewString(),
		Kind:           kind,
		Params:         json.RawMessage(params),
	})
	require.NoError(t, err)
	return task
}

func assertMonotonic(t *testing.T, events []domain.ProgressEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Compare(events[i-1]), 0,
			"event %d (%s %d%%) regressed from %s %d%%", i,
			events[i].State, events[i].ProgressPct, events[i-1].State, events[i-1].ProgressPct)
	}
}

func mustField(t *testing.T, body json.RawMessage, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	require.Contains(t, m, field)
	return string(m[field])
}
