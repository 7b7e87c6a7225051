package worker

import (
	"context"
	"encoding/json"
	"sync"
	"taskrelay/internal/broadcast"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/infra/memstore"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/usecase"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (c *collector) Deliver(ev domain.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) Last() (domain.ProgressEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return domain.ProgressEvent{}, false
	}
	return c.events[len(c.events)-1], true
}

type generatorFunc func(ctx context.Context, brief domain.CourseBrief) (domain.Course, error)

func (f generatorFunc) GenerateCourse(ctx context.Context, brief domain.CourseBrief) (domain.Course, error) {
	return f(ctx, brief)
}

func newClient(t *testing.T, ctx context.Context) *redisq.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisq.New(config.Redis{
		Addr:         mr.Addr(),
		StreamKey:    "tasks:dispatch",
		Group:        "pipelines",
		DLQStreamKey: "tasks:dispatch:dlq",
	})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Init(ctx))
	return client
}

func workerConfig() config.Worker {
	return config.Worker{
		ConsumerName:      "worker-1",
		BaseBackoff:       10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		LostAfter:         time.Minute,
		ReapInterval:      time.Second,
	}
}

// A task submitted on the API side runs on the worker, and its progress
// reaches a viewer on the API side through the Redis relay.
func TestWorkerRunsDispatchedTask(t *testing.T) {
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newClient(t, ctx)

	store := memstore.New()
	jobs := usecase.NewRegistry(usecase.CourseJob(usecase.StaticGenerator{}, store))

	apiBus := broadcast.New(redisq.NewRelay(client.Rdb, "progress:", "api-1", log), 0, log)
	workerBus := broadcast.New(redisq.NewRelay(client.Rdb, "progress:", "worker-1", log), 0, log)
	go func() { _ = apiBus.Run(ctx) }()

	submitter := usecase.Submitter{Tasks: store, Jobs: jobs, Dispatch: client, Events: apiBus, Log: log}
	res, err := submitter.Submit(ctx, usecase.SubmitRequest{
		OwnerID:        "u1",
		IdempotencyKey: "order-0001",
		Kind:           usecase.CourseGenerationKind,
		Params:         json.RawMessage(`{"topic":"Go"}`),
	})
	require.NoError(t, err)

	viewer := &collector{}
	apiBus.Subscribe(res.Task.ID, viewer)
	// let the api relay subscribe before the worker starts publishing
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Deps{
			Queue:    client,
			Pipeline: usecase.NewPipeline(store, jobs, workerBus, 0, log),
			Bus:      workerBus,
			Cfg:      workerConfig(),
			Log:      log,
		})
	}()

	require.Eventually(t, func() bool {
		task, err := store.Get(ctx, res.Task.ID)
		return err == nil && task.State == domain.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		ev, ok := viewer.Last()
		return ok && ev.State == domain.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stale, err := client.Stale(ctx, 0, 10)
		return err == nil && len(stale) == 0
	}, 5*time.Second, 10*time.Millisecond, "message should be acked")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// Stopping the worker mid-run records worker_lost, and that terminal event
// still crosses the relay to viewers on the API side.
func TestWorkerShutdownRelaysInterruptedTask(t *testing.T) {
	log := zerolog.Nop()
	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	client := newClient(t, apiCtx)

	entered := make(chan struct{})
	release := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, b domain.CourseBrief) (domain.Course, error) {
		close(entered)
		<-release
		return usecase.StaticGenerator{}.GenerateCourse(ctx, b)
	})

	store := memstore.New()
	jobs := usecase.NewRegistry(usecase.CourseJob(gen, store))

	apiBus := broadcast.New(redisq.NewRelay(client.Rdb, "progress:", "api-1", log), 0, log)
	workerBus := broadcast.New(redisq.NewRelay(client.Rdb, "progress:", "worker-1", log), 0, log)
	go func() { _ = apiBus.Run(apiCtx) }()

	submitter := usecase.Submitter{Tasks: store, Jobs: jobs, Dispatch: client, Events: apiBus, Log: log}
	res, err := submitter.Submit(apiCtx, usecase.SubmitRequest{
		OwnerID:        "u1",
		IdempotencyKey: "order-0002",
		Kind:           usecase.CourseGenerationKind,
		Params:         json.RawMessage(`{"topic":"Go"}`),
	})
	require.NoError(t, err)

	viewer := &collector{}
	apiBus.Subscribe(res.Task.ID, viewer)
	time.Sleep(100 * time.Millisecond)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(workerCtx, Deps{
			Queue:    client,
			Pipeline: usecase.NewPipeline(store, jobs, workerBus, 0, log),
			Bus:      workerBus,
			Cfg:      workerConfig(),
			Log:      log,
		})
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
	stopWorker()
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	task, err := store.Get(apiCtx, res.Task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateError, task.State)
	require.NotNil(t, task.ErrorDetail)
	assert.Equal(t, domain.ErrorWorkerLost, task.ErrorDetail.Kind)

	require.Eventually(t, func() bool {
		ev, ok := viewer.Last()
		return ok && ev.State == domain.StateError
	}, 5*time.Second, 10*time.Millisecond, "viewer should see the terminal event")
}
