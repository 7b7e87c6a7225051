package usecase

import (
	"context"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/rs/zerolog"
)

// Publisher receives every progress event the pipeline produces. Publishing
// is best-effort and must not block.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ProgressEvent)
}

// errStopped means the task reached a terminal state outside this pipeline.
var errStopped = errors.New("task finished elsewhere")

const (
	failAttempts   = 3
	writeTimeout   = 10 * time.Second
	startedMessage = "Started"
	doneMessage    = "Completed"
)

// Pipeline drives one task from QUEUED to a terminal state. It is the only
// writer of a task's progress; the sole competing writer is the terminal
// compare-and-set used by cancellation and the reaper.
type Pipeline struct {
	Tasks       ports.TaskStore
	Jobs        *Registry
	Events      Publisher
	MaxDuration time.Duration
	Log         zerolog.Logger

	now func() time.Time
}

func NewPipeline(tasks ports.TaskStore, jobs *Registry, events Publisher, maxDuration time.Duration, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Tasks:       tasks,
		Jobs:        jobs,
		Events:      events,
		MaxDuration: maxDuration,
		Log:         log.With().Str("component", "pipeline").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the task once. A task that is no longer QUEUED is skipped, so
// a redelivered dispatch never runs the job twice. Step failures are recorded
// on the task and are not returned; a non-nil error means the outcome could
// not be persisted.
func (p *Pipeline) Run(ctx context.Context, taskID string) error {
	task, err := p.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	log := p.Log.With().Str("task_id", task.ID).Str("kind", task.Kind).Logger()

	spec, ok := p.Jobs.Lookup(task.Kind)
	if !ok {
		log.Error().Msg("no job registered for kind")
		return p.fail(ctx, task.ID, domain.ErrorUnknownKind, "", fmt.Sprintf("no job registered for kind %q", task.Kind))
	}

	running, err := p.Tasks.MarkRunning(ctx, task.ID, startedMessage, p.now())
	if errors.Is(err, domain.ErrTransition) {
		log.Info().Str("state", string(running.State)).Msg("task not queued, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	p.publish(ctx, running)
	log.Info().Msg("pipeline started")

	job, err := spec.New(running)
	if err != nil {
		return p.fail(ctx, task.ID, domain.ErrorStepFailed, "init", err.Error())
	}

	e := &execution{p: p, task: running, started: p.now(), log: log}
	return e.run(ctx, job)
}

// FailLost marks a task whose worker disappeared. Tasks already terminal are
// left alone.
func (p *Pipeline) FailLost(ctx context.Context, taskID string) error {
	return p.fail(ctx, taskID, domain.ErrorWorkerLost, "", "worker stopped responding")
}

// fail records the ERROR transition, retrying transient store errors. A CAS
// miss means another actor already finished the task, which is fine.
func (p *Pipeline) fail(ctx context.Context, taskID string, kind domain.ErrorKind, step, message string) error {
	ctx = context.WithoutCancel(ctx)
	detail := domain.ErrorDetail{Kind: kind, Message: message, Step: step, At: p.now()}
	status := "Failed: " + message
	if step != "" {
		status = fmt.Sprintf("Failed during %s: %s", step, message)
	}

	var err error
	for attempt := 1; attempt <= failAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		var failed domain.Task
		failed, err = p.Tasks.Fail(wctx, taskID, detail, status)
		cancel()

		switch {
		case err == nil:
			p.publish(ctx, failed)
			p.Log.Warn().Str("task_id", taskID).Str("error_kind", string(kind)).Str("step", step).Msg(message)
			return nil
		case errors.Is(err, domain.ErrTransition), errors.Is(err, domain.ErrNotFound):
			return nil
		}
		if attempt < failAttempts {
			time.Sleep(backoff.ExponentialJitter(200*time.Millisecond, 2*time.Second, attempt))
		}
	}
	return fmt.Errorf("record failure of task %s: %w", taskID, err)
}

func (p *Pipeline) publish(ctx context.Context, t domain.Task) {
	if p.Events != nil {
		p.Events.Publish(context.WithoutCancel(ctx), t.Event())
	}
}

type execution struct {
	p       *Pipeline
	task    domain.Task
	started time.Time
	step    string
	log     zerolog.Logger
}

func (e *execution) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("step", e.step).Msg("pipeline panicked")
			err = e.p.fail(ctx, e.task.ID, domain.ErrorPanic, e.step, fmt.Sprintf("panic: %v", r))
		}
	}()

	for _, step := range job.Steps() {
		if stop, err := e.checkpoint(ctx); stop {
			return err
		}

		e.step = step.Name
		if err := e.report(ctx, step.Progress, step.Message); err != nil {
			return e.handleStepErr(ctx, err)
		}
		e.log.Debug().Str("step", step.Name).Int("progress", e.task.ProgressPct).Msg("step started")

		if err := step.Run(ctx, e.report); err != nil {
			return e.handleStepErr(ctx, err)
		}
	}
	e.step = ""

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	done, err := e.p.Tasks.Complete(wctx, e.task.ID, job.ResultRef(), doneMessage, e.p.now())
	if errors.Is(err, domain.ErrTransition) {
		e.log.Info().Str("state", string(done.State)).Msg("task finished elsewhere before completion")
		return nil
	}
	if err != nil {
		return e.p.fail(ctx, e.task.ID, domain.ErrorStepFailed, "complete", err.Error())
	}
	e.p.publish(ctx, done)
	e.log.Info().Dur("elapsed", e.p.now().Sub(e.started)).Str("result_ref", job.ResultRef()).Msg("pipeline completed")
	return nil
}

// checkpoint runs at every step boundary. It stops the pipeline when the task
// was cancelled, the worker is shutting down, or the time limit passed.
func (e *execution) checkpoint(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return true, e.p.fail(ctx, e.task.ID, domain.ErrorWorkerLost, e.step, "worker shutting down")
	}

	current, err := e.p.Tasks.Get(ctx, e.task.ID)
	if err == nil && current.State.IsTerminal() {
		e.log.Info().Str("state", string(current.State)).Msg("task finished elsewhere, stopping")
		return true, nil
	}

	if e.p.MaxDuration > 0 && e.p.now().Sub(e.started) > e.p.MaxDuration {
		return true, e.p.fail(ctx, e.task.ID, domain.ErrorTimeout, e.step, fmt.Sprintf("exceeded %s", e.p.MaxDuration))
	}
	return false, nil
}

func (e *execution) report(ctx context.Context, pct int, message string) error {
	pct = min(max(pct, e.task.ProgressPct), 99)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	updated, err := e.p.Tasks.UpdateProgress(wctx, e.task.ID, pct, message, e.p.now())
	if errors.Is(err, domain.ErrTransition) {
		return errStopped
	}
	if err != nil {
		// progress is advisory; the terminal write is what must land
		e.log.Warn().Err(err).Int("progress", pct).Msg("failed to persist progress")
		return nil
	}
	e.task = updated
	e.p.publish(ctx, updated)
	return nil
}

func (e *execution) handleStepErr(ctx context.Context, err error) error {
	if errors.Is(err, errStopped) {
		e.log.Info().Str("step", e.step).Msg("task finished elsewhere, stopping")
		return nil
	}
	kind := domain.ErrorStepFailed
	if ctx.Err() != nil {
		kind = domain.ErrorWorkerLost
	}
	return e.p.fail(ctx, e.task.ID, kind, e.step, err.Error())
}
