package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxParamsBytes = 64 << 10

var idemKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("idemkey", func(fl validator.FieldLevel) bool {
		return idemKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

type SubmitRequest struct {
	OwnerID        string          `validate:"required,max=128"`
	IdempotencyKey string          `validate:"required,idemkey"`
	Kind           string          `validate:"required,max=64"`
	Params         json.RawMessage `validate:"-"`
}

type SubmitResult struct {
	Task                domain.Task
	Created             bool
	EstimatedCompletion time.Time
}

// Submitter creates tasks exactly once per (owner, idempotency key) and
// hands new ones to the dispatcher.
type Submitter struct {
	Tasks    ports.TaskStore
	Jobs     *Registry
	Dispatch ports.Dispatcher
	Events   Publisher
	Log      zerolog.Logger
}

func (s Submitter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.check(req); err != nil {
		return SubmitResult{}, err
	}

	existing, err := s.Tasks.GetByKey(ctx, req.OwnerID, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.existing(existing, req)
	case !errors.Is(err, domain.ErrNotFound):
		return SubmitResult{}, unavailable("lookup idempotency key", err)
	}

	created, err := s.Tasks.Create(ctx, domain.Task{
		OwnerID:        req.OwnerID,
		IdempotencyKey: req.IdempotencyKey,
		Kind:           req.Kind,
		Params:         req.Params,
		Message:        "Queued",
		CreatedAt:      time.Now().UTC(),
	})
	if errors.Is(err, domain.ErrDuplicate) {
		// lost the race to a concurrent submit with the same key
		existing, err = s.Tasks.GetByKey(ctx, req.OwnerID, req.IdempotencyKey)
		if err != nil {
			return SubmitResult{}, unavailable("lookup idempotency key", err)
		}
		return s.existing(existing, req)
	}
	if err != nil {
		return SubmitResult{}, unavailable("create task", err)
	}

	log := s.Log.With().Str("task_id", created.ID).Str("kind", created.Kind).Logger()
	log.Info().Str("owner_id", created.OwnerID).Msg("task created")
	s.publish(ctx, created)

	if err := s.Dispatch.Dispatch(ctx, created); err != nil {
		log.Error().Err(err).Msg("dispatch failed")
		created = s.failDispatch(ctx, created, err)
	}
	return s.result(created, true), nil
}

func (s Submitter) check(req SubmitRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if len(req.Params) > maxParamsBytes {
		return fmt.Errorf("%w: params exceed %d bytes", domain.ErrValidation, maxParamsBytes)
	}
	var obj map[string]any
	if err := json.Unmarshal(req.Params, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: params must be a JSON object", domain.ErrValidation)
	}
	return s.Jobs.validate(req.Kind, req.Params)
}

func (s Submitter) existing(t domain.Task, req SubmitRequest) (SubmitResult, error) {
	if t.Kind != req.Kind || !sameJSON(t.Params, req.Params) {
		return SubmitResult{}, fmt.Errorf("%w: idempotency key %q was used for a different request", domain.ErrConflict, req.IdempotencyKey)
	}
	return s.result(t, false), nil
}

// failDispatch settles a task that will never reach a worker. If the CAS
// misses, the task already moved on and the stored record is returned.
func (s Submitter) failDispatch(ctx context.Context, t domain.Task, cause error) domain.Task {
	ctx = context.WithoutCancel(ctx)
	detail := domain.ErrorDetail{
		Kind:    domain.ErrorDispatchFailed,
		Message: cause.Error(),
		At:      time.Now().UTC(),
	}
	failed, err := s.Tasks.Fail(ctx, t.ID, detail, "Failed: could not dispatch task")
	if err != nil {
		s.Log.Error().Err(err).Str("task_id", t.ID).Msg("could not record dispatch failure")
		if current, getErr := s.Tasks.Get(ctx, t.ID); getErr == nil {
			return current
		}
		return t
	}
	s.publish(ctx, failed)
	return failed
}

func (s Submitter) result(t domain.Task, created bool) SubmitResult {
	r := SubmitResult{Task: t, Created: created}
	if spec, ok := s.Jobs.Lookup(t.Kind); ok && spec.Estimate > 0 {
		r.EstimatedCompletion = t.CreatedAt.Add(spec.Estimate)
	}
	return r
}

func (s Submitter) publish(ctx context.Context, t domain.Task) {
	if s.Events != nil {
		s.Events.Publish(ctx, t.Event())
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, op, err)
}

// sameJSON compares two JSON documents by value, ignoring key order and
// whitespace.
func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
