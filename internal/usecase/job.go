package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"taskrelay/internal/domain"
	"time"
)

// Reporter records finer-grained progress from inside a step. The pipeline
// clamps pct so it never regresses and never reaches 100 before completion.
// A non-nil error means the task was finished elsewhere (cancelled or
// reaped); the step should return it unchanged.
type Reporter func(ctx context.Context, pct int, message string) error

// Step is one ordered unit of a job. Progress is reported when the step starts.
type Step struct {
	Name     string
	Message  string
	Progress int
	Run      func(ctx context.Context, report Reporter) error
}

// Job is one execution of a task kind. Steps share state through the Job
// value; ResultRef is read after the last step succeeds.
type Job interface {
	Steps() []Step
	ResultRef() string
}

type JobSpec struct {
	Kind string
	// Estimate is added to the creation time to give callers an expected
	// completion time.
	Estimate time.Duration
	// Validate rejects malformed params at submission time.
	Validate func(params json.RawMessage) error
	New      func(t domain.Task) (Job, error)
}

type Registry struct {
	specs map[string]JobSpec
}

func NewRegistry(specs ...JobSpec) *Registry {
	r := &Registry{specs: make(map[string]JobSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Kind] = s
	}
	return r
}

func (r *Registry) Lookup(kind string) (JobSpec, bool) {
	s, ok := r.specs[kind]
	return s, ok
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) validate(kind string, params json.RawMessage) error {
	spec, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q (supported: %s)", domain.ErrValidation, kind, strings.Join(r.Kinds(), ", "))
	}
	if spec.Validate == nil {
		return nil
	}
	if err := spec.Validate(params); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
