// Package memstore keeps task records in process memory. It backs
// single-node deployments and tests; records are lost on restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/google/uuid"
)

var (
	_ ports.TaskStore     = (*Store)(nil)
	_ ports.ArtifactStore = (*Store)(nil)
)

type ownerKey struct {
	owner string
	key   string
}

type Store struct {
	mu        sync.RWMutex
	tasks     map[string]domain.Task
	keys      map[ownerKey]string
	artifacts map[string]domain.Artifact
}

func New() *Store {
	return &Store{
		tasks:     make(map[string]domain.Task),
		keys:      make(map[ownerKey]string),
		artifacts: make(map[string]domain.Artifact),
	}
}

func (s *Store) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ownerKey{t.OwnerID, t.IdempotencyKey}
	if _, ok := s.keys[k]; ok {
		return domain.Task{}, domain.ErrDuplicate
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.State = domain.StateQueued
	t.ProgressPct = 0

	s.tasks[t.ID] = t
	s.keys[k] = t.ID
	return clone(t), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) GetByKey(ctx context.Context, ownerID, key string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[ownerKey{ownerID, key}]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return clone(s.tasks[id]), nil
}

func (s *Store) List(ctx context.Context, ownerID string, f domain.ListFilter) ([]domain.Task, error) {
	f = f.Normalize()

	s.mu.RLock()
	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if t.OwnerID != ownerID {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, clone(t))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkRunning(ctx context.Context, id, message string, at time.Time) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
		if t.State != domain.StateQueued {
			return transitionErr(t.State, domain.StateRunning)
		}
		t.State = domain.StateRunning
		t.ProgressPct = 0
		t.Message = message
		t.StartedAt = &at
		t.UpdatedAt = at
		return nil
	})
}

func (s *Store) UpdateProgress(ctx context.Context, id string, pct int, message string, at time.Time) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
		if t.State != domain.StateRunning {
			return transitionErr(t.State, domain.StateRunning)
		}
		t.ProgressPct = max(t.ProgressPct, min(pct, 100))
		t.Message = message
		t.UpdatedAt = at
		return nil
	})
}

func (s *Store) Complete(ctx context.Context, id, resultRef, message string, at time.Time) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
		if t.State != domain.StateRunning {
			return transitionErr(t.State, domain.StateDone)
		}
		t.State = domain.StateDone
		t.ProgressPct = 100
		t.Message = message
		t.ResultRef = &resultRef
		t.CompletedAt = &at
		t.UpdatedAt = at
		return nil
	})
}

func (s *Store) Fail(ctx context.Context, id string, detail domain.ErrorDetail, message string) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
		if t.State.IsTerminal() {
			return transitionErr(t.State, domain.StateError)
		}
		at := detail.At
		t.State = domain.StateError
		t.Message = message
		t.ErrorDetail = &detail
		t.CompletedAt = &at
		t.UpdatedAt = at
		return nil
	})
}

func (s *Store) SaveArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.artifacts[a.ID] = a
	return a, nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return domain.Artifact{}, domain.ErrArtifactNotFound
	}
	return a, nil
}

func (s *Store) update(id string, apply func(t *domain.Task) error) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if err := apply(&t); err != nil {
		return clone(t), err
	}
	s.tasks[id] = t
	return clone(t), nil
}

func transitionErr(from, to domain.State) error {
	return fmt.Errorf("%w: %s -> %s", domain.ErrTransition, from, to)
}

// clone detaches pointer fields so callers cannot mutate stored records.
func clone(t domain.Task) domain.Task {
	if t.ResultRef != nil {
		v := *t.ResultRef
		t.ResultRef = &v
	}
	if t.ErrorDetail != nil {
		v := *t.ErrorDetail
		t.ErrorDetail = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	if t.Params != nil {
		t.Params = append([]byte(nil), t.Params...)
	}
	return t
}
