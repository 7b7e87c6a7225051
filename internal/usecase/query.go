package usecase

import (
	"context"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
)

// Query serves reads. Callers only ever see their own tasks.
type Query struct {
	Tasks     ports.TaskStore
	Artifacts ports.ArtifactStore
}

func (q Query) Get(ctx context.Context, taskID, callerID string) (domain.Snapshot, error) {
	t, err := q.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Snapshot{}, readErr(err)
	}
	if t.OwnerID != callerID {
		return domain.Snapshot{}, domain.ErrForbidden
	}
	return t.Snapshot(), nil
}

func (q Query) List(ctx context.Context, callerID string, f domain.ListFilter) ([]domain.Snapshot, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", domain.ErrValidation, f.State)
	}
	if f.Limit < 0 || f.Limit > domain.MaxListLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, domain.MaxListLimit)
	}

	tasks, err := q.Tasks.List(ctx, callerID, f.Normalize())
	if err != nil {
		return nil, unavailable("list tasks", err)
	}
	out := make([]domain.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out, nil
}

func (q Query) Artifact(ctx context.Context, artifactID, callerID string) (domain.Artifact, error) {
	a, err := q.Artifacts.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, readErr(err)
	}
	if a.OwnerID != callerID {
		return domain.Artifact{}, domain.ErrForbidden
	}
	return a, nil
}
