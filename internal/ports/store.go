package ports

import (
	"context"
	"taskrelay/internal/domain"
	"time"
)

// TaskStore persists task records. Every state-changing method is a
// conditional update: it returns domain.ErrTransition when the stored state
// does not allow the change, which is how cancellation and natural
// completion race safely.
type TaskStore interface {
	// Create inserts a QUEUED task. It returns domain.ErrDuplicate when the
	// (owner, idempotency key) pair already exists.
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	GetByKey(ctx context.Context, ownerID, key string) (domain.Task, error)
	List(ctx context.Context, ownerID string, f domain.ListFilter) ([]domain.Task, error)

	// MarkRunning moves QUEUED -> RUNNING.
	MarkRunning(ctx context.Context, id, message string, at time.Time) (domain.Task, error)
	// UpdateProgress applies while RUNNING; progress never decreases.
	UpdateProgress(ctx context.Context, id string, pct int, message string, at time.Time) (domain.Task, error)
	// Complete moves RUNNING -> DONE with progress 100.
	Complete(ctx context.Context, id, resultRef, message string, at time.Time) (domain.Task, error)
	// Fail moves QUEUED or RUNNING -> ERROR, leaving progress untouched.
	Fail(ctx context.Context, id string, detail domain.ErrorDetail, message string) (domain.Task, error)
}

type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error)
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
}
