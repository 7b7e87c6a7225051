package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var _ ports.TaskStore = (*TaskStore)(nil)

const taskColumns = `id, owner_id, idempotency_key, kind, params, state, progress_pct, message,
	result_ref, error_detail, created_at, started_at, completed_at, updated_at`

type TaskStore struct {
	db DBTX
}

func NewTaskStore(db DBTX) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	params := string(t.Params)
	if params == "" {
		params = "{}"
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO tasks (id, owner_id, idempotency_key, kind, params, state, progress_pct, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		RETURNING `+taskColumns,
		t.ID, t.OwnerID, t.IdempotencyKey, t.Kind, params, domain.StateQueued, t.Message, t.CreatedAt,
	)
	created, err := scanTask(row)
	if err != nil {
		return domain.Task{}, MapError(err)
	}
	return created, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, MapError(err)
	}
	return t, nil
}

func (s *TaskStore) GetByKey(ctx context.Context, ownerID, key string) (domain.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = $1 AND idempotency_key = $2`,
		ownerID, key,
	)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, MapError(err)
	}
	return t, nil
}

func (s *TaskStore) List(ctx context.Context, ownerID string, f domain.ListFilter) ([]domain.Task, error) {
	f = f.Normalize()
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner_id = $1
		  AND ($2 = '' OR state = $2)
		  AND ($3 = '' OR kind = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		ownerID, string(f.State), f.Kind, f.Limit,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	out := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

func (s *TaskStore) MarkRunning(ctx context.Context, id, message string, at time.Time) (domain.Task, error) {
	return s.transition(ctx, id, domain.StateRunning, `
		UPDATE tasks
		SET state = 'RUNNING', progress_pct = 0, message = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'QUEUED'
		RETURNING `+taskColumns,
		id, message, at,
	)
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id string, pct int, message string, at time.Time) (domain.Task, error) {
	return s.transition(ctx, id, domain.StateRunning, `
		UPDATE tasks
		SET progress_pct = GREATEST(progress_pct, LEAST($2, 100)), message = $3, updated_at = $4
		WHERE id = $1 AND state = 'RUNNING'
		RETURNING `+taskColumns,
		id, pct, message, at,
	)
}

func (s *TaskStore) Complete(ctx context.Context, id, resultRef, message string, at time.Time) (domain.Task, error) {
	return s.transition(ctx, id, domain.StateDone, `
		UPDATE tasks
		SET state = 'DONE', progress_pct = 100, message = $2, result_ref = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND state = 'RUNNING'
		RETURNING `+taskColumns,
		id, message, resultRef, at,
	)
}

func (s *TaskStore) Fail(ctx context.Context, id string, detail domain.ErrorDetail, message string) (domain.Task, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal error detail: %w", err)
	}
	return s.transition(ctx, id, domain.StateError, `
		UPDATE tasks
		SET state = 'ERROR', message = $2, error_detail = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND state IN ('QUEUED', 'RUNNING')
		RETURNING `+taskColumns,
		id, message, string(raw), detail.At,
	)
}

// transition runs a conditional UPDATE. No returned row means either the task
// does not exist or its state did not match; a follow-up read tells which.
func (s *TaskStore) transition(ctx context.Context, id string, to domain.State, query string, args ...any) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, MapError(err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Task{}, getErr
	}
	return current, fmt.Errorf("%w: %s -> %s", domain.ErrTransition, current.State, to)
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t           domain.Task
		state       string
		params      []byte
		errorDetail []byte
	)
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.IdempotencyKey,
		&t.Kind,
		&params,
		&state,
		&t.ProgressPct,
		&t.Message,
		&t.ResultRef,
		&errorDetail,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}

	t.State = domain.State(state)
	t.Params = json.RawMessage(params)
	if len(errorDetail) > 0 {
		var d domain.ErrorDetail
		if err := json.Unmarshal(errorDetail, &d); err != nil {
			return domain.Task{}, fmt.Errorf("decode error detail: %w", err)
		}
		t.ErrorDetail = &d
	}
	return t, nil
}
