package postgres

import (
	"context"
	"errors"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var _ ports.ArtifactStore = (*ArtifactStore)(nil)

type ArtifactStore struct {
	db DBTX
}

func NewArtifactStore(db DBTX) *ArtifactStore {
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) SaveArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO artifacts (id, task_id, owner_id, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TaskID, a.OwnerID, a.Kind, string(a.Body), a.CreatedAt,
	)
	if err != nil {
		return domain.Artifact{}, MapError(err)
	}
	return a, nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	var (
		a    domain.Artifact
		body []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, task_id, owner_id, kind, body, created_at
		FROM artifacts
		WHERE id = $1`, id,
	).Scan(&a.ID, &a.TaskID, &a.OwnerID, &a.Kind, &body, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Artifact{}, domain.ErrArtifactNotFound
		}
		return domain.Artifact{}, MapError(err)
	}
	a.Body = body
	return a, nil
}
