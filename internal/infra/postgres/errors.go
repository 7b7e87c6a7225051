package postgres

import (
	"errors"
	"fmt"
	"taskrelay/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolationCode = "23505"
	checkViolationCode  = "23514"
)

// MapError translates driver errors into domain errors. Anything it does not
// recognise is treated as a retryable storage failure.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, pgErr.ConstraintName)
		case checkViolationCode:
			return fmt.Errorf("%w: check constraint %s", domain.ErrTransition, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}
