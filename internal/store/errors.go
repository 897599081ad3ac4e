package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	apperrors "eventbus/pkg/errors"
)

const (
	pqUndefinedTable  = "42P01"
	pqUniqueViolation = "23505"
)

// ErrSchemaMissing is returned by gateways whose tables have not been created.
var ErrSchemaMissing = errors.New("relation does not exist")

// IsUndefinedTable reports whether err means the bus tables are missing.
func IsUndefinedTable(err error) bool {
	if errors.Is(err, ErrSchemaMissing) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUndefinedTable
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

func notFound(kind, id string) error {
	return apperrors.ErrNotFound.WithMessage("%s %s not found", kind, id)
}

func conflict(kind, id string, cause error) error {
	return apperrors.ErrConflict.WithMessage("%s %s already exists", kind, id).WithCause(cause)
}

func wrapQuery(op string, err error) error {
	return fmt.Errorf("failed to %s: %w", op, err)
}
