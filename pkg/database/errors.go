package database

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrUniqueViolation marks a unique_violation (23505). It also matches ErrIntegrityViolation.
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrIntegrityViolation marks any SQLSTATE class 23 error (foreign key, unique, not null, check).
	ErrIntegrityViolation = errors.New("integrity constraint violation")
	// ErrNoRowsUpdated is returned by conditional updates that matched nothing.
	ErrNoRowsUpdated = errors.New("no rows updated")
	// ErrNoRowsDeleted is returned by deletes of a row that is already gone.
	ErrNoRowsDeleted = errors.New("no rows deleted")
)

const (
	uniqueViolationCode      pq.ErrorCode  = "23505"
	integrityConstraintClass pq.ErrorClass = "23"
)

type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *classifiedError) Is(target error) bool {
	if target == e.kind {
		return true
	}
	return e.kind == ErrUniqueViolation && target == ErrIntegrityViolation
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// ClassifyError tags Postgres constraint errors so callers can match them with errors.Is
// without depending on the driver. Other errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == uniqueViolationCode:
		return &classifiedError{kind: ErrUniqueViolation, cause: err}
	case pqErr.Code.Class() == integrityConstraintClass:
		return &classifiedError{kind: ErrIntegrityViolation, cause: err}
	}
	return err
}

func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrityViolation)
}
