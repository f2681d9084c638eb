package repositories

import (
	"errors"
	"fmt"
)

// StoreError implements RepositoryError for every backend; the Firestore layer maps gRPC codes
// onto it.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	msg := "repository error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, id string) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%s not found", id), NotFound: true}
}

// NewConflictError reports a stale write.
func NewConflictError(op string, err error) error {
	return &StoreError{Op: op, Err: err, Conflict: true}
}

// NewUnavailableError reports a transient backend failure.
func NewUnavailableError(op string, err error) error {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError for a stale write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError for a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
