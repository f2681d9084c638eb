package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/dropin/internal/repositories"
)

// WrapError maps a Firestore failure onto repositories.StoreError so every session backend
// classifies failures the same way. gRPC cancellation and deadline statuses come back as the
// matching context errors, and errors that are already classified pass through untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified *repositories.StoreError
	if errors.As(err, &classified) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.NotFound:
		return &repositories.StoreError{Op: op, Err: err, NotFound: true}
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.NewConflictError(op, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return repositories.NewUnavailableError(op, err)
	default:
		return &repositories.StoreError{Op: op, Err: err}
	}
}
