package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/storyrelay/backend/pkg/validator"
)

var (
	ErrStoryNotFound  = errors.New("story not found")
	ErrStoryCompleted = errors.New("story is already completed")
	ErrLockDenied     = errors.New("story is locked by another writer")
	ErrLockMismatch   = errors.New("write lease not held or expired")
	ErrValidation     = errors.New("validation failed")
	ErrNotStoryOwner  = errors.New("only the story creator can do this")
	ErrNoTurns        = errors.New("story has no turns")
	ErrNotCompleted   = errors.New("story is not completed yet")
)

// LeaseDeniedError is returned by Acquire when another participant holds a
// live lease. Current tells the caller who holds it and until when.
type LeaseDeniedError struct {
	Current Lease
}

func (e *LeaseDeniedError) Error() string {
	return fmt.Sprintf("story is locked by %s until %s", e.Current.Holder, e.Current.ExpiresAt.Format(time.RFC3339))
}

func (e *LeaseDeniedError) Unwrap() error {
	return ErrLockDenied
}

// ValidationError carries the field-level problems with a request.
type ValidationError struct {
	Errors validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Errors.Error()
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(field, message string) *ValidationError {
	var errs validator.ValidationErrors
	errs.Add(field, message)
	return &ValidationError{Errors: errs}
}
