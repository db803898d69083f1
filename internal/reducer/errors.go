package reducer

import (
	"errors"
	"fmt"
)

// Rejection errors classify why a handler refused to fold an operation.
// They reject the operation, never the engine: the caller corrects the
// input and resubmits.

// MissingRequiredFieldError reports an action input without a required field.
type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// ReferentialIntegrityError reports an action input referencing an entity
// absent from the current state.
type ReferentialIntegrityError struct {
	Entity string
	ID     string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%s with id %s does not exist", e.Entity, e.ID)
}

// InvariantViolationError reports a broken domain rule (sign constraint,
// leg shape, duplicate id).
type InvariantViolationError struct {
	Rule string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Rule)
}

// NotFoundError reports an edit or delete targeting an entity that is not
// present in the current state.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %s not found", e.Entity, e.ID)
}

// IsRejection reports whether err is a reducer rejection rather than an
// engine failure. Rejections are user-correctable and never persisted.
func IsRejection(err error) bool {
	var missing *MissingRequiredFieldError
	var referential *ReferentialIntegrityError
	var invariant *InvariantViolationError
	var notFound *NotFoundError
	return errors.As(err, &missing) ||
		errors.As(err, &referential) ||
		errors.As(err, &invariant) ||
		errors.As(err, &notFound) ||
		errors.Is(err, ErrUnknownActionType)
}
