// Package persistence error types shared by all storage backends.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityNotFound indicates no entity exists for the given identifier.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityAlreadyExists indicates a create collided with an existing id.
	ErrEntityAlreadyExists = errors.New("entity already exists")

	// ErrRevisionConflict indicates the stored revision no longer matches the
	// expected one; the commit was refused without mutating anything.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrChangelogCorrupt indicates the audit log could not be read back.
	ErrChangelogCorrupt = errors.New("changelog corrupt")
)

// EntityError wraps entity storage errors with operation context.
type EntityError struct {
	Op       string // operation being performed (e.g. "GetByID", "UpdateCommitted")
	EntityID string
	Err      error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for entity %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates an entity error with context.
func NewEntityError(op, entityID string, err error) *EntityError {
	return &EntityError{Op: op, EntityID: entityID, Err: err}
}

// IsEntityNotFound checks if an error indicates a missing entity.
func IsEntityNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// IsRevisionConflict checks if an error indicates a refused optimistic commit.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}
