package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for each failure category. Match with errors.Is.
var (
	// ErrSchema means a migration step failed or the on-disk version is not
	// recognized. The store must not be opened.
	ErrSchema = errors.New("schema error")
	// ErrReferentialIntegrity means a write referenced an unknown id.
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	// ErrCycle means a lineage edge would make a flock its own ancestor.
	ErrCycle = errors.New("lineage cycle")
	// ErrSyncTransport wraps remote failures during push or pull.
	ErrSyncTransport = errors.New("sync transport error")
	// ErrConflict marks a remote record that disagrees with local state.
	ErrConflict = errors.New("sync conflict")
	// ErrRetentionPrune wraps failures while pruning old readings.
	ErrRetentionPrune = errors.New("retention prune error")

	ErrNotFound     = errors.New("not found")
	ErrParentExists = errors.New("parent of this kind already linked")
	ErrInvalidInput = errors.New("invalid input")
)

// Error carries the operation and record behind a categorized failure.
type Error struct {
	Kind   error
	Op     string
	Entity EntityType
	ID     string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Entity != "" || e.ID != "" {
		msg = fmt.Sprintf("%s (%s %s)", msg, e.Entity, e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// NewError builds a categorized error.
func NewError(kind error, op string, entity EntityType, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, ID: id, Err: err}
}

// IsUserFacing reports whether err belongs to a category that is reported to
// the caller. Transport, conflict and prune failures are retried internally.
func IsUserFacing(err error) bool {
	for _, kind := range []error{ErrSchema, ErrReferentialIntegrity, ErrCycle, ErrNotFound, ErrParentExists, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
