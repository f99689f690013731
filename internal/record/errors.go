package record

import (
	"errors"
	"fmt"

	"github.com/roach88/strata/internal/ir"
)

var (
	// ErrAlreadyExists matches a ConflictError for an insert of an existing id.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotFound matches a ConflictError for an update of a missing id.
	ErrNotFound = errors.New("record not found")
)

// ConflictError is returned by the write helpers when the model rejected the
// write with a Conflict diff. The event itself succeeded.
type ConflictError struct {
	Model  string
	ID     ir.IRValue
	Reason ir.ConflictReason
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflict: %s", e.Model, ir.FormatID(e.ID), e.Reason)
}

// Is matches ErrAlreadyExists and ErrNotFound by reason.
func (e *ConflictError) Is(target error) bool {
	switch target {
	case ErrAlreadyExists:
		return e.Reason == ir.ConflictAlreadyExists
	case ErrNotFound:
		return e.Reason == ir.ConflictNotFound
	}
	return false
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
