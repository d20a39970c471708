package dbopen

import (
	"errors"
	"fmt"
)

// StorageError wraps an I/O failure from one of the stores. Callers should
// treat it as retryable unless Constraint reports true.
type StorageError struct {
	Op  string // e.g. "put snapshot"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Constraint reports whether the underlying failure is a uniqueness violation.
func (e *StorageError) Constraint() bool { return IsConstraint(e.Err) }

// Wrap returns nil for a nil err and a *StorageError otherwise.
// Errors that already are a *StorageError are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is (or wraps) a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
