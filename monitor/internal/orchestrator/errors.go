package orchestrator

import "errors"

// ErrAlreadyRunning is returned when Run or ResetProgress is called while a
// run is in progress.
var ErrAlreadyRunning = errors.New("orchestrator: run already in progress")

// FatalError aborts a run. The checkpoint is kept.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "orchestrator: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that a unit failure aborts the whole run instead of
// being counted as a per-unit error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
