package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrDuplicateEvent = errors.New("event already processed")
	ErrSigningFailed  = errors.New("signing failed")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrUserStopped    = errors.New("user trading stopped")
)

// ErrorClass partitions failures by how the pipeline must react to them.
type ErrorClass string

const (
	// ClassValidation covers rejections by the risk engine or screener.
	// Reported to the user, never retried.
	ClassValidation ErrorClass = "validation"

	// ClassTransient covers downstream timeouts and rate limits. Retried with
	// bounded backoff at the failed step only.
	ClassTransient ErrorClass = "transient"

	// ClassIndeterminate covers executions that were submitted but whose
	// confirmation could not be observed. Never blindly retried; the caller
	// must reconcile against chain state first.
	ClassIndeterminate ErrorClass = "indeterminate"

	// ClassFatal covers custody failures and invariant violations. The job is
	// moved to the dead-letter stream and surfaced to operators.
	ClassFatal ErrorClass = "fatal"
)

// ClassifiedError attaches an ErrorClass to an underlying error so that
// pipeline stages can decide retry behaviour with errors.As.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string { return string(e.Class) + ": " + e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class. A nil err returns nil.
func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the ErrorClass from err. Unclassified errors default to
// ClassTransient, the safe choice for unknown downstream failures.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}
