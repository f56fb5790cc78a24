package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrMissingEventID  = errors.New("event id is missing")
	ErrInvalidEventID  = errors.New("event id is not a uuid")
	ErrDownstreamFatal = errors.New("thirdparty call failed")

	// errDuplicateEvent rolls back the dedup transaction; it never leaves the package.
	errDuplicateEvent = errors.New("duplicate event")
)

// RetryableError marks a transient failure that should be redelivered rather than dropped.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
