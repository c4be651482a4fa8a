package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned by Breaker.Call while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Permanent marks err as not worth retrying. Retry.Invoke stops at the first
// permanent error and returns the unwrapped cause.
//
//	return resilience.Permanent(fmt.Errorf("bad input: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// OpenError is the concrete error behind ErrCircuitOpen.
type OpenError struct {
	Name       string
	RetryAfter int64 // milliseconds until a trial call is admitted
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %q (retry in %dms)", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }
