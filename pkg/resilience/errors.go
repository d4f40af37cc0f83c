package resilience

import (
	"fmt"
	"time"

	"github.com/salvus/salve"
)

// CircuitOpenError is returned by a CircuitBreaker when the named circuit is
// open and the call was refused without invoking the wrapped function.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open", e.Name)
}

// Is reports this as a transient error, so callers can use
// [errors.Is] with [salve.ErrTransient].
func (e *CircuitOpenError) Is(target error) bool {
	return target == salve.ErrTransient
}

// MaxRetriesExceeded is returned by Retry.Do after the attempt budget is
// exhausted. It carries the last error observed.
type MaxRetriesExceeded struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesExceeded) Unwrap() error {
	return e.Last
}

// BulkheadRejected is returned by Bulkhead.Do when capacity could not be
// acquired within the configured wait.
type BulkheadRejected struct {
	Name string
}

func (e *BulkheadRejected) Error() string {
	return fmt.Sprintf("bulkhead %q rejected call", e.Name)
}

// TimeoutError is returned by Do when the wrapped call exceeded its budget.
// The wrapped call's context is cancelled, so in-flight I/O is torn down
// rather than abandoned.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %v", e.After)
}

// Is reports this as a timeout error, so callers can use [errors.Is] with
// [salve.ErrTimeout].
func (e *TimeoutError) Is(target error) bool {
	return target == salve.ErrTimeout
}
