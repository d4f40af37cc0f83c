package resilience

import (
	"context"
	"errors"
	"time"
)

// Do runs fn with a hard wall-clock budget.
//
// The function receives a context that is cancelled when the budget
// elapses, so in-flight I/O is torn down rather than abandoned. A call that
// exceeds the budget fails with *TimeoutError; cancellation of the parent
// context is reported as the parent's error.
func Do(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	dctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(dctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(dctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{After: d}
	}
	return err
}
