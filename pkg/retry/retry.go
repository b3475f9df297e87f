// Package retry builds failsafe-go policies for calls to remote systems.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy defines how a remote call is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the engine defaults: 3 attempts, 500ms base delay
// doubling up to 10s.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// Executor returns a failsafe executor that retries transient failures only.
// onRetry may be nil; it is invoked once per retry for metrics.
func Executor[R any](ctx context.Context, p Policy, isTransient func(error) bool, onRetry func(error)) failsafe.Executor[R] {
	builder := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithMaxRetries(p.MaxAttempts - 1).
		WithBackoff(p.InitialBackoff, p.MaxBackoff)

	if onRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[R]) {
			onRetry(e.LastError())
		})
	}

	return failsafe.With[R](builder.Build()).WithContext(ctx)
}

// Do runs fn under the policy and returns its result.
func Do[R any](ctx context.Context, p Policy, isTransient func(error) bool, onRetry func(error), fn func() (R, error)) (R, error) {
	return Executor[R](ctx, p, isTransient, onRetry).Get(fn)
}
