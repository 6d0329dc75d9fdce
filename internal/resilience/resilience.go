// Package resilience wraps collaborator calls with bounded retry, circuit
// breaking and tracing. Each concern is a Middleware over Func, so they
// compose in any order; Guard fixes the order used across the service.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Func is a single call to an external collaborator.
type Func[T any] func(ctx context.Context) (T, error)

// Middleware wraps a Func with cross-cutting behavior.
type Middleware[T any] func(next Func[T]) Func[T]

// Chain wraps fn with mws. The first middleware is the innermost wrapper:
// Chain(fn, retry, breaker) runs as breaker → retry → fn.
func Chain[T any](fn Func[T], mws ...Middleware[T]) Func[T] {
	for _, mw := range mws {
		if mw != nil {
			fn = mw(fn)
		}
	}
	return fn
}

// ErrServiceUnavailable matches every rejection by an open circuit.
var ErrServiceUnavailable = errors.New("service unavailable")

// UnavailableError is returned without invoking the collaborator while its
// circuit is open.
type UnavailableError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: circuit open, %s unavailable", ErrServiceUnavailable, e.Service)
}

// Is makes errors.Is(err, ErrServiceUnavailable) hold.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
