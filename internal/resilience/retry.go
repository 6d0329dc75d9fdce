package resilience

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/logger"
)

// RetryPolicy retries a failing call with exponential backoff. It holds no
// state between calls and can be shared freely.
type RetryPolicy struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds each attempt. Zero leaves attempts bounded only by ctx.
	Timeout time.Duration
	// Retryable filters errors worth retrying. Nil retries everything except
	// Permanent errors and open-circuit rejections.
	Retryable func(error) bool
	Logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) retryable(err error) bool {
	if IsPermanent(err) || errors.Is(err, ErrServiceUnavailable) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn up to MaxRetries+1 times. After the last attempt the last
// error is returned as is.
func Do[T any](ctx context.Context, p RetryPolicy, fn Func[T]) (T, error) {
	var zero T
	backoff := Exponential{Base: p.BaseDelay, Max: p.MaxDelay}
	log := logger.OrNop(p.Logger)

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("resilience.attempt", attempt+1))

		result, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.retryable(err) || attempt == p.MaxRetries {
			break
		}

		delay := backoff.Delay(attempt)
		log.Warn("collaborator call failed, retrying",
			zap.String("service", p.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.MaxRetries+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := p.wait(ctx, delay); err != nil {
			break
		}
	}

	if perm, ok := lastErr.(*permanentError); ok {
		return zero, perm.err
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn Func[T]) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// WithRetry returns p as a Middleware.
func WithRetry[T any](p RetryPolicy) Middleware[T] {
	return func(next Func[T]) Func[T] {
		return func(ctx context.Context) (T, error) {
			return Do(ctx, p, next)
		}
	}
}
