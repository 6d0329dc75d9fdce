package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/logger"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker fails fast once a collaborator channel keeps failing. One
// breaker is shared by every call to the same channel.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
	log              *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithBreakerLogger sets the logger used for state transitions.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(b *CircuitBreaker) {
		b.log = logger.OrNop(l)
	}
}

// NewCircuitBreaker creates a closed breaker for the named channel.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	b := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		log:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the channel name.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current state. An open breaker whose recovery timeout
// has passed still reports open until the next call probes it.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failureCount"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
}

// Stats returns a snapshot for health reporting.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerStats{Name: b.name, State: b.state.String(), FailureCount: b.failureCount}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	return s
}

// allow decides whether a call may proceed. A true probe means the caller
// holds the single half-open trial and must report through done.
func (b *CircuitBreaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.recoveryTimeout {
			return false, &UnavailableError{Service: b.name, RetryAfter: b.recoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, &UnavailableError{Service: b.name}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// done records the outcome of an allowed call. Caller cancellation counts
// as neither success nor failure.
func (b *CircuitBreaker) done(ctx context.Context, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}

	if err == nil {
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		b.failureCount = 0
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition changes state. Caller holds mu.
func (b *CircuitBreaker) transition(to State) {
	if b.state == to {
		return
	}
	b.log.Info("circuit breaker state change",
		zap.String("service", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
		zap.Int("failure_count", b.failureCount),
	)
	b.state = to
}

// Execute runs fn through the breaker.
func Execute[T any](ctx context.Context, b *CircuitBreaker, fn Func[T]) (T, error) {
	probe, err := b.allow()
	if err != nil {
		var zero T
		return zero, err
	}
	defer func() {
		if r := recover(); r != nil {
			b.done(ctx, probe, errPanicked)
			panic(r)
		}
	}()
	result, err := fn(ctx)
	b.done(ctx, probe, err)
	return result, err
}

var errPanicked = errors.New("collaborator call panicked")

// WithBreaker returns b as a Middleware.
func WithBreaker[T any](b *CircuitBreaker) Middleware[T] {
	if b == nil {
		return nil
	}
	return func(next Func[T]) Func[T] {
		return func(ctx context.Context) (T, error) {
			return Execute(ctx, b, next)
		}
	}
}
