package resilience

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/logger"
)

// Guard bundles the retry policy and shared breaker for one collaborator
// channel.
type Guard struct {
	Name    string
	Retry   RetryPolicy
	Breaker *CircuitBreaker
}

// NewGuard builds a guard from configuration and registers its breaker.
func NewGuard(name string, cfg config.PolicyConfig, reg *Registry, log *zap.Logger) *Guard {
	log = logger.OrNop(log)
	breaker := NewCircuitBreaker(name, cfg.FailureThreshold, cfg.RecoveryTimeout, WithBreakerLogger(log))
	if reg != nil {
		breaker = reg.Register(breaker)
	}
	return &Guard{
		Name: name,
		Retry: RetryPolicy{
			Name:       name,
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
			Timeout:    cfg.Timeout,
			Logger:     log,
		},
		Breaker: breaker,
	}
}

// Call runs fn as tracing → breaker → retry → fn, so an exhausted retry
// loop counts as a single breaker failure and an open breaker rejects
// before any attempt.
func Call[T any](ctx context.Context, g *Guard, operation string, fn Func[T]) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	return Chain(fn,
		WithRetry[T](g.Retry),
		WithBreaker[T](g.Breaker),
		WithTracing[T](g.Name, operation),
	)(ctx)
}

// Registry tracks breakers by channel name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register adds b, or returns the breaker already registered under its name.
func (r *Registry) Register(b *CircuitBreaker) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[b.Name()]; ok {
		return existing
	}
	r.breakers[b.Name()] = b
	return b
}

// Get returns the named breaker.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns every breaker's stats ordered by name.
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]BreakerStats, 0, len(names))
	for _, name := range names {
		if b, ok := r.Get(name); ok {
			out = append(out, b.Stats())
		}
	}
	return out
}
