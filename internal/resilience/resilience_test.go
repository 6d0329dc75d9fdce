package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/makeavideo/api/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordSleeps replaces the backoff sleep with one that records delays.
func recordSleeps(p *RetryPolicy) *[]time.Duration {
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return &delays
}

func TestExponential_Delay(t *testing.T) {
	e := Exponential{Base: time.Second}
	assert.Equal(t, time.Second, e.Delay(0))
	assert.Equal(t, 2*time.Second, e.Delay(1))
	assert.Equal(t, 4*time.Second, e.Delay(2))

	capped := Exponential{Base: time.Second, Max: 3 * time.Second}
	assert.Equal(t, 3*time.Second, capped.Delay(5))
}

func TestRetry_AlwaysFailingInvokedMaxRetriesPlusOne(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
	delays := recordSleeps(&p)

	calls := 0
	var last error
	_, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		last = errors.New("boom")
		return "", last
	})

	assert.Equal(t, 4, calls)
	assert.Same(t, last, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *delays)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	recordSleeps(&p)

	calls := 0
	got, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	recordSleeps(&p)

	cause := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(cause)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, cause, err)
}

func TestRetry_RetryableFilter(t *testing.T) {
	fatal := errors.New("fatal")
	p := RetryPolicy{MaxRetries: 5, Retryable: func(err error) bool { return !errors.Is(err, fatal) }}
	recordSleeps(&p)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
}

func TestRetry_AttemptTimeoutIsRetried(t *testing.T) {
	p := RetryPolicy{MaxRetries: 1, Timeout: 10 * time.Millisecond}
	recordSleeps(&p)

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetry_ContextCancelStopsBackoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("down")
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancellation")
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func failing(calls *int32) Func[int] {
	return func(context.Context) (int, error) {
		atomic.AddInt32(calls, 1)
		return 0, errors.New("unhealthy")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clk := &clock{t: time.Now()}
	b := NewCircuitBreaker("TTS", 3, time.Minute, WithBreakerClock(clk.now))
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		_, err := Execute(ctx, b, failing(&calls))
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := Execute(ctx, b, failing(&calls))
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "TTS", ue.Service)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "open breaker must not invoke the call")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker("LLM", 2, time.Minute)
	ctx := context.Background()
	var calls int32

	_, _ = Execute(ctx, b, failing(&calls))
	_, err := Execute(ctx, b, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	_, _ = Execute(ctx, b, failing(&calls))

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().FailureCount)
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	clk := &clock{t: time.Now()}
	b := NewCircuitBreaker("VISUAL", 1, time.Minute, WithBreakerClock(clk.now))
	ctx := context.Background()
	var calls int32

	_, _ = Execute(ctx, b, failing(&calls))
	require.Equal(t, StateOpen, b.State())

	clk.advance(time.Minute)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, b, func(context.Context) (int, error) {
			close(probeStarted)
			<-release
			return 1, nil
		})
		probeDone <- err
	}()
	<-probeStarted
	assert.Equal(t, StateHalfOpen, b.State())

	_, err := Execute(ctx, b, failing(&calls))
	assert.ErrorIs(t, err, ErrServiceUnavailable, "second call during probe is rejected")

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &clock{t: time.Now()}
	b := NewCircuitBreaker("TTS", 1, time.Minute, WithBreakerClock(clk.now))
	ctx := context.Background()
	var calls int32

	_, _ = Execute(ctx, b, failing(&calls))
	clk.advance(time.Minute)
	_, err := Execute(ctx, b, failing(&calls))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// last_failure_time was refreshed, so the breaker stays open.
	clk.advance(30 * time.Second)
	_, err = Execute(ctx, b, failing(&calls))
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestBreaker_PanicReleasesProbe(t *testing.T) {
	clk := &clock{t: time.Now()}
	b := NewCircuitBreaker("TTS", 1, time.Minute, WithBreakerClock(clk.now))
	ctx := context.Background()
	var calls int32

	_, _ = Execute(ctx, b, failing(&calls))
	clk.advance(time.Minute)

	assert.Panics(t, func() {
		_, _ = Execute(ctx, b, func(context.Context) (int, error) { panic("kaboom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestGuard_ExhaustedRetryCountsOnce(t *testing.T) {
	reg := NewRegistry()
	g := NewGuard("TTS", config.PolicyConfig{
		MaxRetries:       2,
		Timeout:          time.Second,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}, reg, nil)
	recordSleeps(&g.Retry)

	var calls int32
	_, err := Call(context.Background(), g, "render", failing(&calls))
	require.Error(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, StateClosed, g.Breaker.State())
	assert.Equal(t, 1, g.Breaker.Stats().FailureCount)

	_, _ = Call(context.Background(), g, "render", failing(&calls))
	assert.Equal(t, StateOpen, g.Breaker.State())

	// Open breaker short-circuits before any retry.
	before := atomic.LoadInt32(&calls)
	_, err = Call(context.Background(), g, "render", failing(&calls))
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register(NewCircuitBreaker("TTS", 1, time.Second))
	b := reg.Register(NewCircuitBreaker("TTS", 5, time.Second))
	reg.Register(NewCircuitBreaker("LLM", 1, time.Second))

	assert.Same(t, a, b)
	stats := reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "LLM", stats[0].Name)
	assert.Equal(t, "closed", stats[1].State)
}

func TestWithTracer_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p := RetryPolicy{MaxRetries: 1}
	recordSleeps(&p)
	fn := Chain(failing(new(int32)), WithRetry[int](p), WithTracer[int](tp.Tracer("test"), "TTS", "render"))
	_, err := fn(context.Background())
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "collaborator.render", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("collaborator.service", "TTS"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("resilience.attempt", 2))
}
