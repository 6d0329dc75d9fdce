package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSampler struct {
	usage atomic.Value
	err   error
}

func newStubSampler(cpu, mem float64) *stubSampler {
	s := &stubSampler{}
	s.set(cpu, mem)
	return s
}

func (s *stubSampler) set(cpu, mem float64) {
	s.usage.Store(Usage{CPUPercent: cpu, MemoryPercent: mem})
}

func (s *stubSampler) Sample(context.Context) (Usage, error) {
	if s.err != nil {
		return Usage{}, s.err
	}
	return s.usage.Load().(Usage), nil
}

func testConfig() config.ResourceConfig {
	return config.ResourceConfig{
		MaxConcurrentJobs:    2,
		MaxAudioTasks:        1,
		MaxVisualTasks:       1,
		MaxCPUPercent:        90,
		MaxMemoryPercent:     90,
		CleanupMemoryPercent: 80,
		CleanupInterval:      time.Hour,
	}
}

func TestAcquire_BlocksAtCapacity(t *testing.T) {
	m := NewManager(testConfig(), WithSampler(newStubSampler(10, 10)))
	ctx := context.Background()

	p1, err := m.AcquireJobSlot(ctx)
	require.NoError(t, err)
	p2, err := m.AcquireJobSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Stats().Jobs.InUse)

	acquired := make(chan *Permit)
	go func() {
		p, err := m.AcquireJobSlot(ctx)
		if err == nil {
			acquired <- p
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquirer should block while both slots are held")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()
	select {
	case p3 := <-acquired:
		p3.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquirer was not woken by release")
	}
	p2.Release()
	assert.Equal(t, int64(0), m.Stats().Jobs.InUse)
}

func TestAcquire_HonorsContext(t *testing.T) {
	m := NewManager(testConfig(), WithSampler(newStubSampler(10, 10)))
	p, err := m.AcquireBranchSlot(context.Background(), model.BranchAudio)
	require.NoError(t, err)
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireBranchSlot(ctx, model.BranchAudio)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The visual pool is independent.
	v, err := m.AcquireBranchSlot(context.Background(), model.BranchVisual)
	require.NoError(t, err)
	v.Release()
}

func TestPermit_ReleaseIdempotent(t *testing.T) {
	m := NewManager(testConfig(), WithSampler(newStubSampler(10, 10)))
	p, err := m.AcquireBranchSlot(context.Background(), model.BranchVisual)
	require.NoError(t, err)

	p.Release()
	p.Release()
	assert.Equal(t, int64(0), m.Stats().Visual.InUse)
}

func TestWithSlot_ReleasesOnErrorAndPanic(t *testing.T) {
	m := NewManager(testConfig(), WithSampler(newStubSampler(10, 10)))
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithBranchSlot(ctx, model.BranchAudio, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), m.Stats().Audio.InUse)

	assert.Panics(t, func() {
		_ = m.WithJobSlot(ctx, func(context.Context) error { panic("guarded block failed") })
	})
	assert.Equal(t, int64(0), m.Stats().Jobs.InUse)
}

func TestAcquireJobSlot_AdmissionRejected(t *testing.T) {
	s := newStubSampler(95, 10)
	m := NewManager(testConfig(), WithSampler(s))

	_, err := m.AcquireJobSlot(context.Background())
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, int64(0), m.Stats().Jobs.InUse)

	// Branch slots are not subject to admission.
	p, err := m.AcquireBranchSlot(context.Background(), model.BranchAudio)
	require.NoError(t, err)
	p.Release()

	s.set(10, 95)
	assert.False(t, m.IsResourceAvailable(context.Background()))
	s.set(10, 10)
	assert.True(t, m.IsResourceAvailable(context.Background()))
}

func TestIsResourceAvailable_SampleErrorCountsAsAvailable(t *testing.T) {
	m := NewManager(testConfig(), WithSampler(&stubSampler{err: errors.New("no /proc")}))
	assert.True(t, m.IsResourceAvailable(context.Background()))
}

func TestCleanupIfNeeded(t *testing.T) {
	s := newStubSampler(10, 85)
	m := NewManager(testConfig(), WithSampler(s))

	var runs int32
	m.AddCleanupHook(func(context.Context) { atomic.AddInt32(&runs, 1) })

	assert.True(t, m.CleanupIfNeeded(context.Background()))
	assert.False(t, m.CleanupIfNeeded(context.Background()), "second call inside the interval is skipped")
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestCleanupIfNeeded_BelowThreshold(t *testing.T) {
	m := NewManager(testConfig(), WithSampler(newStubSampler(10, 50)))

	var runs int32
	m.AddCleanupHook(func(context.Context) { atomic.AddInt32(&runs, 1) })

	assert.False(t, m.CleanupIfNeeded(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}
