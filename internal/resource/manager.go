// Package resource governs concurrency: fixed permit pools for jobs and
// each branch kind, host-pressure admission and rate-limited cleanup.
package resource

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
)

// ErrAdmissionRejected is returned when host pressure is above the
// configured ceilings. The job has not started and may be retried later.
var ErrAdmissionRejected = errors.New("admission rejected: insufficient resources")

// CleanupHook reduces memory pressure. Hooks must be safe to call concurrently
// with normal operation.
type CleanupHook func(ctx context.Context)

// ReleaseMemory returns freed heap to the operating system.
func ReleaseMemory(context.Context) { debug.FreeOSMemory() }

type pool struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

func newPool(name string, capacity int64) *pool {
	if capacity < 1 {
		capacity = 1
	}
	return &pool{name: name, capacity: capacity, sem: semaphore.NewWeighted(capacity)}
}

func (p *pool) acquire(ctx context.Context) (*Permit, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire %s slot: %w", p.name, err)
	}
	p.inUse.Add(1)
	return &Permit{pool: p}, nil
}

// Permit is one held slot. Release is idempotent.
type Permit struct {
	pool *pool
	once sync.Once
}

// Release returns the slot to its pool.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.pool.inUse.Add(-1)
		p.pool.sem.Release(1)
	})
}

// Manager owns the permit pools.
type Manager struct {
	jobs   *pool
	audio  *pool
	visual *pool

	sampler          Sampler
	maxCPU           float64
	maxMemory        float64
	cleanupThreshold float64
	cleanupLimiter   *rate.Limiter

	hookMu sync.Mutex
	hooks  []CleanupHook

	log *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSampler replaces the host sampler.
func WithSampler(s Sampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = logger.OrNop(l)
	}
}

// NewManager creates the pools with the configured capacities.
func NewManager(cfg config.ResourceConfig, opts ...Option) *Manager {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	m := &Manager{
		jobs:             newPool("job", cfg.MaxConcurrentJobs),
		audio:            newPool("audio", cfg.MaxAudioTasks),
		visual:           newPool("visual", cfg.MaxVisualTasks),
		sampler:          HostSampler{},
		maxCPU:           cfg.MaxCPUPercent,
		maxMemory:        cfg.MaxMemoryPercent,
		cleanupThreshold: cfg.CleanupMemoryPercent,
		cleanupLimiter:   rate.NewLimiter(rate.Every(interval), 1),
		log:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddCleanupHook registers a hook run by CleanupIfNeeded.
func (m *Manager) AddCleanupHook(h CleanupHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hookMu.Unlock()
}

// AcquireJobSlot admits a new job. Under host pressure it returns
// ErrAdmissionRejected immediately instead of queueing; otherwise it blocks
// until a slot is free or ctx is done.
func (m *Manager) AcquireJobSlot(ctx context.Context) (*Permit, error) {
	if !m.IsResourceAvailable(ctx) {
		return nil, ErrAdmissionRejected
	}
	return m.jobs.acquire(ctx)
}

// AcquireBranchSlot blocks until a slot for kind is free. Work already in
// flight is never rejected for host pressure.
func (m *Manager) AcquireBranchSlot(ctx context.Context, kind model.BranchKind) (*Permit, error) {
	return m.branchPool(kind).acquire(ctx)
}

func (m *Manager) branchPool(kind model.BranchKind) *pool {
	if kind == model.BranchAudio {
		return m.audio
	}
	return m.visual
}

// WithJobSlot runs fn holding a job slot. The slot is released on every
// exit path, panics included.
func (m *Manager) WithJobSlot(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := m.AcquireJobSlot(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

// WithBranchSlot runs fn holding a slot for kind.
func (m *Manager) WithBranchSlot(ctx context.Context, kind model.BranchKind, fn func(ctx context.Context) error) error {
	permit, err := m.AcquireBranchSlot(ctx, kind)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

// IsResourceAvailable reports whether host CPU and memory are under their
// ceilings. A failed sample counts as available.
func (m *Manager) IsResourceAvailable(ctx context.Context) bool {
	if m.sampler == nil {
		return true
	}
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Debug("resource sample failed", zap.Error(err))
		return true
	}
	if (m.maxCPU > 0 && u.CPUPercent > m.maxCPU) || (m.maxMemory > 0 && u.MemoryPercent > m.maxMemory) {
		m.log.Warn("host under pressure, rejecting admission",
			zap.Float64("cpu_percent", u.CPUPercent),
			zap.Float64("memory_percent", u.MemoryPercent),
		)
		return false
	}
	return true
}

// CleanupIfNeeded runs the cleanup hooks when memory is above the cleanup
// threshold. Calls closer together than the cleanup interval are skipped.
// It reports whether the hooks ran.
func (m *Manager) CleanupIfNeeded(ctx context.Context) bool {
	if !m.cleanupLimiter.Allow() {
		return false
	}
	if m.sampler == nil {
		return false
	}
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Debug("resource sample failed", zap.Error(err))
		return false
	}
	if u.MemoryPercent < m.cleanupThreshold {
		return false
	}

	m.hookMu.Lock()
	hooks := append([]CleanupHook(nil), m.hooks...)
	m.hookMu.Unlock()

	m.log.Info("memory above cleanup threshold, running cleanup",
		zap.Float64("memory_percent", u.MemoryPercent),
		zap.Int("hooks", len(hooks)),
	)
	for _, h := range hooks {
		h(ctx)
	}
	return true
}

// PoolStats describes one permit pool.
type PoolStats struct {
	Capacity int64 `json:"capacity"`
	InUse    int64 `json:"inUse"`
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Jobs   PoolStats `json:"jobs"`
	Audio  PoolStats `json:"audio"`
	Visual PoolStats `json:"visual"`
}

// Stats returns pool occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		Jobs:   m.jobs.stats(),
		Audio:  m.audio.stats(),
		Visual: m.visual.stats(),
	}
}

func (p *pool) stats() PoolStats {
	return PoolStats{Capacity: p.capacity, InUse: p.inUse.Load()}
}
