// Package queue dispatches queued jobs to the orchestrator, one per free
// job slot, and decides between retry and terminal failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/resource"
)

// ErrQueueClosed is returned by Submit while the manager is not running.
var ErrQueueClosed = errors.New("queue is closed")

// Runner executes one job while the caller holds its job slot.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Manager pulls jobs off the store's priority queue.
type Manager struct {
	jobs         *jobstore.Store
	resources    *resource.Manager
	runner       Runner
	pollInterval time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	jobWG   sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets how long the loop sleeps when the queue is empty
// or admission is rejected.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = logger.OrNop(l)
	}
}

// NewManager creates a stopped manager.
func NewManager(jobs *jobstore.Store, resources *resource.Manager, runner Runner, opts ...Option) *Manager {
	m := &Manager{
		jobs:         jobs,
		resources:    resources,
		runner:       runner,
		pollInterval: 500 * time.Millisecond,
		log:          zap.NewNop(),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the dispatch loop and returns immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.log.Info("queue manager starting", zap.Duration("poll_interval", m.pollInterval))
	m.loopWG.Add(1)
	go m.loop()
}

// Stop stops dequeuing, cancels in-flight jobs, waits for them to unwind
// and runs a final retention sweep and snapshot. If ctx ends first, Stop
// returns its error without the final sweep.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.cancel()
	m.mu.Unlock()
	m.cancelActive()

	m.log.Info("queue manager stopping", zap.Int("active_jobs", m.ActiveCount()))

	done := make(chan struct{})
	go func() {
		m.loopWG.Wait()
		m.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("queue manager shutdown timed out", zap.Int("active_jobs", m.ActiveCount()))
		return fmt.Errorf("failed to stop queue manager: %w", ctx.Err())
	}

	swept := m.jobs.Sweep(ctx)
	if err := m.jobs.Snapshot(ctx); err != nil {
		m.log.Warn("final job snapshot failed", zap.Error(err))
	}
	m.log.Info("queue manager stopped", zap.Int("evicted_jobs", swept))
	return nil
}

// Submit creates a job and queues it for dispatch.
func (m *Manager) Submit(doc model.Document, priority model.Priority, maxRetries int) (*model.Job, error) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return nil, ErrQueueClosed
	}

	job := m.jobs.Create(doc, priority, maxRetries)
	if err := m.jobs.Enqueue(job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	m.log.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("priority", priority.String()),
		zap.Int("queued", m.jobs.QueueLen()),
	)
	return job, nil
}

// Cancel marks a job cancelled. Running branch calls finish on their own;
// no new branch calls start.
func (m *Manager) Cancel(jobID, reason string) (bool, error) {
	ok, err := m.jobs.Cancel(jobID, reason)
	if ok {
		m.log.Info("job cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	}
	return ok, err
}

// ActiveCount returns the number of jobs being dispatched.
func (m *Manager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

func (m *Manager) loop() {
	defer m.loopWG.Done()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		permit, err := m.resources.AcquireJobSlot(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if errors.Is(err, resource.ErrAdmissionRejected) {
				m.log.Debug("admission rejected, jobs stay queued", zap.Int("queued", m.jobs.QueueLen()))
			} else {
				m.log.Warn("failed to acquire job slot", zap.Error(err))
			}
			m.sleep()
			continue
		}

		q, ok := m.jobs.Dequeue()
		if !ok {
			permit.Release()
			m.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(m.ctx)
		m.track(q.JobID, cancel)
		m.jobWG.Add(1)
		go func() {
			defer m.jobWG.Done()
			defer permit.Release()
			defer m.untrack(q.JobID)
			defer cancel()
			m.dispatch(ctx, q)
		}()
	}
}

func (m *Manager) dispatch(ctx context.Context, q *model.QueuedJob) {
	log := m.log.With(zap.String("job_id", q.JobID), zap.Int("retry_count", q.RetryCount))
	log.Info("dispatching job", zap.String("priority", q.Priority.String()))

	err := m.run(ctx, q.JobID)
	switch {
	case err == nil:
		return
	case ctx.Err() != nil:
		if perr := m.jobs.Park(q); perr != nil {
			log.Debug("interrupted job not parked", zap.Error(perr))
			return
		}
		log.Info("interrupted job returned to queue")
	case errors.Is(err, jobstore.ErrJobNotFound):
		log.Warn("dispatched job no longer exists")
	case q.RetryCount < q.MaxRetries:
		if rerr := m.jobs.Requeue(q, err.Error()); rerr != nil {
			log.Debug("job not requeued", zap.Error(rerr))
			return
		}
		log.Warn("job failed, requeued", zap.Int("max_retries", q.MaxRetries), zap.Error(err))
	default:
		if ferr := m.jobs.MarkFailed(q, err.Error()); ferr != nil {
			log.Debug("job not marked failed", zap.Error(ferr))
			return
		}
		log.Error("job failed, retries exhausted", zap.Int("max_retries", q.MaxRetries), zap.Error(err))
	}
}

func (m *Manager) run(ctx context.Context, jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return m.runner.Run(ctx, jobID)
}

func (m *Manager) sleep() {
	t := time.NewTimer(m.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.stopCh:
	}
}

func (m *Manager) track(jobID string, cancel context.CancelFunc) {
	m.activeMu.Lock()
	m.active[jobID] = cancel
	m.activeMu.Unlock()
}

func (m *Manager) cancelActive() {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	for jobID, cancel := range m.active {
		m.log.Info("cancelling in-flight job", zap.String("job_id", jobID))
		cancel()
	}
}

func (m *Manager) untrack(jobID string) {
	m.activeMu.Lock()
	delete(m.active, jobID)
	m.activeMu.Unlock()
}
