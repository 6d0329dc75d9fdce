// Package scheduler runs the periodic maintenance tasks: cache sweep, job
// retention, job snapshot and resource cleanup. All of them share one cron
// runner, and a task never overlaps a still-running instance of itself.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/logger"
)

// Runner schedules tasks on fixed intervals.
type Runner struct {
	cron   *cron.Cron
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped runner.
func New(log *zap.Logger) *Runner {
	log = logger.OrNop(log)
	cl := cronLogger{log: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run every interval. fn receives a context that is
// cancelled when the runner stops.
func (r *Runner) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for task %s", interval, name)
	}
	r.cron.Schedule(every(interval), cron.FuncJob(func() {
		start := time.Now()
		fn(r.ctx)
		r.log.Debug("periodic task finished", zap.String("task", name), zap.Duration("took", time.Since(start)))
	}))
	r.log.Info("periodic task registered", zap.String("task", name), zap.Duration("interval", interval))
	return nil
}

// Start begins running tasks in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop stops scheduling and waits for running tasks, or for ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop scheduler: %w", ctx.Err())
	}
}

// every is a constant-delay schedule without cron's one-second rounding.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
