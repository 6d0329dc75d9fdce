package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/queue"
	"github.com/makeavideo/api/internal/resource"
)

// busySampler keeps admission closed so submitted jobs stay queued.
type busySampler struct{}

func (busySampler) Sample(context.Context) (resource.Usage, error) {
	return resource.Usage{CPUPercent: 100, MemoryPercent: 100}, nil
}

type idleRunner struct{}

func (idleRunner) Run(context.Context, string) error { return nil }

func newTestService(t *testing.T) (*JobService, *jobstore.Store) {
	t.Helper()
	jobs := jobstore.New()
	resources := resource.NewManager(config.ResourceConfig{
		MaxConcurrentJobs: 1, MaxAudioTasks: 1, MaxVisualTasks: 1,
		MaxCPUPercent: 90, MaxMemoryPercent: 90, CleanupMemoryPercent: 80, CleanupInterval: time.Minute,
	}, resource.WithSampler(busySampler{}))

	q := queue.NewManager(jobs, resources, idleRunner{}, queue.WithPollInterval(5*time.Millisecond))
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, q.Stop(ctx))
	})
	return NewJobService(q, jobs, 2, nil), jobs
}

func submitRequest() *model.SubmitRequest {
	return &model.SubmitRequest{
		Document: model.DocumentInput{Title: "Goroutines", Content: "Lightweight threads."},
		Priority: "high",
	}
}

func TestJobService_Submit(t *testing.T) {
	svc, jobs := newTestService(t)

	resp, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, resp.Status)
	assert.Equal(t, "high", resp.Priority)
	assert.NotEmpty(t, resp.JobID)

	job, ok := jobs.Get(resp.JobID)
	require.True(t, ok)
	assert.Equal(t, 2, job.MaxRetries, "default retries applied")
	assert.Equal(t, "Goroutines", job.Document.Title)
	assert.Equal(t, 1, jobs.QueueLen())

	zero := 0
	req := submitRequest()
	req.MaxRetries = &zero
	req.Priority = ""
	resp, err = svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "normal", resp.Priority)
	job, _ = jobs.Get(resp.JobID)
	assert.Equal(t, 0, job.MaxRetries)
}

func TestJobService_GetStatus(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)

	resp, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, status.JobID)
	assert.Equal(t, model.JobStatusPending, status.Status)
	assert.Equal(t, "Queued", status.Message)
}

func TestJobService_GetResult(t *testing.T) {
	svc, jobs := newTestService(t)

	resp, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)

	_, err = svc.GetResult(context.Background(), resp.JobID)
	assert.ErrorIs(t, err, ErrResultNotReady)

	_, ok := jobs.Dequeue()
	require.True(t, ok)
	require.NoError(t, jobs.UpdateStatus(resp.JobID, model.JobStatusProcessing, "Processing"))
	require.NoError(t, jobs.SetResult(resp.JobID, model.JobStatusCompletedWithErrors, model.JobResult{TotalBranches: 2, FailedBranches: 1}, nil))

	result, err := svc.GetResult(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompletedWithErrors, result.Status)
	assert.Contains(t, string(result.Result), `"failedBranches":1`)
}

func TestJobService_Cancel(t *testing.T) {
	svc, jobs := newTestService(t)

	resp, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), resp.JobID, "")
	require.NoError(t, err)
	assert.True(t, cancelled.Success)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
	assert.Zero(t, jobs.QueueLen())

	_, err = svc.Cancel(context.Background(), resp.JobID, "again")
	assert.ErrorIs(t, err, ErrJobFinished)

	_, err = svc.Cancel(context.Background(), "missing", "")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestJobService_ListActive(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	third, err := svc.Submit(context.Background(), submitRequest())
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), second.JobID, "")
	require.NoError(t, err)

	list := svc.ListActive(context.Background(), 0)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, first.JobID, list.Jobs[0].JobID)
	assert.Equal(t, third.JobID, list.Jobs[1].JobID)

	assert.Equal(t, 1, svc.ListActive(context.Background(), 1).Count)
}
