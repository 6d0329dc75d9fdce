package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/queue"
)

var (
	// ErrResultNotReady is returned for jobs that have no result yet, or
	// ended without one.
	ErrResultNotReady = errors.New("job result not available")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// JobService handles job submission and lookup
type JobService struct {
	queue          *queue.Manager
	jobs           *jobstore.Store
	defaultRetries int
	log            *zap.Logger
}

// NewJobService creates a job service. defaultRetries applies when a
// submission does not set its own.
func NewJobService(q *queue.Manager, jobs *jobstore.Store, defaultRetries int, log *zap.Logger) *JobService {
	log = logger.OrNop(log)
	return &JobService{
		queue:          q,
		jobs:           jobs,
		defaultRetries: defaultRetries,
		log:            log,
	}
}

// Submit queues a new generation job
func (s *JobService) Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	maxRetries := s.defaultRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	priority := model.ParsePriority(req.Priority)

	doc := model.Document{
		Title:    req.Document.Title,
		Content:  req.Document.Content,
		Language: req.Document.Language,
	}

	job, err := s.queue.Submit(doc, priority, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	return &model.SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Priority:  priority.String(),
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetStatus returns the current status of a job
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.getJob(jobID)
	if err != nil {
		return nil, err
	}
	return model.NewJobStatusResponse(job), nil
}

// GetResult returns the result of a completed job
func (s *JobService) GetResult(ctx context.Context, jobID string) (*model.JobResultResponse, error) {
	job, err := s.getJob(jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.HasResult() || job.Result == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrResultNotReady, job.Status)
	}

	return &model.JobResultResponse{
		JobID:  job.ID,
		Status: job.Status,
		Result: job.Result,
	}, nil
}

// Cancel cancels a pending or processing job
func (s *JobService) Cancel(ctx context.Context, jobID, reason string) (*model.CancelResponse, error) {
	ok, err := s.queue.Cancel(jobID, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		job, err := s.getJob(jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job is %s", ErrJobFinished, job.Status)
	}

	return &model.CancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCancelled,
	}, nil
}

// ListActive returns pending and processing jobs, oldest first
func (s *JobService) ListActive(ctx context.Context, limit int) *model.JobListResponse {
	jobs := s.jobs.ListActive(limit)
	resp := &model.JobListResponse{
		Jobs:  make([]*model.JobStatusResponse, 0, len(jobs)),
		Count: len(jobs),
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, model.NewJobStatusResponse(job))
	}
	return resp
}

func (s *JobService) getJob(jobID string) (*model.Job, error) {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobstore.ErrJobNotFound, jobID)
	}
	return job, nil
}
