package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/resilience"
)

const (
	TypeVideoCompose = "video:compose"
	QueueCompose     = "compose"

	metaComposeError = "compose_error"
)

// ComposePayload is the asynq task payload.
type ComposePayload struct {
	JobID string `json:"jobId"`
}

// ComposeSegment is one scene handed to the composer.
type ComposeSegment struct {
	SceneID    string  `json:"sceneId"`
	AudioPath  string  `json:"audioPath"`
	AudioURL   string  `json:"audioUrl,omitempty"`
	Duration   float64 `json:"duration"`
	VisualPath string  `json:"visualPath"`
	VisualURL  string  `json:"visualUrl,omitempty"`
}

// ComposeRequest asks the composer to assemble a video.
type ComposeRequest struct {
	JobID    string           `json:"jobId"`
	Title    string           `json:"title"`
	Segments []ComposeSegment `json:"segments"`
}

// ComposeResult is the composed video.
type ComposeResult struct {
	VideoURL string  `json:"videoUrl"`
	Duration float64 `json:"duration"`
}

// VideoComposer assembles rendered segments into one video.
type VideoComposer interface {
	Compose(ctx context.Context, req *ComposeRequest) (*ComposeResult, error)
}

// Enqueuer is the part of asynq.Client the publisher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ComposePublisher enqueues composition tasks for finished jobs.
type ComposePublisher struct {
	client Enqueuer
	log    *zap.Logger
}

// NewComposePublisher creates a publisher on top of an asynq client.
func NewComposePublisher(client Enqueuer, log *zap.Logger) *ComposePublisher {
	log = logger.OrNop(log)
	return &ComposePublisher{client: client, log: log}
}

// PublishCompletion enqueues the compose task for jobID.
func (p *ComposePublisher) PublishCompletion(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(ComposePayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal compose payload: %w", err)
	}

	task := asynq.NewTask(TypeVideoCompose, payload)
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueCompose),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue compose task: %w", err)
	}
	p.log.Info("compose task enqueued", zap.String("job_id", jobID), zap.String("task_id", info.ID))
	return nil
}

// ComposeWorker processes compose tasks.
type ComposeWorker struct {
	jobs     *jobstore.Store
	composer VideoComposer
	guard    *resilience.Guard
	log      *zap.Logger
}

// NewComposeWorker creates a compose worker. guard may be nil.
func NewComposeWorker(jobs *jobstore.Store, composer VideoComposer, guard *resilience.Guard, log *zap.Logger) *ComposeWorker {
	log = logger.OrNop(log)
	return &ComposeWorker{jobs: jobs, composer: composer, guard: guard, log: log}
}

// Register attaches the worker to mux.
func (w *ComposeWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeVideoCompose, w.ProcessTask)
}

// ProcessTask composes the video for a finished job and records its URL
// in the job metadata.
func (w *ComposeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ComposePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	jobID := payload.JobID
	log := w.log.With(zap.String("job_id", jobID))

	job, ok := w.jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s: %w", jobstore.ErrJobNotFound, jobID, asynq.SkipRetry)
	}
	if !job.Status.HasResult() {
		return fmt.Errorf("job %s is %s, nothing to compose: %w", jobID, job.Status, asynq.SkipRetry)
	}

	req, err := buildComposeRequest(job)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log.Info("composing video", zap.Int("segments", len(req.Segments)))
	res, err := resilience.Call(ctx, w.guard, "compose", func(ctx context.Context) (*ComposeResult, error) {
		return w.composer.Compose(ctx, req)
	})
	if err != nil {
		if merr := w.jobs.SetMetadata(jobID, map[string]interface{}{metaComposeError: err.Error()}); merr != nil {
			log.Warn("failed to record compose error", zap.Error(merr))
		}
		return fmt.Errorf("failed to compose video: %w", err)
	}

	if err := w.jobs.SetMetadata(jobID, map[string]interface{}{
		model.MetaVideoURL: res.VideoURL,
		metaComposeError:   nil,
	}); err != nil {
		return fmt.Errorf("failed to record video url: %w", err)
	}
	log.Info("video composed", zap.String("video_url", res.VideoURL))
	return nil
}

var errNothingToCompose = errors.New("no scene has both branches rendered")

// buildComposeRequest collects the scenes whose audio and visual both
// succeeded, in scene order.
func buildComposeRequest(job *model.Job) (*ComposeRequest, error) {
	var result model.JobResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}

	req := &ComposeRequest{JobID: job.ID, Title: job.Document.Title}
	for _, sc := range result.Scenes {
		if sc.Audio == nil || sc.Visual == nil {
			continue
		}
		req.Segments = append(req.Segments, ComposeSegment{
			SceneID:    sc.SceneID,
			AudioPath:  sc.Audio.Path,
			AudioURL:   sc.Audio.URL,
			Duration:   sc.Audio.Duration,
			VisualPath: sc.Visual.Path,
			VisualURL:  sc.Visual.URL,
		})
	}
	if len(req.Segments) == 0 {
		return nil, errNothingToCompose
	}
	return req, nil
}
