package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/model"
)

type fakeEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.task = task
	f.opts = opts
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueCompose}, nil
}

type fakeComposer struct {
	req *ComposeRequest
	err error
}

func (f *fakeComposer) Compose(_ context.Context, req *ComposeRequest) (*ComposeResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &ComposeResult{VideoURL: "https://cdn.example.com/" + req.JobID + ".mp4", Duration: 12}, nil
}

func completedJob(t *testing.T, jobs *jobstore.Store, status model.JobStatus, result model.JobResult) string {
	t.Helper()
	job := jobs.Create(model.Document{Title: "Intro", Content: "c"}, model.PriorityNormal, 0)
	require.NoError(t, jobs.UpdateStatus(job.ID, model.JobStatusProcessing, ""))
	require.NoError(t, jobs.SetResult(job.ID, status, result, nil))
	return job.ID
}

func task(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(ComposePayload{JobID: jobID})
	require.NoError(t, err)
	return asynq.NewTask(TypeVideoCompose, payload)
}

func TestComposePublisher(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := NewComposePublisher(enq, nil)

	require.NoError(t, p.PublishCompletion(context.Background(), "job-1"))
	require.NotNil(t, enq.task)
	assert.Equal(t, TypeVideoCompose, enq.task.Type())
	assert.JSONEq(t, `{"jobId":"job-1"}`, string(enq.task.Payload()))

	var queue string
	for _, o := range enq.opts {
		if o.Type() == asynq.QueueOpt {
			queue = o.Value().(string)
		}
	}
	assert.Equal(t, QueueCompose, queue)

	enq.err = errors.New("redis down")
	assert.Error(t, p.PublishCompletion(context.Background(), "job-2"))
}

func TestComposeWorker_RecordsVideoURL(t *testing.T) {
	jobs := jobstore.New()
	id := completedJob(t, jobs, model.JobStatusCompletedWithErrors, model.JobResult{
		Scenes: []model.SceneResult{
			{SceneID: "scene_01", Audio: &model.AudioResult{Path: "a1.mp3", Duration: 3}, Visual: &model.VisualResult{Path: "v1.png"}},
			{SceneID: "scene_02", Audio: &model.AudioResult{Path: "a2.mp3"}, Errors: []string{"visual: failed"}},
		},
		FailedBranches: 1,
		TotalBranches:  4,
	})
	composer := &fakeComposer{}
	w := NewComposeWorker(jobs, composer, nil, nil)

	require.NoError(t, w.ProcessTask(context.Background(), task(t, id)))

	require.Len(t, composer.req.Segments, 1, "only fully rendered scenes are composed")
	assert.Equal(t, "scene_01", composer.req.Segments[0].SceneID)
	assert.Equal(t, "Intro", composer.req.Title)

	job, _ := jobs.Get(id)
	assert.Equal(t, "https://cdn.example.com/"+id+".mp4", job.Metadata[model.MetaVideoURL])
	assert.Equal(t, model.JobStatusCompletedWithErrors, job.Status)
}

func TestComposeWorker_ComposerErrorIsRetried(t *testing.T) {
	jobs := jobstore.New()
	id := completedJob(t, jobs, model.JobStatusCompleted, model.JobResult{
		Scenes: []model.SceneResult{
			{SceneID: "scene_01", Audio: &model.AudioResult{Path: "a.mp3"}, Visual: &model.VisualResult{Path: "v.png"}},
		},
		TotalBranches: 2,
	})
	w := NewComposeWorker(jobs, &fakeComposer{err: errors.New("ffmpeg crashed")}, nil, nil)

	err := w.ProcessTask(context.Background(), task(t, id))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	job, _ := jobs.Get(id)
	assert.Equal(t, "ffmpeg crashed", job.Metadata[metaComposeError])
}

func TestComposeWorker_SkipsRetryForUnusableJobs(t *testing.T) {
	jobs := jobstore.New()
	w := NewComposeWorker(jobs, &fakeComposer{}, nil, nil)

	err := w.ProcessTask(context.Background(), task(t, "missing"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)

	failed := completedJob(t, jobs, model.JobStatusFailed, model.JobResult{})
	assert.ErrorIs(t, w.ProcessTask(context.Background(), task(t, failed)), asynq.SkipRetry)

	empty := completedJob(t, jobs, model.JobStatusCompleted, model.JobResult{})
	assert.ErrorIs(t, w.ProcessTask(context.Background(), task(t, empty)), asynq.SkipRetry)

	bad := asynq.NewTask(TypeVideoCompose, []byte("{"))
	assert.ErrorIs(t, w.ProcessTask(context.Background(), bad), asynq.SkipRetry)
}
