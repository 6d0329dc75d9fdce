// Package orchestrator runs one job: it decomposes the document into scenes,
// fans every scene out into an audio and a visual branch, records each
// branch outcome as it lands and derives the terminal job status.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/makeavideo/api/internal/cache"
	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/resilience"
	"github.com/makeavideo/api/internal/resource"
)

const (
	progressStarted    = 5
	progressDecomposed = 10
	progressRendered   = 95
)

// Guards holds the resilience policy per collaborator class.
type Guards struct {
	Script *resilience.Guard
	Audio  *resilience.Guard
	Visual *resilience.Guard
}

// Deps are the orchestrator's collaborators. Uploader and Publisher are
// optional.
type Deps struct {
	Jobs       *jobstore.Store
	Resources  *resource.Manager
	Cache      *cache.Cache
	Decomposer ScriptDecomposer
	Audio      AudioRenderer
	Visuals    *VisualRouter
	Uploader   ArtifactUploader
	Publisher  CompletionPublisher
	Guards     Guards
	CacheTTL   config.CacheConfig
	Logger     *zap.Logger
}

// Orchestrator coordinates scene tasks for jobs.
type Orchestrator struct {
	Deps
	log *zap.Logger
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Cache == nil {
		d.Cache = cache.New()
	}
	log := logger.OrNop(d.Logger)
	return &Orchestrator{Deps: d, log: log}
}

// Dispatch is the direct path: acquire a job slot, run the job, release the
// slot. A job-level error fails the job unless ctx was cancelled.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string) error {
	return o.Resources.WithJobSlot(ctx, func(ctx context.Context) error {
		err := o.Run(ctx, jobID)
		if err != nil && ctx.Err() == nil && !errors.Is(err, jobstore.ErrJobNotFound) {
			if ferr := o.Jobs.Fail(jobID, err.Error()); ferr != nil {
				o.log.Warn("failed to mark job failed", zap.String("job_id", jobID), zap.Error(ferr))
			}
		}
		return err
	})
}

// Run executes the job. The caller must hold a job slot. Branch failures
// are recorded on segments and never returned; a returned error means the
// job as a whole could not run and the caller decides between retry and
// failure.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	log := o.log.With(zap.String("job_id", jobID))

	job, ok := o.Jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", jobstore.ErrJobNotFound, jobID)
	}
	if job.Status.IsTerminal() {
		log.Info("job already terminal, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	if err := o.Jobs.Save(jobID, model.JobStatusProcessing, "Decomposing document", progressStarted, nil); err != nil {
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to start job: %w", err)
	}
	log.Info("job started", zap.Int("retry_count", job.RetryCount))

	scenes, err := o.decompose(ctx, job.Document)
	if err != nil {
		if o.Jobs.IsCancelled(jobID) {
			return nil
		}
		return fmt.Errorf("failed to decompose document: %w", err)
	}
	scenes = normalizeScenes(scenes)

	ids := make([]string, len(scenes))
	for i, s := range scenes {
		ids[i] = s.ID
	}
	if err := o.Jobs.SetScenes(jobID, ids); err != nil {
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to record scenes: %w", err)
	}
	_ = o.Jobs.UpdateProgress(jobID, progressDecomposed, fmt.Sprintf("Rendering %d scenes", len(scenes)))
	log.Info("document decomposed", zap.Int("scenes", len(scenes)))

	total := len(scenes) * len(model.BranchKinds)
	var resolved atomic.Int32
	var g errgroup.Group
	for _, scene := range scenes {
		for _, kind := range model.BranchKinds {
			g.Go(func() error {
				o.runBranch(ctx, jobID, scene, kind)
				done := int(resolved.Add(1))
				progress := progressDecomposed + (progressRendered-progressDecomposed)*done/total
				_ = o.Jobs.UpdateProgress(jobID, progress, fmt.Sprintf("Rendered %d/%d assets", done, total))
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return o.finish(ctx, jobID, log)
}

// finish tallies branch outcomes and stores the terminal status.
func (o *Orchestrator) finish(ctx context.Context, jobID string, log *zap.Logger) error {
	job, ok := o.Jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", jobstore.ErrJobNotFound, jobID)
	}
	if job.Status.IsTerminal() {
		log.Info("job ended before completion", zap.String("status", string(job.Status)))
		return nil
	}

	result := buildResult(job)
	status := model.JobStatusCompleted
	switch {
	case result.TotalBranches > 0 && result.FailedBranches == result.TotalBranches:
		status = model.JobStatusFailed
	case result.FailedBranches > 0:
		status = model.JobStatusCompletedWithErrors
	}
	meta := map[string]interface{}{
		model.MetaFailedBranches: result.FailedBranches,
		model.MetaTotalBranches:  result.TotalBranches,
	}

	if err := o.Jobs.SetResult(jobID, status, result, meta); err != nil {
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			log.Info("job ended before completion", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to store result: %w", err)
	}
	log.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("failed_branches", result.FailedBranches),
		zap.Int("total_branches", result.TotalBranches),
	)

	if status.HasResult() && result.TotalBranches > 0 && o.Publisher != nil {
		if err := o.Publisher.PublishCompletion(ctx, jobID); err != nil {
			log.Warn("failed to publish completion", zap.Error(err))
		}
	}
	return nil
}

// runBranch renders one branch and records its outcome.
func (o *Orchestrator) runBranch(ctx context.Context, jobID string, scene model.Scene, kind model.BranchKind) {
	log := o.log.With(zap.String("job_id", jobID), zap.String("scene_id", scene.ID), zap.String("branch", string(kind)))

	data, err := o.renderBranch(ctx, jobID, scene, kind)

	now := time.Now()
	outcome := model.BranchOutcome{Status: model.BranchStatusSuccess, Data: data, UpdatedAt: &now}
	if err != nil {
		outcome = model.BranchOutcome{Status: model.BranchStatusFailed, Error: err.Error(), UpdatedAt: &now}
		log.Warn("branch failed", zap.Error(err))
	} else {
		log.Debug("branch succeeded")
	}

	if err := o.Jobs.UpdateSegment(jobID, scene.ID, kind, outcome); err != nil {
		log.Warn("failed to record branch outcome", zap.Error(err))
	}
}

var errCancelled = errors.New("job cancelled")

func (o *Orchestrator) renderBranch(ctx context.Context, jobID string, scene model.Scene, kind model.BranchKind) (json.RawMessage, error) {
	permit, err := o.Resources.AcquireBranchSlot(ctx, kind)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	if err := o.cancelled(jobID); err != nil {
		return nil, err
	}

	var result interface{}
	if kind == model.BranchAudio {
		result, err = o.renderAudio(ctx, jobID, scene)
	} else {
		result, err = o.renderVisual(ctx, jobID, scene)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// cancelled returns a non-nil error once jobID has been cancelled.
func (o *Orchestrator) cancelled(jobID string) error {
	if !o.Jobs.IsCancelled(jobID) {
		return nil
	}
	reason := "cancelled"
	if job, ok := o.Jobs.Get(jobID); ok && job.CancellationReason != nil {
		reason = *job.CancellationReason
	}
	return fmt.Errorf("%w: %s", errCancelled, reason)
}

// unlessCancelled checks for cancellation before every attempt, so retries
// stop calling the collaborator once the job is cancelled.
func unlessCancelled[T any](o *Orchestrator, jobID string, fn resilience.Func[T]) resilience.Func[T] {
	return func(ctx context.Context) (T, error) {
		if err := o.cancelled(jobID); err != nil {
			var zero T
			return zero, resilience.Permanent(err)
		}
		return fn(ctx)
	}
}

func (o *Orchestrator) decompose(ctx context.Context, doc model.Document) ([]model.Scene, error) {
	key := cache.GenerateKey("script", []interface{}{doc.Content}, map[string]interface{}{
		"title":    doc.Title,
		"language": doc.Language,
	})
	var scenes []model.Scene
	if o.Cache.GetJSON(ctx, key, &scenes) {
		return scenes, nil
	}

	scenes, err := resilience.Call(ctx, o.Guards.Script, "decompose", func(ctx context.Context) ([]model.Scene, error) {
		return o.Decomposer.Decompose(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	o.Cache.SetJSON(ctx, key, scenes, o.CacheTTL.ScriptTTL)
	return scenes, nil
}

func (o *Orchestrator) renderAudio(ctx context.Context, jobID string, scene model.Scene) (*model.AudioResult, error) {
	key := cache.GenerateKey("audio", []interface{}{scene.NarrationText}, nil)
	var cached model.AudioResult
	if o.Cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	res, err := resilience.Call(ctx, o.Guards.Audio, "render_audio", unlessCancelled(o, jobID, func(ctx context.Context) (*model.AudioResult, error) {
		return o.Audio.RenderAudio(ctx, scene)
	}))
	if err != nil {
		return nil, err
	}
	if res.URL == "" {
		res.URL = o.upload(ctx, jobID, scene.ID, model.BranchAudio, res.Path)
	}
	o.Cache.SetJSON(ctx, key, res, o.CacheTTL.AudioTTL)
	return res, nil
}

func (o *Orchestrator) renderVisual(ctx context.Context, jobID string, scene model.Scene) (*model.VisualResult, error) {
	key := cache.GenerateKey("visual", []interface{}{string(scene.VisualType), scene.VisualPrompt}, nil)
	var cached model.VisualResult
	if o.Cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	res, err := resilience.Call(ctx, o.Guards.Visual, "render_"+string(scene.VisualType), unlessCancelled(o, jobID, func(ctx context.Context) (*model.VisualResult, error) {
		return o.Visuals.RenderVisual(ctx, scene, jobID)
	}))
	if err != nil {
		return nil, err
	}
	if res.VisualType == "" {
		res.VisualType = scene.VisualType
	}
	if res.URL == "" {
		res.URL = o.upload(ctx, jobID, scene.ID, model.BranchVisual, res.Path)
	}
	o.Cache.SetJSON(ctx, key, res, o.CacheTTL.VisualTTL)
	return res, nil
}

// upload publishes an artifact. Upload failures leave the branch successful
// without a public URL.
func (o *Orchestrator) upload(ctx context.Context, jobID, sceneID string, kind model.BranchKind, localPath string) string {
	if o.Uploader == nil || localPath == "" {
		return ""
	}
	key := fmt.Sprintf("jobs/%s/%s/%s%s", jobID, sceneID, kind, path.Ext(localPath))
	url, err := o.Uploader.UploadArtifact(ctx, key, localPath)
	if err != nil {
		o.log.Warn("artifact upload failed",
			zap.String("job_id", jobID),
			zap.String("scene_id", sceneID),
			zap.String("branch", string(kind)),
			zap.Error(err),
		)
		return ""
	}
	return url
}

// normalizeScenes gives every scene a unique id and a known visual type.
func normalizeScenes(scenes []model.Scene) []model.Scene {
	out := make([]model.Scene, 0, len(scenes))
	seen := make(map[string]bool, len(scenes))
	for i, s := range scenes {
		if s.ID == "" || seen[s.ID] {
			s.ID = fmt.Sprintf("scene_%02d", i+1)
			for n := 1; seen[s.ID]; n++ {
				s.ID = fmt.Sprintf("scene_%02d_%d", i+1, n)
			}
		}
		seen[s.ID] = true
		s.VisualType = model.ParseVisualType(string(s.VisualType))
		out = append(out, s)
	}
	return out
}

// buildResult assembles the result payload in scene order.
func buildResult(job *model.Job) model.JobResult {
	result := model.JobResult{Scenes: make([]model.SceneResult, 0, len(job.SceneIDs))}
	for _, id := range job.SceneIDs {
		seg, ok := job.Segments[id]
		if !ok {
			continue
		}
		sr := model.SceneResult{SceneID: id}
		for _, kind := range model.BranchKinds {
			b := seg.Branch(kind)
			result.TotalBranches++
			if b.Status != model.BranchStatusSuccess {
				result.FailedBranches++
				msg := b.Error
				if msg == "" {
					msg = "not rendered"
				}
				sr.Errors = append(sr.Errors, fmt.Sprintf("%s: %s", kind, msg))
				continue
			}
			if kind == model.BranchAudio {
				var a model.AudioResult
				if json.Unmarshal(b.Data, &a) == nil {
					sr.Audio = &a
				}
			} else {
				var v model.VisualResult
				if json.Unmarshal(b.Data, &v) == nil {
					sr.Visual = &v
				}
			}
		}
		result.Scenes = append(result.Scenes, sr)
	}
	return result
}
