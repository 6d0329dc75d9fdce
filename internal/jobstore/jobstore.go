// Package jobstore holds every job's lifecycle record, its per-segment
// outcomes and the priority queue of pending jobs. All state sits behind a
// single mutex; a periodic snapshot to a DurableStore gives best-effort
// recovery across restarts. A crash between a mutation and the next
// snapshot loses that mutation.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/store"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrUnknownSegment    = errors.New("segment does not belong to job")
)

const (
	DefaultRetention = 24 * time.Hour
	keyPrefix        = "job:"
)

// Store is the in-memory job store.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*model.Job
	queue  jobQueue
	queued map[string]*model.QueuedJob
	failed map[string]*model.QueuedJob

	retention time.Duration
	durable   store.DurableStore
	now       func() time.Time
	log       *zap.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long a job is kept after its last update.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithDurable sets the snapshot target.
func WithDurable(d store.DurableStore) Option {
	return func(s *Store) { s.durable = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = logger.OrNop(l)
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]*model.Job),
		queued:    make(map[string]*model.QueuedJob),
		failed:    make(map[string]*model.QueuedJob),
		retention: DefaultRetention,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new pending job.
func (s *Store) Create(doc model.Document, priority model.Priority, maxRetries int) *model.Job {
	now := s.now()
	job := &model.Job{
		ID:         uuid.NewString(),
		Status:     model.JobStatusPending,
		Priority:   priority,
		Message:    "Queued",
		Document:   doc,
		Segments:   make(map[string]*model.Segment),
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	out := job.Clone()
	s.mu.Unlock()

	s.notify(Event{Type: EventCreated, Job: out})
	return out
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (*model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// ListActive returns pending and processing jobs, oldest first. A
// non-positive limit returns all of them.
func (s *Store) ListActive(limit int) []*model.Job {
	s.mu.Lock()
	var active []*model.Job
	for _, job := range s.jobs {
		if job.Status.IsActive() {
			active = append(active, job.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	return active
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Save updates status, message, progress and merges metadata in one step.
// An empty status leaves the status unchanged; a negative progress leaves
// progress unchanged.
func (s *Store) Save(id string, status model.JobStatus, message string, progress int, metadata map[string]interface{}) error {
	return s.mutate(id, EventUpdated, func(job *model.Job, now time.Time) error {
		if status != "" {
			if err := s.transition(job, status, now); err != nil {
				return err
			}
		}
		if message != "" {
			job.Message = message
		}
		if progress >= 0 {
			job.Progress = clampProgress(progress)
		}
		mergeMetadata(job, metadata)
		return nil
	})
}

// UpdateStatus moves the job to status.
func (s *Store) UpdateStatus(id string, status model.JobStatus, message string) error {
	return s.Save(id, status, message, -1, nil)
}

// UpdateProgress sets progress and message without changing status. Updates
// to terminal jobs are ignored.
func (s *Store) UpdateProgress(id string, progress int, message string) error {
	return s.mutate(id, EventProgress, func(job *model.Job, _ time.Time) error {
		if job.Status.IsTerminal() {
			return errSkip
		}
		job.Progress = clampProgress(progress)
		if message != "" {
			job.Message = message
		}
		return nil
	})
}

// SetMetadata merges metadata into the job regardless of status.
func (s *Store) SetMetadata(id string, metadata map[string]interface{}) error {
	return s.mutate(id, EventUpdated, func(job *model.Job, _ time.Time) error {
		mergeMetadata(job, metadata)
		return nil
	})
}

// SetScenes records the decomposed scene ids and creates a pending segment
// for each. Segments from a previous attempt are discarded.
func (s *Store) SetScenes(id string, sceneIDs []string) error {
	return s.mutate(id, EventUpdated, func(job *model.Job, _ time.Time) error {
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
		}
		job.SceneIDs = append([]string(nil), sceneIDs...)
		job.Segments = make(map[string]*model.Segment, len(sceneIDs))
		for _, sid := range sceneIDs {
			job.Segments[sid] = model.NewSegment(sid)
		}
		mergeMetadata(job, map[string]interface{}{model.MetaSceneCount: len(sceneIDs)})
		return nil
	})
}

// UpdateSegment records one branch outcome. The segment must belong to
// the job's scene list. Branches finishing after a cancel are still recorded.
func (s *Store) UpdateSegment(id, segmentID string, kind model.BranchKind, outcome model.BranchOutcome) error {
	return s.mutateEvent(id, func(job *model.Job, now time.Time) (Event, error) {
		seg, ok := job.Segments[segmentID]
		if !ok {
			return Event{}, fmt.Errorf("%w: %s", ErrUnknownSegment, segmentID)
		}
		if outcome.UpdatedAt == nil {
			t := now
			outcome.UpdatedAt = &t
		}
		*seg.Branch(kind) = outcome
		return Event{Type: EventSegment, SegmentID: segmentID, Branch: kind}, nil
	})
}

// SetResult finalizes a job. The result is stored only for completed
// statuses; progress becomes 100.
func (s *Store) SetResult(id string, status model.JobStatus, result interface{}, metadata map[string]interface{}) error {
	if !status.IsTerminal() || status == model.JobStatusCancelled {
		return fmt.Errorf("%w: cannot set result with status %s", ErrInvalidTransition, status)
	}
	var raw json.RawMessage
	if status.HasResult() && result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		raw = b
	}

	return s.mutate(id, EventCompleted, func(job *model.Job, now time.Time) error {
		if err := s.transition(job, status, now); err != nil {
			return err
		}
		job.Result = raw
		job.Progress = 100
		mergeMetadata(job, metadata)
		switch status {
		case model.JobStatusCompleted:
			job.Message = "Completed"
		case model.JobStatusCompletedWithErrors:
			job.Message = "Completed with errors"
		case model.JobStatusFailed:
			job.Message = "Failed"
			if job.Error == nil {
				msg := "all branches failed"
				job.Error = &msg
			}
		}
		return nil
	})
}

// Fail marks the job failed with errMsg.
func (s *Store) Fail(id, errMsg string) error {
	return s.mutate(id, EventCompleted, func(job *model.Job, now time.Time) error {
		if err := s.transition(job, model.JobStatusFailed, now); err != nil {
			return err
		}
		job.Error = &errMsg
		job.Message = "Failed"
		mergeMetadata(job, map[string]interface{}{model.MetaLastError: errMsg})
		return nil
	})
}

// Cancel cancels a pending or processing job. It returns false without
// error when the job is already terminal.
func (s *Store) Cancel(id, reason string) (bool, error) {
	cancelled := false
	err := s.mutate(id, EventCompleted, func(job *model.Job, now time.Time) error {
		if job.Status.IsTerminal() {
			return errSkip
		}
		if err := s.transition(job, model.JobStatusCancelled, now); err != nil {
			return err
		}
		if reason == "" {
			reason = "cancelled by user"
		}
		job.CancellationReason = &reason
		job.Message = "Cancelled"
		s.removeQueued(job.ID)
		cancelled = true
		return nil
	})
	return cancelled, err
}

// IsCancelled reports whether the job was cancelled. Unknown jobs count as
// cancelled so orphaned work stops.
func (s *Store) IsCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return !ok || job.Status == model.JobStatusCancelled
}

var errSkip = errors.New("skip")

// mutate applies fn to the job under the lock, bumps updated_at and
// notifies observers with a copy.
func (s *Store) mutate(id string, typ EventType, fn func(job *model.Job, now time.Time) error) error {
	return s.mutateEvent(id, func(job *model.Job, now time.Time) (Event, error) {
		return Event{Type: typ}, fn(job, now)
	})
}

func (s *Store) mutateEvent(id string, fn func(job *model.Job, now time.Time) (Event, error)) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	now := s.now()
	ev, err := fn(job, now)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, errSkip) {
			return nil
		}
		return err
	}
	job.UpdatedAt = now
	ev.Job = job.Clone()
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// transition validates and applies a status change. Caller holds mu.
func (s *Store) transition(job *model.Job, to model.JobStatus, now time.Time) error {
	from := job.Status
	if from == to && !from.IsTerminal() {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	job.Status = to
	switch {
	case to == model.JobStatusProcessing:
		t := now
		job.StartedAt = &t
	case to.IsTerminal():
		t := now
		job.CompletedAt = &t
	}
	return nil
}

func canTransition(from, to model.JobStatus) bool {
	switch from {
	case model.JobStatusPending:
		return to == model.JobStatusProcessing || to == model.JobStatusCancelled || to == model.JobStatusFailed
	case model.JobStatusProcessing:
		return to == model.JobStatusPending || to.IsTerminal()
	}
	return false
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func mergeMetadata(job *model.Job, metadata map[string]interface{}) {
	if len(metadata) == 0 {
		return
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]interface{}, len(metadata))
	}
	for k, v := range metadata {
		job.Metadata[k] = v
	}
}
