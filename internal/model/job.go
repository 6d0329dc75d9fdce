package model

import (
	"encoding/json"
	"time"
)

// Document is the submitted source material a job is generated from.
type Document struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Scene is one unit of work decomposed from a document.
type Scene struct {
	ID            string     `json:"id"`
	NarrationText string     `json:"narrationText"`
	VisualType    VisualType `json:"visualType"`
	VisualPrompt  string     `json:"visualPrompt"`
}

// AudioResult is produced by the narration branch.
type AudioResult struct {
	Path     string  `json:"path"`
	URL      string  `json:"url,omitempty"`
	Duration float64 `json:"duration"`
	Status   string  `json:"status"`
}

// VisualResult is produced by the visual branch.
type VisualResult struct {
	Path       string     `json:"path"`
	URL        string     `json:"url,omitempty"`
	Status     string     `json:"status"`
	VisualType VisualType `json:"visualType"`
}

// BranchOutcome records how one branch of a scene resolved.
type BranchOutcome struct {
	Status    BranchStatus    `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

// Segment is the job's record of a scene's two branch outcomes.
type Segment struct {
	SegmentID string        `json:"segmentId"`
	Audio     BranchOutcome `json:"audio"`
	Visual    BranchOutcome `json:"visual"`
}

// NewSegment returns a segment with both branches pending.
func NewSegment(id string) *Segment {
	return &Segment{
		SegmentID: id,
		Audio:     BranchOutcome{Status: BranchStatusPending},
		Visual:    BranchOutcome{Status: BranchStatusPending},
	}
}

// Branch returns a pointer to the outcome for the given kind.
func (s *Segment) Branch(kind BranchKind) *BranchOutcome {
	if kind == BranchAudio {
		return &s.Audio
	}
	return &s.Visual
}

// Resolved reports whether both branches reached a terminal status.
func (s *Segment) Resolved() bool {
	return s.Audio.Status.IsTerminal() && s.Visual.Status.IsTerminal()
}

// Job represents a generation job and its per-scene progress.
type Job struct {
	ID                 string                 `json:"id"`
	Status             JobStatus              `json:"status"`
	Priority           Priority               `json:"priority"`
	Progress           int                    `json:"progress"`
	Message            string                 `json:"message,omitempty"`
	Document           Document               `json:"document"`
	SceneIDs           []string               `json:"sceneIds,omitempty"`
	Segments           map[string]*Segment    `json:"segments"`
	Result             json.RawMessage        `json:"result,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Error              *string                `json:"error,omitempty"`
	MaxRetries         int                    `json:"maxRetries"`
	RetryCount         int                    `json:"retryCount"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
	StartedAt          *time.Time             `json:"startedAt,omitempty"`
	CompletedAt        *time.Time             `json:"completedAt,omitempty"`
	CancellationReason *string                `json:"cancellationReason,omitempty"`
}

// Clone returns a deep copy safe to hand out of the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	// Result bytes and metadata values are never mutated in place.
	c := *j
	if j.SceneIDs != nil {
		c.SceneIDs = append([]string(nil), j.SceneIDs...)
	}
	c.Segments = make(map[string]*Segment, len(j.Segments))
	for id, seg := range j.Segments {
		s := *seg
		c.Segments[id] = &s
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Error = cloneString(j.Error)
	c.CancellationReason = cloneString(j.CancellationReason)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// ResolvedSegments counts segments whose branches have both resolved.
func (j *Job) ResolvedSegments() int {
	n := 0
	for _, seg := range j.Segments {
		if seg.Resolved() {
			n++
		}
	}
	return n
}

// QueuedJob is a priority-queue entry for a pending job.
type QueuedJob struct {
	JobID      string    `json:"jobId"`
	Priority   Priority  `json:"priority"`
	CreatedAt  time.Time `json:"createdAt"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
}

// Before reports whether q should be dequeued ahead of other: higher
// priority first, then older first.
func (q *QueuedJob) Before(other *QueuedJob) bool {
	if q.Priority != other.Priority {
		return q.Priority > other.Priority
	}
	return q.CreatedAt.Before(other.CreatedAt)
}

// SceneResult is one scene's entry in the job result payload.
type SceneResult struct {
	SceneID string        `json:"sceneId"`
	Audio   *AudioResult  `json:"audio,omitempty"`
	Visual  *VisualResult `json:"visual,omitempty"`
	Errors  []string      `json:"errors,omitempty"`
}

// JobResult is stored as the job result once all scenes resolve.
type JobResult struct {
	Scenes         []SceneResult `json:"scenes"`
	FailedBranches int           `json:"failedBranches"`
	TotalBranches  int           `json:"totalBranches"`
}

// Metadata keys written by the orchestrator.
const (
	MetaFailedBranches = "failed_branches"
	MetaTotalBranches  = "total_branches"
	MetaSceneCount     = "scene_count"
	MetaVideoURL       = "video_url"
	MetaLastError      = "last_error"
)

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
