package model

import "strings"

// Job status
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the job is still waiting or running.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// HasResult reports whether a job in this status carries a result payload.
func (s JobStatus) HasResult() bool {
	return s == JobStatusCompleted || s == JobStatusCompletedWithErrors
}

// Priority of a queued job. Higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a name to a Priority. Empty or unknown names map to normal.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p
		}
	}
	return PriorityNormal
}

// Branch kinds. Every scene fans out into exactly one branch of each kind.
type BranchKind string

const (
	BranchAudio  BranchKind = "audio"
	BranchVisual BranchKind = "visual"
)

var BranchKinds = []BranchKind{BranchAudio, BranchVisual}

// Branch status
type BranchStatus string

const (
	BranchStatusPending BranchStatus = "pending"
	BranchStatusSuccess BranchStatus = "success"
	BranchStatusFailed  BranchStatus = "failed"
)

// IsTerminal reports whether the branch has resolved.
func (s BranchStatus) IsTerminal() bool {
	return s == BranchStatusSuccess || s == BranchStatusFailed
}

// Visual types
type VisualType string

const (
	VisualTypeImage   VisualType = "image"
	VisualTypeDiagram VisualType = "diagram"
	VisualTypeChart   VisualType = "chart"
	VisualTypeCode    VisualType = "code"
	// VisualTypeSlide is the fallback for anything the decomposer asks for
	// that has no dedicated renderer.
	VisualTypeSlide VisualType = "slide"
)

var ValidVisualTypes = []VisualType{
	VisualTypeImage, VisualTypeDiagram, VisualTypeChart, VisualTypeCode, VisualTypeSlide,
}

// ParseVisualType maps a free-form type name onto the closed set, falling
// back to VisualTypeSlide.
func ParseVisualType(s string) VisualType {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, vt := range ValidVisualTypes {
		if s == string(vt) {
			return vt
		}
	}
	switch s {
	case "picture", "illustration", "photo":
		return VisualTypeImage
	case "graph", "plot":
		return VisualTypeChart
	case "flowchart", "mermaid":
		return VisualTypeDiagram
	case "snippet", "source":
		return VisualTypeCode
	}
	return VisualTypeSlide
}
