package model

import (
	"encoding/json"
	"time"
)

// SubmitRequest represents the request to start a generation job
type SubmitRequest struct {
	Document   DocumentInput `json:"document" validate:"required"`
	Priority   string        `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	MaxRetries *int          `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

// DocumentInput is the validated form of a submitted document
type DocumentInput struct {
	Title    string `json:"title" validate:"required,max=200"`
	Content  string `json:"content" validate:"required,min=1"`
	Language string `json:"language" validate:"omitempty,bcp47_language_tag"`
}

// SubmitResponse represents the response when submitting a job
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the caller-facing view of a job
type JobStatusResponse struct {
	JobID              string              `json:"jobId"`
	Status             JobStatus           `json:"status"`
	Progress           int                 `json:"progress"`
	Message            string              `json:"message,omitempty"`
	Error              *string             `json:"error"`
	Segments           map[string]*Segment `json:"segments"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	RetryCount         int                 `json:"retryCount"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	StartedAt          *time.Time          `json:"startedAt"`
	CompletedAt        *time.Time          `json:"completedAt"`
	CancellationReason *string             `json:"cancellationReason,omitempty"`
}

// NewJobStatusResponse builds the status view of a job
func NewJobStatusResponse(j *Job) *JobStatusResponse {
	return &JobStatusResponse{
		JobID:              j.ID,
		Status:             j.Status,
		Progress:           j.Progress,
		Message:            j.Message,
		Error:              j.Error,
		Segments:           j.Segments,
		Metadata:           j.Metadata,
		RetryCount:         j.RetryCount,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		CancellationReason: j.CancellationReason,
	}
}

// JobResultResponse represents the result of a completed job
type JobResultResponse struct {
	JobID  string          `json:"jobId"`
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result"`
}

// CancelRequest carries an optional cancellation reason
type CancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// CancelResponse represents the response when cancelling a job
type CancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// JobListResponse lists active jobs
type JobListResponse struct {
	Jobs  []*JobStatusResponse `json:"jobs"`
	Count int                  `json:"count"`
}
