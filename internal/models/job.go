package models

import (
	"encoding/json"
	"time"
)

// JobType selects the handler a batch job runs.
type JobType string

const (
	JobTypeTranscriptProcessing JobType = "transcript_processing"
	JobTypeDocumentGeneration   JobType = "document_generation"
)

// JobStatus represents the lifecycle stage of a batch job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobInput carries the handler-specific input of a batch job.
type JobInput struct {
	AudioRef string `json:"audioRef,omitempty"`
}

// BatchJob is a unit of reprocessing work tracked by the queue.
type BatchJob struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	TeamID      string          `json:"teamId"`
	Type        JobType         `json:"type"`
	Attempts    int             `json:"attempts"`
	Status      JobStatus       `json:"status"`
	Input       JobInput        `json:"input"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	NextRunAt   *time.Time      `json:"nextRunAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// IsDone reports whether the job reached a terminal state.
func (j *BatchJob) IsDone() bool {
	return j.Status.IsTerminal()
}

// JobState is the externally visible status of a job.
type JobState struct {
	ID       string    `json:"id"`
	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}
