package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the polling view of a job returned by GET /tasks/{id}/status.
// For batch parents Status is the derived aggregate and Result a BatchResult.
type TaskStatus struct {
	TaskID       string          `json:"task_id"`
	Kind         JobKind         `json:"kind"`
	Status       JobStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *JobError       `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     *Progress       `json:"progress,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"max_retries"`
	RetryOf      string          `json:"retry_of,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	WorkerName   string          `json:"worker_name,omitempty"`
}

// NewTaskStatus builds the polling view of a single job.
func NewTaskStatus(job *Job) TaskStatus {
	ts := TaskStatus{
		TaskID:      job.ID,
		Kind:        job.Kind,
		Status:      job.Status,
		Progress:    job.Progress,
		Warnings:    job.Warnings,
		Retries:     job.Retries,
		MaxRetries:  job.MaxRetries,
		RetryOf:     job.RetryOf,
		ParentID:    job.ParentID,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		WorkerName:  job.WorkerID,
	}
	if job.Status == StatusSuccess {
		ts.Result = job.Result
	}
	if job.Error != nil && (job.Status == StatusFailure || job.Status == StatusRevoked || job.Status == StatusRetry) {
		ts.Error = job.Error
		ts.ErrorMessage = job.Error.Message
	}
	return ts
}
