package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// JobKind identifies which worker path executes a job.
type JobKind string

const (
	JobKindDetectForms       JobKind = "detect_forms"
	JobKindSubmitSingle      JobKind = "submit_single"
	JobKindSubmitBatchMember JobKind = "submit_batch_member"
	// JobKindSubmitBatch is the parent job of a BatchJob; its work is sequencing members.
	JobKindSubmitBatch JobKind = "submit_batch"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindDetectForms, JobKindSubmitSingle, JobKindSubmitBatchMember, JobKindSubmitBatch:
		return true
	default:
		return false
	}
}

// IsSubmission reports whether the job contacts a target form.
func (k JobKind) IsSubmission() bool {
	return k == JobKindSubmitSingle || k == JobKindSubmitBatchMember
}

// Target identifies the company/site a job acts on.
type Target struct {
	CompanyID int64  `json:"company_id,omitempty"`
	FormID    int64  `json:"form_id,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Progress reports how far a multi-step job has advanced.
type Progress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Captcha    int `json:"captcha"`
}

// Job is one trackable unit of asynchronous work.
type Job struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"kind"`
	Status     JobStatus       `json:"status"`
	Target     Target          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *JobError       `json:"error,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Progress   *Progress       `json:"progress,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	ParentID   string          `json:"parent_id,omitempty"`
	RetryOf    string          `json:"retry_of,omitempty"`

	// Credential is the caller's automation engine token. It travels with the
	// job so whichever worker claims it acts for that caller; status views
	// never include it.
	Credential string `json:"credential,omitempty"`

	// Set by revoke while the job is STARTED; the worker honours it at checkpoints.
	RevokeRequested bool `json:"revoke_requested,omitempty"`
	Terminate       bool `json:"terminate,omitempty"`

	// Version increments on every stored write and backs compare-and-swap updates.
	Version int64 `json:"version"`

	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob returns a PENDING job with a fresh id. payload is marshalled to JSON.
func NewJob(kind JobKind, target Target, payload any, maxRetries int) (*Job, error) {
	if !kind.Valid() {
		return nil, errors.Newf("unknown job kind %q", kind)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal job payload")
		}
		raw = data
	}
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Status:     StatusPending,
		Target:     target,
		Payload:    raw,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return errors.Newf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode payload of job %s", j.ID)
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	c.Warnings = append([]string(nil), j.Warnings...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// HasWarning reports whether a warning starting with code is recorded.
func (j *Job) HasWarning(code string) bool {
	for _, w := range j.Warnings {
		if strings.HasPrefix(w, code) {
			return true
		}
	}
	return false
}

// ReportedStatus is the status shown to callers. A batch parent stored as
// FAILURE with some successful members reports PARTIAL_FAILURE.
func (j *Job) ReportedStatus() JobStatus {
	if j.Kind == JobKindSubmitBatch && j.Status == StatusFailure &&
		j.Error != nil && j.Error.Kind == ErrorKindBatchPartialFailure {
		return StatusPartialFailure
	}
	return j.Status
}
