package models

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies why a job did not succeed.
type ErrorKind string

const (
	ErrorKindValidation         ErrorKind = "VALIDATION_ERROR"
	ErrorKindComplianceBlocked  ErrorKind = "COMPLIANCE_BLOCKED"
	ErrorKindCaptchaRequired    ErrorKind = "CAPTCHA_REQUIRED"
	ErrorKindDetectionTimeout   ErrorKind = "DETECTION_TIMEOUT"
	ErrorKindSubmissionTimeout  ErrorKind = "SUBMISSION_TIMEOUT"
	ErrorKindNetwork            ErrorKind = "NETWORK_ERROR"
	ErrorKindStaleTransition    ErrorKind = "STALE_TRANSITION"
	ErrorKindCancelled          ErrorKind = "CANCELLED"
	ErrorKindSubmissionRejected ErrorKind = "SUBMISSION_REJECTED"
	ErrorKindInternal           ErrorKind = "INTERNAL_ERROR"
	// ErrorKindBatchPartialFailure marks a batch parent stored as FAILURE
	// whose members include at least one SUCCESS.
	ErrorKindBatchPartialFailure ErrorKind = "BATCH_PARTIAL_FAILURE"
)

// Retryable reports whether a job failing with this kind may cycle through RETRY.
// Every other kind is terminal on first occurrence.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindNetwork
}

// JobError is the structured error payload stored on a failed or revoked job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewJobError builds a JobError with a formatted message.
func NewJobError(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *JobError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// AsJobError extracts a *JobError from err's chain.
func AsJobError(err error) (*JobError, bool) {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr, true
	}
	return nil, false
}
