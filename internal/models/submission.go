package models

import "time"

// SubmissionStatus is the recorded outcome of one attempted contact.
type SubmissionStatus string

const (
	SubmissionSuccess         SubmissionStatus = "success"
	SubmissionFailed          SubmissionStatus = "failed"
	SubmissionPending         SubmissionStatus = "pending"
	SubmissionCaptchaRequired SubmissionStatus = "captcha_required"
)

// SubmissionOutcome is what the automation engine reports for one submit call.
type SubmissionOutcome struct {
	Status        SubmissionStatus `json:"status"`
	Response      string           `json:"response,omitempty"`
	Error         string           `json:"error,omitempty"`
	ScreenshotRef string           `json:"screenshot_ref,omitempty"`
}

// Submission is the permanent ledger entry for an attempted contact. Its ID is
// the id of the job that produced it, so a job yields at most one record.
type Submission struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	CompanyID     int64             `json:"company_id"`
	FormID        int64             `json:"form_id"`
	TemplateID    int64             `json:"template_id"`
	URL           string            `json:"url"`
	Fields        map[string]string `json:"fields"`
	Status        SubmissionStatus  `json:"status"`
	Response      string            `json:"response,omitempty"`
	Error         string            `json:"error,omitempty"`
	ScreenshotRef string            `json:"screenshot_ref,omitempty"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// SubmitResult is the job result of a successful submission job.
type SubmitResult struct {
	SubmissionID string              `json:"submission_id,omitempty"`
	FormID       int64               `json:"form_id"`
	CompanyID    int64               `json:"company_id"`
	Status       SubmissionStatus    `json:"status"`
	Preview      bool                `json:"preview,omitempty"`
	Fields       map[string]string   `json:"fields"`
	Response     string              `json:"response,omitempty"`
	Compliance   *ComplianceDecision `json:"compliance,omitempty"`
}
