package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"form-courier/internal/models"
)

// Ledger writes detected forms and submission records into Neo4j.
type Ledger struct {
	driver DriverSessioner
}

// NewLedger returns a ledger writing through driver.
func NewLedger(driver DriverSessioner) *Ledger {
	return &Ledger{driver: driver}
}

// WriteForms upserts every form of a detection and links it to its company.
func (l *Ledger) WriteForms(ctx context.Context, event models.FormsDetected) error {
	for _, form := range event.Forms {
		query, params, err := BuildFormQuery(event.JobID, event.CompanyID, form)
		if err != nil {
			return err
		}
		if err := runWrite(ctx, l.driver, query, params); err != nil {
			return errors.Wrapf(err, "write form %d", form.ID)
		}
	}
	return nil
}

// WriteSubmission records a submission. Replaying the same record is a no-op.
func (l *Ledger) WriteSubmission(ctx context.Context, sub models.Submission) error {
	query, params, err := BuildSubmissionQuery(sub)
	if err != nil {
		return err
	}
	if err := runWrite(ctx, l.driver, query, params); err != nil {
		return errors.Wrapf(err, "write submission %s", sub.ID)
	}
	return nil
}

// BuildFormQuery returns the MERGE statement for one detected form.
func BuildFormQuery(jobID string, companyID int64, form models.FormDescriptor) (string, map[string]any, error) {
	fields, err := json.Marshal(form.Fields)
	if err != nil {
		return "", nil, errors.Wrap(err, "marshal form fields")
	}
	if form.CompanyID == 0 {
		form.CompanyID = companyID
	}
	if form.ID == 0 {
		form.ID = models.FormID(form.CompanyID, form.URL, form.SubmitSelector)
	}
	detectedAt := form.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	query := "MERGE (c:Company {id: $company_id}) " +
		"MERGE (f:Form {id: $id}) " +
		"SET f.company_id = $company_id, f.url = $url, " +
		"f.submit_selector = coalesce($submit_selector, f.submit_selector), " +
		"f.has_captcha = $has_captcha, f.fields = $fields, " +
		"f.detected_at = $detected_at, f.job_id = $job_id " +
		"MERGE (c)-[:HAS_FORM]->(f)"
	var selector any
	if form.SubmitSelector != "" {
		selector = form.SubmitSelector
	}
	params := map[string]any{
		"id":              form.ID,
		"company_id":      form.CompanyID,
		"url":             form.URL,
		"submit_selector": selector,
		"has_captcha":     form.HasCaptcha,
		"fields":          string(fields),
		"detected_at":     detectedAt.UTC().Format(time.RFC3339Nano),
		"job_id":          jobID,
	}
	return query, params, nil
}

// BuildSubmissionQuery returns the statement recording a submission. The
// properties are set only on creation so ledger entries are never mutated.
func BuildSubmissionQuery(sub models.Submission) (string, map[string]any, error) {
	if sub.ID == "" {
		return "", nil, errors.New("submission id is required")
	}
	fields, err := json.Marshal(sub.Fields)
	if err != nil {
		return "", nil, errors.Wrap(err, "marshal submission fields")
	}
	query := "MERGE (c:Company {id: $company_id}) " +
		"MERGE (s:Submission {id: $id}) " +
		"ON CREATE SET s.job_id = $job_id, s.company_id = $company_id, s.form_id = $form_id, " +
		"s.template_id = $template_id, s.url = $url, s.fields = $fields, s.status = $status, " +
		"s.response = $response, s.error = $error, s.screenshot_ref = $screenshot_ref, " +
		"s.submitted_at = $submitted_at " +
		"MERGE (c)-[:RECEIVED]->(s) " +
		"MERGE (f:Form {id: $form_id}) " +
		"MERGE (s)-[:VIA]->(f)"
	params := map[string]any{
		"id":             sub.ID,
		"job_id":         sub.JobID,
		"company_id":     sub.CompanyID,
		"form_id":        sub.FormID,
		"template_id":    sub.TemplateID,
		"url":            sub.URL,
		"fields":         string(fields),
		"status":         string(sub.Status),
		"response":       sub.Response,
		"error":          sub.Error,
		"screenshot_ref": sub.ScreenshotRef,
		"submitted_at":   sub.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	return query, params, nil
}
