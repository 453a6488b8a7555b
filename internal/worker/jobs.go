package worker

import (
	"context"

	"github.com/cockroachdb/errors"

	"form-courier/internal/automation"
	"form-courier/internal/graph"
	"form-courier/internal/models"
)

func isNotFound(err error) bool {
	return errors.Is(err, graph.ErrNotFound)
}

// gateCheck evaluates url and turns a block into COMPLIANCE_BLOCKED with the
// decision kept as the job result.
func (w *Worker) gateCheck(ctx context.Context, url string, level models.ComplianceLevel) (models.ComplianceDecision, error) {
	decision, err := w.gate.Evaluate(ctx, url, level)
	if err != nil {
		if _, ok := models.AsJobError(err); ok {
			return decision, err
		}
		return decision, models.NewJobError(models.ErrorKindInternal, "compliance check: %v", err)
	}
	if !decision.Allowed {
		msg := "blocked by site policy"
		if len(decision.Errors) > 0 {
			msg = decision.Errors[0]
		}
		return decision, models.NewJobError(models.ErrorKindComplianceBlocked, "%s", msg)
	}
	return decision, nil
}

func (w *Worker) detect(ctx context.Context, job *models.Job) (outcome, error) {
	var params models.DetectParams
	if err := job.DecodePayload(&params); err != nil {
		return outcome{}, models.NewJobError(models.ErrorKindValidation, "%v", err)
	}
	company, err := w.catalog.Company(ctx, params.CompanyID)
	if err != nil {
		return outcome{}, catalogError(err, "company", params.CompanyID)
	}
	if err := w.checkpoint(ctx, job.ID); err != nil {
		return outcome{}, err
	}
	decision, err := w.gateCheck(ctx, company.URL, w.level(params.ComplianceLevel))
	if err != nil {
		return outcome{result: decision}, err
	}
	for _, warning := range decision.Warnings {
		if _, werr := w.store.AddWarning(ctx, job.ID, warning); werr != nil {
			w.log.Warnw("failed to record warning", "job_id", job.ID, "error", werr)
		}
	}
	if err := w.checkpoint(ctx, job.ID); err != nil {
		return outcome{}, err
	}

	detectCtx, cancel := context.WithTimeout(ctx, w.opts.DetectTimeout)
	defer cancel()
	forms, err := w.engine.Detect(detectCtx, company.URL)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		return outcome{}, automationError(err, models.ErrorKindDetectionTimeout, "detect forms")
	}

	detectedAt := w.now()
	for i := range forms {
		forms[i].CompanyID = company.ID
		if forms[i].ID == 0 {
			forms[i].ID = models.FormID(company.ID, forms[i].URL, forms[i].SubmitSelector)
		}
		if forms[i].DetectedAt.IsZero() {
			forms[i].DetectedAt = detectedAt
		}
	}
	if len(forms) > 0 && w.recorder != nil {
		event := models.FormsDetected{JobID: job.ID, CompanyID: company.ID, Forms: forms, DetectedAt: detectedAt}
		if err := w.recorder.RecordForms(ctx, event); err != nil {
			return outcome{}, models.NewJobError(models.ErrorKindNetwork, "record detected forms: %v", err)
		}
	}
	return outcome{result: models.DetectResult{
		CompanyID:  company.ID,
		CompanyURL: company.URL,
		FormsCount: len(forms),
		Forms:      forms,
	}}, nil
}

// resolveForm finds the form a submission targets. Batch members name only a
// company and use its earliest detected form.
func (w *Worker) resolveForm(ctx context.Context, params models.SubmitParams) (models.FormDescriptor, models.Company, error) {
	if params.FormID != 0 {
		form, err := w.catalog.Form(ctx, params.FormID)
		if err != nil {
			return models.FormDescriptor{}, models.Company{}, catalogError(err, "form", params.FormID)
		}
		company, err := w.catalog.Company(ctx, form.CompanyID)
		if err != nil {
			return models.FormDescriptor{}, models.Company{}, catalogError(err, "company", form.CompanyID)
		}
		return form, company, nil
	}
	company, err := w.catalog.Company(ctx, params.CompanyID)
	if err != nil {
		return models.FormDescriptor{}, models.Company{}, catalogError(err, "company", params.CompanyID)
	}
	forms, err := w.catalog.FormsForCompany(ctx, company.ID)
	if err != nil {
		return models.FormDescriptor{}, models.Company{}, catalogError(err, "forms of company", company.ID)
	}
	if len(forms) == 0 {
		return models.FormDescriptor{}, company, models.NewJobError(models.ErrorKindValidation, "company %d has no detected forms", company.ID)
	}
	return forms[0], company, nil
}

func (w *Worker) submit(ctx context.Context, job *models.Job) (outcome, error) {
	var params models.SubmitParams
	if err := job.DecodePayload(&params); err != nil {
		return outcome{}, models.NewJobError(models.ErrorKindValidation, "%v", err)
	}
	form, company, err := w.resolveForm(ctx, params)
	if err != nil {
		return outcome{}, err
	}
	tpl, err := w.catalog.Template(ctx, params.TemplateID)
	if err != nil {
		return outcome{}, catalogError(err, "template", params.TemplateID)
	}
	if err := w.checkpoint(ctx, job.ID); err != nil {
		return outcome{}, err
	}

	decision, err := w.gateCheck(ctx, form.URL, w.level(params.ComplianceLevel))
	if err != nil {
		return outcome{result: decision}, err
	}
	for _, warning := range decision.Warnings {
		if _, werr := w.store.AddWarning(ctx, job.ID, warning); werr != nil {
			w.log.Warnw("failed to record warning", "job_id", job.ID, "error", werr)
		}
	}

	data := automation.TemplateData(tpl, company, params.TemplateData, w.now())
	values, err := automation.FillFields(form, data)
	if err != nil {
		return outcome{result: decision}, err
	}
	result := models.SubmitResult{
		FormID:     form.ID,
		CompanyID:  company.ID,
		Fields:     values,
		Compliance: &decision,
	}
	if err := w.checkpoint(ctx, job.ID); err != nil {
		return outcome{}, err
	}
	if params.DryRun {
		result.Preview = true
		result.Status = models.SubmissionPending
		return outcome{result: result}, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.opts.SubmitTimeout)
	defer cancel()
	res, err := w.engine.Submit(submitCtx, form, values, automation.SubmitOptions{TakeScreenshot: params.TakeScreenshot})
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		return outcome{result: result}, automationError(err, models.ErrorKindSubmissionTimeout, "submit form")
	}

	sub := &models.Submission{
		ID:            job.ID,
		JobID:         job.ID,
		CompanyID:     company.ID,
		FormID:        form.ID,
		TemplateID:    tpl.ID,
		URL:           form.URL,
		Fields:        values,
		Status:        res.Status,
		Response:      res.Response,
		Error:         res.Error,
		ScreenshotRef: res.ScreenshotRef,
		SubmittedAt:   w.now(),
	}
	result.SubmissionID = sub.ID
	result.Status = res.Status
	result.Response = res.Response
	out := outcome{result: result, submission: sub}

	switch res.Status {
	case models.SubmissionSuccess, models.SubmissionPending:
		return out, nil
	case models.SubmissionCaptchaRequired:
		return out, models.NewJobError(models.ErrorKindCaptchaRequired, "form at %s requires a captcha", form.URL)
	default:
		msg := res.Error
		if msg == "" {
			msg = "target rejected the submission"
		}
		return out, models.NewJobError(models.ErrorKindSubmissionRejected, "%s", msg)
	}
}
