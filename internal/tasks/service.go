// Package tasks is the operator-facing job API: it validates requests,
// creates and dispatches jobs, and serves the status, revoke and retry
// contract every poller talks to.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"form-courier/internal/graph"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/internal/scheduler"
	"form-courier/internal/store"
)

// Dispatcher hands a created job to the workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.Job) error
}

// Directory is the catalog lookups needed to validate requests.
type Directory interface {
	Company(ctx context.Context, id int64) (models.Company, error)
	Companies(ctx context.Context, ids []int64) (map[int64]models.Company, error)
	Form(ctx context.Context, id int64) (models.FormDescriptor, error)
	FormsForCompany(ctx context.Context, companyID int64) ([]models.FormDescriptor, error)
	Template(ctx context.Context, id int64) (models.Template, error)
}

// Options holds request defaults and limits.
type Options struct {
	MaxRetries      int
	DefaultLevel    models.ComplianceLevel
	DefaultInterval float64
	MinInterval     float64
	MaxBatchSize    int
}

// Service implements the task operations over a JobStore.
type Service struct {
	store      *store.JobStore
	directory  Directory
	dispatcher Dispatcher
	opts       Options
	log        *zap.SugaredLogger
}

// New returns a task service.
func New(st *store.JobStore, directory Directory, dispatcher Dispatcher, opts Options, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.DefaultLevel == "" {
		opts.DefaultLevel = models.ComplianceModerate
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	return &Service{store: st, directory: directory, dispatcher: dispatcher, opts: opts, log: log}
}

func validation(format string, args ...any) error {
	return models.NewJobError(models.ErrorKindValidation, format, args...)
}

func (s *Service) level(raw string) (models.ComplianceLevel, error) {
	level, ok := models.ParseComplianceLevel(raw, s.opts.DefaultLevel)
	if !ok {
		return "", validation("unknown compliance level %q", raw)
	}
	return level, nil
}

// lookup turns a catalog miss into a validation error.
func lookup(err error, what string, id int64) error {
	if errors.Is(err, graph.ErrNotFound) {
		return validation("%s %d does not exist", what, id)
	}
	return errors.Wrapf(err, "look up %s %d", what, id)
}

// dispatch publishes a stored job. A job that cannot be handed to the
// workers is revoked so it never sits PENDING with nobody to run it.
func (s *Service) dispatch(ctx context.Context, job *models.Job) error {
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		if _, rerr := s.store.RequestRevoke(ctx, job.ID, false); rerr != nil {
			s.log.Errorw("failed to revoke undispatched job", "job_id", job.ID, "error", rerr)
		}
		return errors.Wrapf(err, "dispatch job %s", job.ID)
	}
	s.log.Infow("job dispatched", "job_id", job.ID, "kind", job.Kind)
	return nil
}

// DetectRequest asks for the contact forms of one company.
type DetectRequest struct {
	CompanyID       int64  `json:"company_id"`
	ForceRefresh    bool   `json:"force_refresh"`
	ComplianceLevel string `json:"compliance_level,omitempty"`
	// Credential is taken from the request headers, never the body.
	Credential string `json:"-"`
}

// DetectResponse reports either the forms already known or the new task.
type DetectResponse struct {
	Status             string `json:"status"`
	TaskID             string `json:"task_id,omitempty"`
	ExistingFormsCount int    `json:"existing_forms_count,omitempty"`
}

const (
	DetectExisting   = "existing"
	DetectProcessing = "processing"
)

// CreateDetect starts form detection unless forms are already known and no
// refresh was asked for.
func (s *Service) CreateDetect(ctx context.Context, req DetectRequest) (DetectResponse, error) {
	if req.CompanyID <= 0 {
		return DetectResponse{}, validation("company_id is required")
	}
	level, err := s.level(req.ComplianceLevel)
	if err != nil {
		return DetectResponse{}, err
	}
	company, err := s.directory.Company(ctx, req.CompanyID)
	if err != nil {
		return DetectResponse{}, lookup(err, "company", req.CompanyID)
	}
	if !req.ForceRefresh {
		forms, err := s.directory.FormsForCompany(ctx, company.ID)
		if err != nil {
			return DetectResponse{}, lookup(err, "forms of company", company.ID)
		}
		if len(forms) > 0 {
			return DetectResponse{Status: DetectExisting, ExistingFormsCount: len(forms)}, nil
		}
	}

	job, err := models.NewJob(models.JobKindDetectForms,
		models.Target{CompanyID: company.ID, URL: company.URL},
		models.DetectParams{CompanyID: company.ID, ForceRefresh: req.ForceRefresh, ComplianceLevel: level},
		s.opts.MaxRetries)
	if err != nil {
		return DetectResponse{}, err
	}
	job.Credential = req.Credential
	if err := s.store.Create(ctx, job); err != nil {
		return DetectResponse{}, err
	}
	if err := s.dispatch(ctx, job); err != nil {
		return DetectResponse{}, err
	}
	return DetectResponse{Status: DetectProcessing, TaskID: job.ID}, nil
}

// SubmitRequest submits one template to one form.
type SubmitRequest struct {
	FormID          int64             `json:"form_id"`
	TemplateID      int64             `json:"template_id"`
	TemplateData    map[string]string `json:"template_data,omitempty"`
	DryRun          bool              `json:"dry_run,omitempty"`
	TakeScreenshot  bool              `json:"take_screenshot,omitempty"`
	ComplianceLevel string            `json:"compliance_level,omitempty"`
	Credential      string            `json:"-"`
}

// CreateSingle starts a single submission.
func (s *Service) CreateSingle(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.FormID <= 0 || req.TemplateID <= 0 {
		return nil, validation("form_id and template_id are required")
	}
	level, err := s.level(req.ComplianceLevel)
	if err != nil {
		return nil, err
	}
	form, err := s.directory.Form(ctx, req.FormID)
	if err != nil {
		return nil, lookup(err, "form", req.FormID)
	}
	if _, err := s.directory.Template(ctx, req.TemplateID); err != nil {
		return nil, lookup(err, "template", req.TemplateID)
	}

	job, err := models.NewJob(models.JobKindSubmitSingle,
		models.Target{CompanyID: form.CompanyID, FormID: form.ID, URL: form.URL},
		models.SubmitParams{
			FormID:          form.ID,
			TemplateID:      req.TemplateID,
			TemplateData:    req.TemplateData,
			DryRun:          req.DryRun,
			TakeScreenshot:  req.TakeScreenshot,
			ComplianceLevel: level,
		}, s.opts.MaxRetries)
	if err != nil {
		return nil, err
	}
	job.Credential = req.Credential
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// BatchRequest submits one template to many companies in order.
type BatchRequest struct {
	CompanyIDs      []int64  `json:"company_ids"`
	TemplateID      int64    `json:"template_id"`
	IntervalSeconds *float64 `json:"interval_seconds,omitempty"`
	ComplianceLevel string   `json:"compliance_level,omitempty"`
	TestMode        bool     `json:"test_mode,omitempty"`
	Credential      string   `json:"-"`
}

// CreateBatch validates the companies, stores the batch and dispatches its
// parent. Unknown company ids are reported on the batch and skipped.
func (s *Service) CreateBatch(ctx context.Context, req BatchRequest) (*models.Job, error) {
	if len(req.CompanyIDs) == 0 {
		return nil, validation("company_ids must not be empty")
	}
	if len(req.CompanyIDs) > s.opts.MaxBatchSize {
		return nil, validation("batch of %d exceeds the limit of %d companies", len(req.CompanyIDs), s.opts.MaxBatchSize)
	}
	if req.TemplateID <= 0 {
		return nil, validation("template_id is required")
	}
	interval := s.opts.DefaultInterval
	if req.IntervalSeconds != nil {
		interval = *req.IntervalSeconds
	}
	if interval < 0 {
		return nil, validation("interval_seconds must not be negative")
	}
	var warnings []string
	if interval < s.opts.MinInterval {
		warnings = append(warnings, fmt.Sprintf("%s: requested interval %gs raised to the minimum of %gs",
			models.WarningRateLimitAdjusted, interval, s.opts.MinInterval))
		interval = s.opts.MinInterval
	}
	level, err := s.level(req.ComplianceLevel)
	if err != nil {
		return nil, err
	}
	if _, err := s.directory.Template(ctx, req.TemplateID); err != nil {
		return nil, lookup(err, "template", req.TemplateID)
	}

	found, err := s.directory.Companies(ctx, req.CompanyIDs)
	if err != nil {
		return nil, errors.Wrap(err, "look up batch companies")
	}
	var (
		valid   []models.Company
		invalid []int64
		seen    = make(map[int64]bool, len(req.CompanyIDs))
	)
	for _, id := range req.CompanyIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		company, ok := found[id]
		if !ok {
			invalid = append(invalid, id)
			continue
		}
		valid = append(valid, company)
	}
	if len(valid) == 0 {
		return nil, validation("none of the %d company ids exist", len(req.CompanyIDs))
	}

	parent, _, err := scheduler.Create(ctx, s.store, valid, models.BatchParams{
		InvalidCompanyIDs: invalid,
		TemplateID:        req.TemplateID,
		IntervalSeconds:   interval,
		ComplianceLevel:   level,
		DryRun:            req.TestMode,
	}, s.opts.MaxRetries, "", req.Credential)
	if err != nil {
		return nil, err
	}
	if len(invalid) > 0 {
		s.log.Warnw("batch skipped unknown companies", "batch_id", parent.ID, "invalid_company_ids", invalid)
	}
	for _, w := range warnings {
		warned, err := s.store.AddWarning(ctx, parent.ID, w)
		if err != nil {
			if _, rerr := s.store.RequestRevoke(ctx, parent.ID, false); rerr != nil {
				s.log.Errorw("failed to revoke batch", "batch_id", parent.ID, "error", rerr)
			}
			s.revokeMembers(ctx, parent.ID, false)
			return nil, err
		}
		parent = warned
		metrics.RateLimitAdjustments.Inc()
	}
	if err := s.dispatch(ctx, parent); err != nil {
		s.revokeMembers(ctx, parent.ID, false)
		return nil, err
	}
	return parent, nil
}

// Status returns the polling view of a job. A batch reports its member
// breakdown as the result; its status only turns terminal once the parent
// itself has been settled.
func (s *Service) Status(ctx context.Context, id string) (models.TaskStatus, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return models.TaskStatus{}, err
	}
	return s.view(ctx, job)
}

func (s *Service) view(ctx context.Context, job *models.Job) (models.TaskStatus, error) {
	ts := models.NewTaskStatus(job)
	if job.Kind != models.JobKindSubmitBatch {
		return ts, nil
	}
	result, err := s.summarize(ctx, job)
	if err != nil {
		return models.TaskStatus{}, err
	}
	ts.Status = result.Status
	raw, err := json.Marshal(result)
	if err != nil {
		return models.TaskStatus{}, errors.Wrap(err, "marshal batch result")
	}
	ts.Result = raw
	return ts, nil
}

func (s *Service) summarize(ctx context.Context, parent *models.Job) (models.BatchResult, error) {
	members, err := s.store.Members(ctx, parent.ID)
	if err != nil {
		return models.BatchResult{}, err
	}
	result, err := scheduler.Summarize(parent, members)
	if err != nil {
		return models.BatchResult{}, err
	}
	switch {
	case parent.Status.IsTerminal():
		result.Status = parent.ReportedStatus()
	case result.Status.IsTerminal():
		// Every member settled but the scheduler has not written the parent yet.
		result.Status = models.StatusStarted
	}
	return result, nil
}

// List returns recent jobs matching filter, newest first.
func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]models.TaskStatus, error) {
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]models.TaskStatus, 0, len(jobs))
	for _, job := range jobs {
		ts, err := s.view(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// Counts is the number of recent jobs per status.
type Counts struct {
	Total    int                      `json:"total"`
	ByStatus map[models.JobStatus]int `json:"by_status"`
	ByKind   map[models.JobKind]int   `json:"by_kind"`
}

// Metrics counts recent jobs by status and kind.
func (s *Service) Metrics(ctx context.Context, limit int) (Counts, error) {
	jobs, err := s.store.List(ctx, store.ListFilter{Limit: limit})
	if err != nil {
		return Counts{}, err
	}
	counts := Counts{ByStatus: map[models.JobStatus]int{}, ByKind: map[models.JobKind]int{}}
	for _, job := range jobs {
		counts.Total++
		counts.ByStatus[job.ReportedStatus()]++
		counts.ByKind[job.Kind]++
	}
	return counts, nil
}

// Members returns the per-member breakdown of a batch.
func (s *Service) Members(ctx context.Context, batchID string) (models.BatchResult, error) {
	parent, err := s.store.Get(ctx, batchID)
	if err != nil {
		return models.BatchResult{}, err
	}
	if parent.Kind != models.JobKindSubmitBatch {
		return models.BatchResult{}, validation("job %s is not a batch", batchID)
	}
	return s.summarize(ctx, parent)
}

// Revoke cancels a job. PENDING and RETRY jobs are revoked at once; a STARTED
// job is flagged and revoked by its worker. Revoking a batch cascades to
// every member that has not settled.
func (s *Service) Revoke(ctx context.Context, id string, terminate bool) (*models.Job, error) {
	job, err := s.store.RequestRevoke(ctx, id, terminate)
	if err != nil {
		return nil, err
	}
	s.log.Infow("revoke requested", "job_id", id, "kind", job.Kind, "status", job.Status, "terminate", terminate)
	if job.Kind == models.JobKindSubmitBatch {
		s.revokeMembers(ctx, id, terminate)
	}
	return job, nil
}

func (s *Service) revokeMembers(ctx context.Context, batchID string, terminate bool) {
	members, err := s.store.Members(ctx, batchID)
	if err != nil {
		s.log.Errorw("failed to load members for revoke", "batch_id", batchID, "error", err)
		return
	}
	for _, m := range members {
		if m.Status.IsTerminal() {
			continue
		}
		if _, err := s.store.RequestRevoke(ctx, m.ID, terminate); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
			s.log.Errorw("failed to revoke member", "batch_id", batchID, "job_id", m.ID, "error", err)
		}
	}
}

// Retry re-runs a failed or revoked job as a new job that points back at it.
// The original job is left untouched. A retried batch member runs on its own,
// outside any batch.
func (s *Service) Retry(ctx context.Context, id string) (*models.Job, error) {
	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.StatusFailure && prev.Status != models.StatusRevoked {
		return nil, validation("job %s is %s; only failed or revoked jobs can be retried", id, prev.ReportedStatus())
	}
	if prev.Kind == models.JobKindSubmitBatch {
		return s.retryBatch(ctx, prev)
	}

	job, err := models.NewJob(prev.Kind, prev.Target, nil, prev.MaxRetries)
	if err != nil {
		return nil, err
	}
	job.Payload = append(json.RawMessage(nil), prev.Payload...)
	job.RetryOf = prev.ID
	job.Credential = prev.Credential
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	s.log.Infow("job retried", "job_id", job.ID, "retry_of", prev.ID, "kind", job.Kind)
	return job, nil
}

func (s *Service) retryBatch(ctx context.Context, prev *models.Job) (*models.Job, error) {
	var params models.BatchParams
	if err := prev.DecodePayload(&params); err != nil {
		return nil, err
	}
	found, err := s.directory.Companies(ctx, params.CompanyIDs)
	if err != nil {
		return nil, errors.Wrap(err, "look up batch companies")
	}
	companies := make([]models.Company, 0, len(params.CompanyIDs))
	for _, id := range params.CompanyIDs {
		if c, ok := found[id]; ok {
			companies = append(companies, c)
		}
	}

	maxRetries := s.opts.MaxRetries
	if members, err := s.store.Members(ctx, prev.ID); err == nil && len(members) > 0 {
		maxRetries = members[0].MaxRetries
	}
	parent, _, err := scheduler.Create(ctx, s.store, companies, models.BatchParams{
		InvalidCompanyIDs: params.InvalidCompanyIDs,
		TemplateID:        params.TemplateID,
		IntervalSeconds:   params.IntervalSeconds,
		ComplianceLevel:   params.ComplianceLevel,
		DryRun:            params.DryRun,
	}, maxRetries, prev.ID, prev.Credential)
	if err != nil {
		return nil, err
	}
	s.log.Infow("batch retried", "batch_id", parent.ID, "retry_of", prev.ID, "members", len(companies))
	if err := s.dispatch(ctx, parent); err != nil {
		s.revokeMembers(ctx, parent.ID, false)
		return nil, err
	}
	return parent, nil
}
