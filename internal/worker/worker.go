// Package worker executes claimed jobs: it detects forms for a company or
// submits one templated inquiry, consulting the compliance gate before any
// contact and writing exactly one terminal state per job.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"form-courier/internal/automation"
	"form-courier/internal/compliance"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/internal/store"
)

// errRevoked is returned by a checkpoint that observed a revoke request.
var errRevoked = errors.New("revoke requested")

// Catalog resolves the companies, forms and templates a job refers to.
type Catalog interface {
	Company(ctx context.Context, id int64) (models.Company, error)
	Form(ctx context.Context, id int64) (models.FormDescriptor, error)
	FormsForCompany(ctx context.Context, companyID int64) ([]models.FormDescriptor, error)
	Template(ctx context.Context, id int64) (models.Template, error)
}

// Recorder persists detected forms and submission records to the ledger.
type Recorder interface {
	RecordForms(ctx context.Context, event models.FormsDetected) error
	RecordSubmission(ctx context.Context, sub models.Submission) error
}

// Options tunes a Worker. Zero durations fall back to defaults.
type Options struct {
	ID                 string
	DetectTimeout      time.Duration
	SubmitTimeout      time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RevokePollInterval time.Duration
	DefaultLevel       models.ComplianceLevel
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = "worker"
	}
	if o.DetectTimeout <= 0 {
		o.DetectTimeout = 60 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 90 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.RevokePollInterval <= 0 {
		o.RevokePollInterval = time.Second
	}
	if o.DefaultLevel == "" {
		o.DefaultLevel = models.ComplianceModerate
	}
	return o
}

// Worker runs detect and submit jobs.
type Worker struct {
	store    *store.JobStore
	catalog  Catalog
	engine   automation.Engine
	gate     compliance.Checker
	recorder Recorder
	opts     Options
	log      *zap.SugaredLogger
	now      func() time.Time
}

// New wires a worker.
func New(st *store.JobStore, catalog Catalog, engine automation.Engine, gate compliance.Checker, recorder Recorder, opts Options, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{
		store:    st,
		catalog:  catalog,
		engine:   engine,
		gate:     gate,
		recorder: recorder,
		opts:     opts.withDefaults(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ID is the worker name written on claimed jobs.
func (w *Worker) ID() string {
	return w.opts.ID
}

// Process claims a job and runs it to a terminal state. It returns (nil, nil)
// when the job was already claimed or revoked.
func (w *Worker) Process(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := w.store.Claim(ctx, jobID, w.opts.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "claim job %s", jobID)
	}
	if job == nil {
		w.log.Infow("job not claimable, skipping", "job_id", jobID)
		return nil, nil
	}
	if !job.Kind.IsSubmission() && job.Kind != models.JobKindDetectForms {
		return w.fail(ctx, job, models.NewJobError(models.ErrorKindValidation, "kind %s is not executed by workers", job.Kind), nil)
	}
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()
	return w.execute(automation.WithCredential(ctx, job.Credential), job)
}

// outcome is what one attempt produced before the terminal write.
type outcome struct {
	result     any
	submission *models.Submission
}

func (w *Worker) execute(ctx context.Context, job *models.Job) (*models.Job, error) {
	log := w.log.With("job_id", job.ID, "kind", job.Kind)
	log.Infow("job started", "attempt", job.Retries+1)

	var bo *backoff.ExponentialBackOff
	for {
		out, err := w.attempt(ctx, job)
		if err == nil {
			done, werr := w.store.Complete(ctx, job.ID, out.result)
			if werr != nil {
				return nil, werr
			}
			w.record(ctx, out.submission, log)
			log.Infow("job succeeded")
			return done, nil
		}

		if errors.Is(err, errRevoked) {
			log.Infow("job revoked during execution")
			return w.store.MarkRevoked(ctx, job.ID, models.NewJobError(models.ErrorKindCancelled, "revoked during execution"))
		}
		if ctx.Err() != nil {
			stopCtx := context.WithoutCancel(ctx)
			return w.fail(stopCtx, job, models.NewJobError(models.ErrorKindInternal, "worker stopped before the job finished"), nil)
		}

		jobErr, ok := models.AsJobError(err)
		if !ok {
			jobErr = models.NewJobError(models.ErrorKindInternal, "%v", err)
		}
		if !jobErr.Kind.Retryable() {
			done, ferr := w.fail(ctx, job, jobErr, out.result)
			if ferr == nil {
				w.record(ctx, out.submission, log)
			}
			return done, ferr
		}

		if _, rerr := w.store.Retry(ctx, job.ID, jobErr); rerr != nil {
			if errors.Is(rerr, store.ErrRetriesExhausted) {
				log.Warnw("retries exhausted", "error", jobErr.Message)
				return w.fail(ctx, job, jobErr, out.result)
			}
			return nil, rerr
		}
		if bo == nil {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = w.opts.RetryBaseDelay
			bo.MaxInterval = w.opts.RetryMaxDelay
			bo.MaxElapsedTime = 0
			bo.Reset()
		}
		delay := bo.NextBackOff()
		log.Warnw("job will retry", "error", jobErr.Message, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			// Jobs left in RETRY are never redelivered; settle them here.
			stopCtx := context.WithoutCancel(ctx)
			resumed, rerr := w.store.Resume(stopCtx, job.ID)
			if rerr != nil || resumed == nil {
				return resumed, rerr
			}
			return w.fail(stopCtx, resumed, models.NewJobError(models.ErrorKindInternal, "worker stopped before the job finished"), nil)
		case <-timer.C:
		}
		resumed, rerr := w.store.Resume(ctx, job.ID)
		if rerr != nil {
			return nil, rerr
		}
		if resumed == nil {
			log.Infow("job revoked while waiting to retry")
			return w.store.Get(ctx, job.ID)
		}
		job = resumed
	}
}

// attempt runs one execution of the job while watching for a terminating revoke.
func (w *Worker) attempt(ctx context.Context, job *models.Job) (outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var terminated atomic.Bool
	go w.watchRevoke(runCtx, job.ID, &terminated, cancel)

	var (
		out outcome
		err error
	)
	switch job.Kind {
	case models.JobKindDetectForms:
		out, err = w.detect(runCtx, job)
	default:
		out, err = w.submit(runCtx, job)
	}
	if err != nil && terminated.Load() {
		return outcome{}, errRevoked
	}
	return out, err
}

// watchRevoke cancels the running attempt once a terminating revoke lands.
func (w *Worker) watchRevoke(ctx context.Context, id string, terminated *atomic.Bool, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.opts.RevokePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := w.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if job.RevokeRequested && job.Terminate {
			terminated.Store(true)
			cancel()
			return
		}
	}
}

// checkpoint reports errRevoked when an operator asked for the job to stop.
func (w *Worker) checkpoint(ctx context.Context, id string) error {
	job, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.RevokeRequested {
		return errRevoked
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, job *models.Job, jobErr *models.JobError, result any) (*models.Job, error) {
	w.log.Warnw("job failed", "job_id", job.ID, "kind", job.Kind, "error_kind", jobErr.Kind, "error", jobErr.Message)
	return w.store.Fail(ctx, job.ID, jobErr, result)
}

// record writes the ledger entry of a job that has just reached a terminal state.
func (w *Worker) record(ctx context.Context, sub *models.Submission, log *zap.SugaredLogger) {
	if sub == nil || w.recorder == nil {
		return
	}
	if err := w.recorder.RecordSubmission(ctx, *sub); err != nil {
		log.Errorw("failed to record submission", "submission_id", sub.ID, "error", err)
	}
}

func (w *Worker) level(requested models.ComplianceLevel) models.ComplianceLevel {
	if requested == "" {
		return w.opts.DefaultLevel
	}
	return requested
}

// automationError maps an engine failure onto the job error taxonomy.
func automationError(err error, timeoutKind models.ErrorKind, op string) *models.JobError {
	switch {
	case errors.Is(err, automation.ErrTimeout),
		errors.Is(err, automation.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return models.NewJobError(timeoutKind, "%s: %v", op, err)
	case errors.Is(err, automation.ErrTransport):
		return models.NewJobError(models.ErrorKindNetwork, "%s: %v", op, err)
	default:
		return models.NewJobError(models.ErrorKindInternal, "%s: %v", op, err)
	}
}

// catalogError maps a catalog lookup failure onto the job error taxonomy.
func catalogError(err error, what string, id int64) *models.JobError {
	if isNotFound(err) {
		return models.NewJobError(models.ErrorKindValidation, "%s %d does not exist", what, id)
	}
	return models.NewJobError(models.ErrorKindInternal, "load %s %d: %v", what, id, err)
}
