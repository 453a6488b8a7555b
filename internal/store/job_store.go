package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"form-courier/internal/metrics"
	"form-courier/internal/models"
)

var (
	// ErrNotFound is returned when no job exists under the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrStaleTransition marks a write that is not an edge of the state machine.
	ErrStaleTransition = errors.New("stale transition")
	// ErrAlreadyTerminal is returned when revoking a job that has already finished.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrConflict is returned when an id is reused or concurrent writers never settle.
	ErrConflict = errors.New("job write conflict")
	// ErrInvalidJob rejects malformed jobs at creation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrRetriesExhausted is returned by Retry when MaxRetries has been reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// errNotClaimable aborts a claim without surfacing an error to the caller.
var errNotClaimable = errors.New("job not claimable")

const maxSwapAttempts = 16

// Backend persists job snapshots. Swap must only replace a job whose stored
// Version equals prevVersion; that comparison is what makes every JobStore
// write linearizable per job.
type Backend interface {
	Insert(ctx context.Context, job *models.Job) error
	Load(ctx context.Context, id string) (*models.Job, error)
	Swap(ctx context.Context, job *models.Job, prevVersion int64) (bool, error)
	Members(ctx context.Context, parentID string) ([]string, error)
	Recent(ctx context.Context, limit int) ([]string, error)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status models.JobStatus
	Kind   models.JobKind
	Limit  int
}

// JobStore owns the job lifecycle. All transitions go through optimistic
// compare-and-swap on Job.Version.
type JobStore struct {
	backend Backend
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewJobStore wraps a backend with the job state machine.
func NewJobStore(backend Backend, log *zap.SugaredLogger) *JobStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &JobStore{
		backend: backend,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new PENDING job.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return errors.Wrap(ErrInvalidJob, "job id is required")
	}
	if !job.Kind.Valid() {
		return errors.Wrapf(ErrInvalidJob, "unknown kind %q", job.Kind)
	}
	if job.Status != models.StatusPending {
		return errors.Wrapf(ErrInvalidJob, "new job must be PENDING, got %s", job.Status)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1
	if err := s.backend.Insert(ctx, job); err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	metrics.JobsCreated.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// Get returns the current snapshot of a job.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.backend.Load(ctx, id)
}

// Claim atomically moves a PENDING job to STARTED. It returns (nil, nil) when
// the job was already claimed or revoked, so exactly one caller wins.
func (s *JobStore) Claim(ctx context.Context, id, workerID string) (*models.Job, error) {
	job, err := s.update(ctx, id, func(j *models.Job) error {
		if j.Status != models.StatusPending {
			return errNotClaimable
		}
		if err := s.transition(j, models.StatusStarted); err != nil {
			return err
		}
		now := s.now()
		j.StartedAt = &now
		j.WorkerID = workerID
		return nil
	})
	if errors.Is(err, errNotClaimable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.JobsClaimed.WithLabelValues(string(job.Kind)).Inc()
	return job, nil
}

// Resume moves a RETRY job back to STARTED. It returns (nil, nil) when the job
// was revoked while waiting.
func (s *JobStore) Resume(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.update(ctx, id, func(j *models.Job) error {
		if j.Status == models.StatusRevoked {
			return errNotClaimable
		}
		if j.Status != models.StatusRetry {
			return s.stale(j, models.StatusStarted)
		}
		return s.transition(j, models.StatusStarted)
	})
	if errors.Is(err, errNotClaimable) {
		return nil, nil
	}
	return job, err
}

// Complete records the result of a STARTED job.
func (s *JobStore) Complete(ctx context.Context, id string, result any) (*models.Job, error) {
	raw, err := marshalResult(result)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, id, models.StatusSuccess, func(j *models.Job) {
		j.Result = raw
		j.Error = nil
	})
}

// Fail records a terminal error on a STARTED job. result may carry a partial
// result (a batch breakdown, a compliance decision) and may be nil.
func (s *JobStore) Fail(ctx context.Context, id string, jobErr *models.JobError, result any) (*models.Job, error) {
	raw, err := marshalResult(result)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, id, models.StatusFailure, func(j *models.Job) {
		j.Error = jobErr
		if raw != nil {
			j.Result = raw
		}
	})
}

// MarkRevoked is written by the worker once it honours a revoke request.
func (s *JobStore) MarkRevoked(ctx context.Context, id string, jobErr *models.JobError) (*models.Job, error) {
	if jobErr == nil {
		jobErr = models.NewJobError(models.ErrorKindCancelled, "revoked by operator")
	}
	return s.finish(ctx, id, models.StatusRevoked, func(j *models.Job) {
		j.Error = jobErr
	})
}

// Retry moves a STARTED job to RETRY and consumes one retry.
func (s *JobStore) Retry(ctx context.Context, id string, jobErr *models.JobError) (*models.Job, error) {
	return s.update(ctx, id, func(j *models.Job) error {
		if !models.CanTransition(j.Status, models.StatusRetry) {
			return s.stale(j, models.StatusRetry)
		}
		if j.Retries >= j.MaxRetries {
			return errors.Wrapf(ErrRetriesExhausted, "job %s used %d/%d retries", j.ID, j.Retries, j.MaxRetries)
		}
		j.Status = models.StatusRetry
		j.Retries++
		j.Error = jobErr
		metrics.JobRetries.WithLabelValues(string(j.Kind)).Inc()
		return nil
	})
}

// RequestRevoke cancels PENDING and RETRY jobs immediately. For a STARTED job
// it only raises the cooperative flag; the executing worker writes REVOKED.
func (s *JobStore) RequestRevoke(ctx context.Context, id string, terminate bool) (*models.Job, error) {
	return s.update(ctx, id, func(j *models.Job) error {
		switch j.Status {
		case models.StatusPending, models.StatusRetry:
			if err := s.transition(j, models.StatusRevoked); err != nil {
				return err
			}
			now := s.now()
			j.CompletedAt = &now
			j.Error = models.NewJobError(models.ErrorKindCancelled, "revoked before execution")
			metrics.JobsTerminal.WithLabelValues(string(j.Kind), string(j.Status)).Inc()
		case models.StatusStarted:
			j.RevokeRequested = true
			j.Terminate = j.Terminate || terminate
		default:
			return errors.Wrapf(ErrAlreadyTerminal, "job %s is %s", j.ID, j.Status)
		}
		return nil
	})
}

// AddWarning appends a warning to a non-terminal job. Duplicates are dropped.
func (s *JobStore) AddWarning(ctx context.Context, id, warning string) (*models.Job, error) {
	return s.update(ctx, id, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return s.stale(j, j.Status)
		}
		for _, w := range j.Warnings {
			if w == warning {
				return nil
			}
		}
		j.Warnings = append(j.Warnings, warning)
		return nil
	})
}

// SetProgress replaces the progress counters of a non-terminal job.
func (s *JobStore) SetProgress(ctx context.Context, id string, progress models.Progress) (*models.Job, error) {
	return s.update(ctx, id, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return s.stale(j, j.Status)
		}
		p := progress
		j.Progress = &p
		return nil
	})
}

// Members returns the member jobs of a batch in creation order.
func (s *JobStore) Members(ctx context.Context, parentID string) ([]*models.Job, error) {
	ids, err := s.backend.Members(ctx, parentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list members of %s", parentID)
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.backend.Load(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load member %s of %s", id, parentID)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// List returns recent jobs, newest first. Expired ids are skipped.
func (s *JobStore) List(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	// Over-fetch so filtering still fills the page in the common case.
	ids, err := s.backend.Recent(ctx, limit*4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent jobs")
	}
	jobs := make([]*models.Job, 0, limit)
	for _, id := range ids {
		job, err := s.backend.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && job.ReportedStatus() != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

// finish applies a transition into a terminal state.
func (s *JobStore) finish(ctx context.Context, id string, to models.JobStatus, apply func(j *models.Job)) (*models.Job, error) {
	job, err := s.update(ctx, id, func(j *models.Job) error {
		if err := s.transition(j, to); err != nil {
			return err
		}
		now := s.now()
		apply(j)
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsTerminal.WithLabelValues(string(job.Kind), string(to)).Inc()
	return job, nil
}

// update runs mutate against the latest snapshot until the swap lands.
// A mutate error aborts without writing.
func (s *JobStore) update(ctx context.Context, id string, mutate func(j *models.Job) error) (*models.Job, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		current, err := s.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		ok, err := s.backend.Swap(ctx, next, current.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write job %s", id)
		}
		if ok {
			return next, nil
		}
	}
	return nil, errors.Wrapf(ErrConflict, "job %s: gave up after %d attempts", id, maxSwapAttempts)
}

// transition moves j to the given status, rejecting anything that is not an
// edge of the state machine.
func (s *JobStore) transition(j *models.Job, to models.JobStatus) error {
	if !models.CanTransition(j.Status, to) {
		return s.stale(j, to)
	}
	j.Status = to
	return nil
}

func (s *JobStore) stale(j *models.Job, to models.JobStatus) error {
	metrics.StaleTransitions.Inc()
	s.log.Errorw("rejected stale transition", "job_id", j.ID, "kind", j.Kind, "from", j.Status, "to", to)
	return errors.WithDetailf(
		errors.Wrapf(ErrStaleTransition, "job %s: %s -> %s", j.ID, j.Status, to),
		"version %d", j.Version,
	)
}

func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job result")
	}
	return data, nil
}

// IsStale reports whether err is a rejected transition.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleTransition)
}
