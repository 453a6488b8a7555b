// Package scheduler sequences the members of a batch submission. Members run
// strictly one after another; before each contact the scheduler consults the
// compliance gate and waits out the larger of the batch interval and the
// delay demanded by the sites on either side of the gap.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"form-courier/internal/compliance"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/internal/store"
)

// Clock is the subset of clock.Clock the scheduler waits on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Runner executes one member job to a terminal state.
type Runner interface {
	Process(ctx context.Context, jobID string) (*models.Job, error)
}

// Options tunes a BatchScheduler.
type Options struct {
	ID string
	// DryRunConsumesDelay makes dry-run members count as contacts when
	// spacing the next member.
	DryRunConsumesDelay bool
}

// BatchScheduler runs submit_batch parent jobs.
type BatchScheduler struct {
	store  *store.JobStore
	gate   compliance.Checker
	runner Runner
	clock  Clock
	opts   Options
	log    *zap.SugaredLogger
}

// New returns a scheduler. A nil clock uses the wall clock.
func New(st *store.JobStore, gate compliance.Checker, runner Runner, clk Clock, opts Options, log *zap.SugaredLogger) *BatchScheduler {
	if clk == nil {
		clk = clock.C
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.ID == "" {
		opts.ID = "scheduler"
	}
	return &BatchScheduler{store: st, gate: gate, runner: runner, clock: clk, opts: opts, log: log}
}

// contact remembers when the previous member was contacted and the spacing
// its site asked for.
type contact struct {
	began time.Time
	delay float64
}

// Run claims the batch parent and sequences its members. It returns
// (nil, nil) when the parent was already claimed or revoked. If ctx ends
// mid-batch the members not yet attempted are revoked and the parent is
// settled, since its message has already been committed.
func (s *BatchScheduler) Run(ctx context.Context, batchID string) (*models.Job, error) {
	parent, err := s.store.Claim(ctx, batchID, s.opts.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "claim batch %s", batchID)
	}
	if parent == nil {
		return nil, nil
	}
	metrics.BatchesInFlight.Inc()
	defer metrics.BatchesInFlight.Dec()

	log := s.log.With("batch_id", batchID)
	var params models.BatchParams
	if err := parent.DecodePayload(&params); err != nil {
		return s.store.Fail(ctx, batchID, models.NewJobError(models.ErrorKindValidation, "%v", err), nil)
	}
	log.Infow("batch started", "members", len(params.Members), "interval_seconds", params.IntervalSeconds, "compliance_level", params.ComplianceLevel)

	done, err := s.sequence(ctx, batchID, params, log)
	if err != nil && ctx.Err() != nil {
		return s.interrupted(context.WithoutCancel(ctx), batchID, log)
	}
	return done, err
}

func (s *BatchScheduler) sequence(ctx context.Context, batchID string, params models.BatchParams, log *zap.SugaredLogger) (*models.Job, error) {
	progress := models.Progress{Total: len(params.Members)}
	var prev *contact
	for i, memberID := range params.Members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mlog := log.With("member_index", i, "job_id", memberID)
		if revoked, err := s.revokeRequested(ctx, batchID); err != nil {
			return nil, err
		} else if revoked {
			return s.revoke(ctx, batchID, params.Members[i:], i, log)
		}

		member, err := s.store.Get(ctx, memberID)
		if err != nil {
			return nil, errors.Wrapf(err, "load member %s", memberID)
		}
		if member.Status != models.StatusPending {
			mlog.Infow("member already settled, skipping", "status", member.Status)
			s.advance(ctx, batchID, &progress, member)
			continue
		}

		decision, err := s.gate.Evaluate(ctx, member.Target.URL, params.ComplianceLevel)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil || !decision.Allowed {
			jobErr, result := blockError(decision, err)
			mlog.Warnw("member blocked", "error_kind", jobErr.Kind, "error", jobErr.Message)
			settled := s.failUnstarted(ctx, memberID, jobErr, result)
			s.advance(ctx, batchID, &progress, settled)
			continue
		}

		if decision.DelaySeconds > params.IntervalSeconds {
			warning := fmt.Sprintf("%s: interval %gs raised to %gs for company %d",
				models.WarningRateLimitAdjusted, params.IntervalSeconds, decision.DelaySeconds, member.Target.CompanyID)
			if _, err := s.store.AddWarning(ctx, batchID, warning); err != nil {
				mlog.Errorw("failed to record warning", "error", err)
			}
			metrics.RateLimitAdjustments.Inc()
		}

		if prev != nil {
			need := math.Max(params.IntervalSeconds, math.Max(prev.delay, decision.DelaySeconds))
			wait := seconds(need) - s.clock.Now().Sub(prev.began)
			if wait > 0 {
				mlog.Infow("waiting before next contact", "wait", wait)
				metrics.BatchWaitSeconds.Observe(wait.Seconds())
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-s.clock.After(wait):
				}
				if revoked, err := s.revokeRequested(ctx, batchID); err != nil {
					return nil, err
				} else if revoked {
					return s.revoke(ctx, batchID, params.Members[i:], i, log)
				}
			}
		}

		began := s.clock.Now()
		done, err := s.runner.Process(ctx, memberID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			mlog.Errorw("member run failed", "error", err)
		}
		if done == nil {
			if done, err = s.store.Get(ctx, memberID); err != nil {
				return nil, err
			}
		}
		if !params.DryRun || s.opts.DryRunConsumesDelay {
			prev = &contact{began: began, delay: decision.DelaySeconds}
		}
		mlog.Infow("member finished", "status", done.Status)
		s.advance(ctx, batchID, &progress, done)
	}
	return s.finish(ctx, batchID, false, log)
}

// failUnstarted settles a member that must not be contacted. The member is
// claimed first so the write is a STARTED -> FAILURE edge.
func (s *BatchScheduler) failUnstarted(ctx context.Context, memberID string, jobErr *models.JobError, result any) *models.Job {
	claimed, err := s.store.Claim(ctx, memberID, s.opts.ID)
	if err != nil || claimed == nil {
		job, _ := s.store.Get(ctx, memberID)
		return job
	}
	failed, err := s.store.Fail(ctx, memberID, jobErr, result)
	if err != nil {
		s.log.Errorw("failed to settle blocked member", "job_id", memberID, "error", err)
		job, _ := s.store.Get(ctx, memberID)
		return job
	}
	return failed
}

func (s *BatchScheduler) advance(ctx context.Context, batchID string, progress *models.Progress, member *models.Job) {
	progress.Current++
	if member != nil {
		switch {
		case member.Status == models.StatusSuccess:
			progress.Successful++
		case member.Error != nil && member.Error.Kind == models.ErrorKindCaptchaRequired:
			progress.Captcha++
			progress.Failed++
		case member.Status.IsTerminal():
			progress.Failed++
		}
	}
	if _, err := s.store.SetProgress(ctx, batchID, *progress); err != nil {
		s.log.Warnw("failed to update batch progress", "batch_id", batchID, "error", err)
	}
}

func (s *BatchScheduler) revokeRequested(ctx context.Context, batchID string) (bool, error) {
	parent, err := s.store.Get(ctx, batchID)
	if err != nil {
		return false, errors.Wrapf(err, "load batch %s", batchID)
	}
	return parent.RevokeRequested, nil
}

// revoke cancels every member not yet attempted and marks the parent revoked.
func (s *BatchScheduler) revoke(ctx context.Context, batchID string, remaining []string, attempted int, log *zap.SugaredLogger) (*models.Job, error) {
	for _, id := range remaining {
		if _, err := s.store.RequestRevoke(ctx, id, false); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
			log.Errorw("failed to revoke member", "job_id", id, "error", err)
		}
	}
	log.Infow("batch revoked", "attempted", attempted, "remaining", len(remaining))
	return s.store.MarkRevoked(ctx, batchID, models.NewJobError(models.ErrorKindCancelled,
		"batch revoked after %d of %d members", attempted, attempted+len(remaining)))
}

// interrupted settles a batch whose worker is stopping: members that were
// never attempted are revoked and the parent is written from what ran.
func (s *BatchScheduler) interrupted(ctx context.Context, batchID string, log *zap.SugaredLogger) (*models.Job, error) {
	members, err := s.store.Members(ctx, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "load members of interrupted batch %s", batchID)
	}
	pending := 0
	for _, m := range members {
		if m.Status.IsTerminal() {
			continue
		}
		if _, err := s.store.RequestRevoke(ctx, m.ID, false); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
			log.Errorw("failed to revoke member", "job_id", m.ID, "error", err)
			continue
		}
		pending++
	}
	log.Warnw("worker stopped mid-batch", "unsettled_members", pending)
	return s.finish(ctx, batchID, true, log)
}

// finish writes the parent's terminal state from its members' outcomes. A
// mixed outcome is stored as FAILURE with a BATCH_PARTIAL_FAILURE error.
func (s *BatchScheduler) finish(ctx context.Context, batchID string, stopped bool, log *zap.SugaredLogger) (*models.Job, error) {
	parent, err := s.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.Members(ctx, batchID)
	if err != nil {
		return nil, err
	}
	result, err := Summarize(parent, members)
	if err != nil {
		return nil, err
	}
	log.Infow("batch finished", "status", result.Status, "successful", result.Successful, "failed", result.Failed)

	var jobErr *models.JobError
	switch result.Status {
	case models.StatusSuccess:
		return s.store.Complete(ctx, batchID, result)
	case models.StatusPartialFailure:
		jobErr = models.NewJobError(models.ErrorKindBatchPartialFailure,
			"%d of %d members did not succeed", result.Total-result.Successful, result.Total)
	case models.StatusFailure:
		jobErr = batchError(members)
	default:
		// A member the scheduler no longer owns is still running.
		jobErr = models.NewJobError(models.ErrorKindInternal, "batch ended with members unsettled")
	}
	if stopped {
		if jobErr.Kind != models.ErrorKindBatchPartialFailure {
			jobErr.Kind = models.ErrorKindInternal
		}
		jobErr.Message = "worker stopped before the batch finished: " + jobErr.Message
	}
	return s.store.Fail(ctx, batchID, jobErr, result)
}

// blockError describes why a member may not be contacted.
func blockError(decision models.ComplianceDecision, err error) (*models.JobError, any) {
	if err != nil {
		if jobErr, ok := models.AsJobError(err); ok {
			return jobErr, nil
		}
		return models.NewJobError(models.ErrorKindInternal, "compliance check: %v", err), nil
	}
	msg := "blocked by site policy"
	if len(decision.Errors) > 0 {
		msg = decision.Errors[0]
	}
	return models.NewJobError(models.ErrorKindComplianceBlocked, "%s", msg), decision
}

// batchError is the parent error when no member succeeded: the first
// member's error kind, with a count.
func batchError(members []*models.Job) *models.JobError {
	kind := models.ErrorKindInternal
	for _, m := range members {
		if m.Error != nil {
			kind = m.Error.Kind
			break
		}
	}
	return models.NewJobError(kind, "no member of %d succeeded", len(members))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
