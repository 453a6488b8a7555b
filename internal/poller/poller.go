// Package poller waits for a task to settle by polling its status.
package poller

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"form-courier/internal/models"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 30
)

// Outcome tags how a poll ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeTimeout means the job is still outstanding; polling can resume
	// with the same job id.
	OutcomeTimeout Outcome = "timeout"
)

// Result is what Poll returns. Status is the last status observed, which is
// the zero value if every attempt failed.
type Result struct {
	Outcome  Outcome
	JobID    string
	Status   models.TaskStatus
	Attempts int
}

// StatusSource fetches the current status of a task.
type StatusSource interface {
	Status(ctx context.Context, id string) (models.TaskStatus, error)
}

// Clock is the subset of clock.Clock the poller waits on.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

// Options tunes a StatusPoller. Zero values use the defaults.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// OnStatus, when set, sees every successfully fetched status.
	OnStatus func(models.TaskStatus)
}

// StatusPoller polls one task at a time until it is terminal or the attempt
// budget runs out.
type StatusPoller struct {
	source StatusSource
	clock  Clock
	opts   Options
	log    *zap.SugaredLogger
}

// New returns a poller. A nil clock uses the wall clock.
func New(source StatusSource, clk Clock, opts Options, log *zap.SugaredLogger) *StatusPoller {
	if clk == nil {
		clk = clock.C
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StatusPoller{source: source, clock: clk, opts: opts, log: log}
}

// Poll waits one interval before every attempt. RETRY does not reset the
// budget and a failed fetch only costs its attempt. Cancelling ctx stops
// observation and returns ctx.Err(); it never revokes the job.
func (p *StatusPoller) Poll(ctx context.Context, jobID string) (Result, error) {
	res := Result{Outcome: OutcomeTimeout, JobID: jobID}
	for res.Attempts < p.opts.MaxAttempts {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-p.clock.After(p.opts.Interval):
		}
		res.Attempts++

		status, err := p.source.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.log.Warnw("status poll failed", "job_id", jobID, "attempt", res.Attempts, "error", err)
			continue
		}
		res.Status = status
		if p.opts.OnStatus != nil {
			p.opts.OnStatus(status)
		}
		if !status.Status.IsTerminal() {
			continue
		}
		if status.Status == models.StatusSuccess {
			res.Outcome = OutcomeSuccess
		} else {
			res.Outcome = OutcomeFailure
		}
		return res, nil
	}
	p.log.Infow("gave up polling, job still outstanding", "job_id", jobID, "attempts", res.Attempts, "status", res.Status.Status)
	return res, nil
}
