package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-courier/internal/models"
	"form-courier/internal/scheduler"
	"form-courier/internal/store"
	"form-courier/mocks"
)

// stepClock advances instantly on every wait and records how long each was.
type stepClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type contactAt struct {
	id string
	at time.Time
}

// fakeRunner settles members through the store the way a worker would.
type fakeRunner struct {
	t        *testing.T
	st       *store.JobStore
	clock    *stepClock
	fail     map[string]*models.JobError
	onRun    func(id string)
	duration time.Duration
	contacts []contactAt
}

func (r *fakeRunner) Process(ctx context.Context, id string) (*models.Job, error) {
	job, err := r.st.Claim(ctx, id, "fake-worker")
	if err != nil || job == nil {
		return job, err
	}
	if job.ParentID != "" {
		siblings, err := r.st.Members(ctx, job.ParentID)
		require.NoError(r.t, err)
		for _, s := range siblings {
			if s.ID == id {
				break
			}
			assert.True(r.t, s.Status.IsTerminal(), "member %s ran before %s settled", id, s.ID)
		}
	}
	r.contacts = append(r.contacts, contactAt{id: id, at: r.clock.Now()})
	if r.onRun != nil {
		r.onRun(id)
	}
	r.clock.advance(r.duration)
	if jobErr := r.fail[id]; jobErr != nil {
		return r.st.Fail(ctx, id, jobErr, nil)
	}
	return r.st.Complete(ctx, id, models.SubmitResult{Status: models.SubmissionSuccess})
}

type fixture struct {
	st     *store.JobStore
	clock  *stepClock
	runner *fakeRunner
	gate   *mocks.MockChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	st := store.NewJobStore(store.NewMemoryBackend(), nil)
	clk := newStepClock()
	return &fixture{
		st:     st,
		clock:  clk,
		runner: &fakeRunner{t: t, st: st, clock: clk, fail: map[string]*models.JobError{}},
		gate:   mocks.NewMockChecker(ctrl),
	}
}

func (f *fixture) scheduler(opts scheduler.Options) *scheduler.BatchScheduler {
	return scheduler.New(f.st, f.gate, f.runner, f.clock, opts, nil)
}

func (f *fixture) allowAll(delay float64) {
	f.gate.EXPECT().Evaluate(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.ComplianceDecision{Allowed: true, DelaySeconds: delay}, nil).AnyTimes()
}

func companies(n int) []models.Company {
	urls := []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"}
	out := make([]models.Company, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Company{ID: int64(i + 1), Name: urls[i], URL: urls[i]})
	}
	return out
}

func createBatch(t *testing.T, st *store.JobStore, n int, params models.BatchParams) (*models.Job, []*models.Job) {
	t.Helper()
	if params.ComplianceLevel == "" {
		params.ComplianceLevel = models.CompliancePermissive
	}
	parent, members, err := scheduler.Create(context.Background(), st, companies(n), params, 0, "", "")
	require.NoError(t, err)
	return parent, members
}

func summary(t *testing.T, st *store.JobStore, batchID string) models.BatchResult {
	t.Helper()
	parent, err := st.Get(context.Background(), batchID)
	require.NoError(t, err)
	members, err := st.Members(context.Background(), batchID)
	require.NoError(t, err)
	result, err := scheduler.Summarize(parent, members)
	require.NoError(t, err)
	return result
}

func TestCreatePreservesOrder(t *testing.T) {
	st := store.NewJobStore(store.NewMemoryBackend(), nil)
	parent, members := createBatch(t, st, 3, models.BatchParams{TemplateID: 4, IntervalSeconds: 5})

	var params models.BatchParams
	require.NoError(t, parent.DecodePayload(&params))
	require.Len(t, params.Members, 3)
	assert.Equal(t, []int64{1, 2, 3}, params.CompanyIDs)
	for i, m := range members {
		assert.Equal(t, params.Members[i], m.ID)
		assert.Equal(t, parent.ID, m.ParentID)
		assert.Equal(t, models.JobKindSubmitBatchMember, m.Kind)
	}
}

func TestCreateRejectsEmptyBatch(t *testing.T) {
	st := store.NewJobStore(store.NewMemoryBackend(), nil)
	_, _, err := scheduler.Create(context.Background(), st, nil, models.BatchParams{}, 0, "", "")
	jobErr, ok := models.AsJobError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorKindValidation, jobErr.Kind)
}

func TestBatchWaitsIntervalBetweenMembers(t *testing.T) {
	f := newFixture(t)
	f.allowAll(1)
	parent, _ := createBatch(t, f.st, 3, models.BatchParams{IntervalSeconds: 5})

	done, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, done.Status)

	require.Len(t, f.runner.contacts, 3)
	elapsed := f.runner.contacts[2].at.Sub(f.runner.contacts[0].at)
	assert.GreaterOrEqual(t, elapsed, 10*time.Second)
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, f.runner.contacts[i].at.Sub(f.runner.contacts[i-1].at), 5*time.Second)
	}

	result := summary(t, f.st, parent.ID)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, float64(100), result.SuccessRate)
	assert.Equal(t, 3, done.Progress.Current)
}

func TestWaitCountsFromPreviousContactStart(t *testing.T) {
	f := newFixture(t)
	f.allowAll(1)
	f.runner.duration = 3 * time.Second
	parent, _ := createBatch(t, f.st, 2, models.BatchParams{IntervalSeconds: 5})

	_, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, f.clock.waits, 1)
	assert.Equal(t, 2*time.Second, f.clock.waits[0])
	assert.Equal(t, 5*time.Second, f.runner.contacts[1].at.Sub(f.runner.contacts[0].at))
}

func TestBlockedMemberIsNotContacted(t *testing.T) {
	f := newFixture(t)
	f.gate.EXPECT().Evaluate(gomock.Any(), "https://a.example", gomock.Any()).
		Return(models.ComplianceDecision{Allowed: true, DelaySeconds: 1}, nil)
	f.gate.EXPECT().Evaluate(gomock.Any(), "https://b.example", gomock.Any()).
		Return(models.ComplianceDecision{Allowed: false, Errors: []string{"robots.txt disallows /"}}, nil)
	parent, members := createBatch(t, f.st, 2, models.BatchParams{IntervalSeconds: 1})

	_, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)

	require.Len(t, f.runner.contacts, 1)
	assert.Equal(t, members[0].ID, f.runner.contacts[0].id)

	blocked, err := f.st.Get(context.Background(), members[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, blocked.Status)
	assert.Equal(t, models.ErrorKindComplianceBlocked, blocked.Error.Kind)
	assert.Equal(t, "scheduler", blocked.WorkerID)

	stored, err := f.st.Get(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, stored.Status)
	assert.Equal(t, models.ErrorKindBatchPartialFailure, stored.Error.Kind)
	assert.Equal(t, models.StatusPartialFailure, stored.ReportedStatus())

	result := summary(t, f.st, parent.ID)
	assert.Equal(t, models.StatusPartialFailure, result.Status)
	assert.Equal(t, 1, result.Blocked)
	assert.Equal(t, models.ErrorKindComplianceBlocked, result.Members[1].Error.Kind)
}

func TestGateDelayOverridesShortInterval(t *testing.T) {
	f := newFixture(t)
	f.gate.EXPECT().Evaluate(gomock.Any(), "https://a.example", gomock.Any()).
		Return(models.ComplianceDecision{Allowed: true, DelaySeconds: 0}, nil)
	f.gate.EXPECT().Evaluate(gomock.Any(), "https://b.example", gomock.Any()).
		Return(models.ComplianceDecision{Allowed: true, DelaySeconds: 2}, nil)
	parent, _ := createBatch(t, f.st, 2, models.BatchParams{IntervalSeconds: 0.1})

	done, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)

	require.Len(t, f.runner.contacts, 2)
	assert.GreaterOrEqual(t, f.runner.contacts[1].at.Sub(f.runner.contacts[0].at), 2*time.Second)
	assert.True(t, done.HasWarning(models.WarningRateLimitAdjusted))
}

func TestRevokeStopsBeforeNextMember(t *testing.T) {
	f := newFixture(t)
	f.allowAll(1)
	parent, members := createBatch(t, f.st, 3, models.BatchParams{IntervalSeconds: 1})
	f.runner.onRun = func(string) {
		_, err := f.st.RequestRevoke(context.Background(), parent.ID, false)
		require.NoError(t, err)
	}

	done, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, done.Status)

	require.Len(t, f.runner.contacts, 1)
	for i, m := range members {
		job, err := f.st.Get(context.Background(), m.ID)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, models.StatusSuccess, job.Status)
			continue
		}
		assert.Equal(t, models.StatusRevoked, job.Status)
		assert.Equal(t, models.ErrorKindCancelled, job.Error.Kind)
	}
}

func TestAllMembersFailing(t *testing.T) {
	f := newFixture(t)
	f.allowAll(0)
	parent, members := createBatch(t, f.st, 2, models.BatchParams{IntervalSeconds: 0})
	f.runner.fail[members[0].ID] = models.NewJobError(models.ErrorKindCaptchaRequired, "captcha")
	f.runner.fail[members[1].ID] = models.NewJobError(models.ErrorKindSubmissionRejected, "rejected")

	done, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, done.Status)
	assert.Equal(t, models.ErrorKindCaptchaRequired, done.Error.Kind)
	assert.Equal(t, 1, done.Progress.Captcha)
	assert.Equal(t, 2, done.Progress.Failed)

	result := summary(t, f.st, parent.ID)
	assert.Equal(t, models.StatusFailure, result.Status)
	assert.Equal(t, 1, result.CaptchaRequired)
}

func TestDryRunDoesNotConsumeDelay(t *testing.T) {
	f := newFixture(t)
	f.allowAll(1)
	parent, _ := createBatch(t, f.st, 3, models.BatchParams{IntervalSeconds: 5, DryRun: true})

	_, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Empty(t, f.clock.waits)
	assert.Len(t, f.runner.contacts, 3)
}

func TestDryRunConsumesDelayWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.allowAll(1)
	parent, _ := createBatch(t, f.st, 3, models.BatchParams{IntervalSeconds: 5, DryRun: true})

	_, err := f.scheduler(scheduler.Options{DryRunConsumesDelay: true}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, f.clock.waits)
}

func TestRunSkipsClaimedBatch(t *testing.T) {
	f := newFixture(t)
	parent, _ := createBatch(t, f.st, 1, models.BatchParams{})
	_, err := f.st.Claim(context.Background(), parent.ID, "someone-else")
	require.NoError(t, err)

	done, err := f.scheduler(scheduler.Options{}).Run(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestDeriveBatchStatusFromPartialMembers(t *testing.T) {
	st := store.NewJobStore(store.NewMemoryBackend(), nil)
	parent, members := createBatch(t, st, 2, models.BatchParams{})
	ctx := context.Background()

	result := summary(t, st, parent.ID)
	assert.Equal(t, models.StatusPending, result.Status)

	_, err := st.Claim(ctx, members[0].ID, "w")
	require.NoError(t, err)
	result = summary(t, st, parent.ID)
	assert.Equal(t, models.StatusStarted, result.Status)
	assert.Equal(t, 2, result.Total)
}

func TestShutdownMidBatchSettlesParent(t *testing.T) {
	f := newFixture(t)
	f.allowAll(1)
	parent, members := createBatch(t, f.st, 3, models.BatchParams{IntervalSeconds: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.onRun = func(string) { cancel() }

	done, err := f.scheduler(scheduler.Options{}).Run(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, models.StatusFailure, done.Status)
	assert.Equal(t, models.ErrorKindBatchPartialFailure, done.Error.Kind)
	assert.Contains(t, done.Error.Message, "worker stopped")
	assert.Equal(t, models.StatusPartialFailure, done.ReportedStatus())

	require.Len(t, f.runner.contacts, 1)
	for i, m := range members {
		job, err := f.st.Get(context.Background(), m.ID)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, models.StatusSuccess, job.Status)
			continue
		}
		assert.Equal(t, models.StatusRevoked, job.Status)
	}
}

func TestShutdownBeforeFirstMemberFailsParent(t *testing.T) {
	f := newFixture(t)
	parent, members := createBatch(t, f.st, 2, models.BatchParams{IntervalSeconds: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done, err := f.scheduler(scheduler.Options{}).Run(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, models.StatusFailure, done.Status)
	assert.Equal(t, models.ErrorKindInternal, done.Error.Kind)
	assert.Empty(t, f.runner.contacts)

	for _, m := range members {
		job, err := f.st.Get(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRevoked, job.Status)
	}
}
