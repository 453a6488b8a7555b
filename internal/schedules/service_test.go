package schedules_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-courier/internal/graph"
	"form-courier/internal/models"
	"form-courier/internal/schedules"
	"form-courier/internal/tasks"
	"form-courier/mocks"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	afters  int
	onAfter func(n int)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.afters++
	n, now, hook := c.afters, c.now, c.onAfter
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fixture struct {
	svc     *schedules.Service
	backend *schedules.MemoryBackend
	batches *mocks.MockBatchCreator
	catalog *mocks.MockDirectory
	clock   *fakeClock
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

// newFixture knows companies 1 to 9 and template 3.
func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		backend: schedules.NewMemoryBackend(),
		batches: mocks.NewMockBatchCreator(ctrl),
		catalog: mocks.NewMockDirectory(ctrl),
		clock:   &fakeClock{now: at(8, 30)},
	}
	f.catalog.EXPECT().Template(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id int64) (models.Template, error) {
			if id != 3 {
				return models.Template{}, errors.Wrapf(graph.ErrNotFound, "template %d", id)
			}
			return models.Template{ID: 3, Name: "intro"}, nil
		}).AnyTimes()
	f.catalog.EXPECT().Companies(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, ids []int64) (map[int64]models.Company, error) {
			out := make(map[int64]models.Company)
			for _, id := range ids {
				if id >= 1 && id <= 9 {
					out[id] = models.Company{ID: id}
				}
			}
			return out, nil
		}).AnyTimes()
	f.svc = schedules.New(f.backend, f.batches, f.catalog, f.clock, schedules.Options{MaxBatchSize: 5}, nil)
	return f
}

func (f *fixture) create(t *testing.T, cronExpr string) *models.Schedule {
	t.Helper()
	sc, err := f.svc.Create(context.Background(), schedules.CreateRequest{
		Name:           "quarter-hourly",
		CompanyIDs:     []int64{1, 2, 2},
		TemplateID:     3,
		CronExpression: cronExpr,
	})
	require.NoError(t, err)
	return sc
}

func requireValidation(t *testing.T, err error, contains string) {
	t.Helper()
	jobErr, ok := models.AsJobError(err)
	require.True(t, ok, "expected a validation error, got %v", err)
	assert.Equal(t, models.ErrorKindValidation, jobErr.Kind)
	assert.Contains(t, jobErr.Message, contains)
}

func TestParseCron(t *testing.T) {
	_, err := schedules.ParseCron("*/15 9-17 * * 1-5")
	assert.NoError(t, err)
	_, err = schedules.ParseCron("30 0 9 * * *")
	assert.NoError(t, err, "six fields lead with seconds")

	_, err = schedules.ParseCron("0 9 * *")
	requireValidation(t, err, "5 or 6 fields")
	_, err = schedules.ParseCron("0 25 * * *")
	requireValidation(t, err, "invalid cron expression")
}

func TestCreateComputesNextRunAndDefaults(t *testing.T) {
	f := newFixture(t)
	sc := f.create(t, "0 9 * * *")

	assert.True(t, sc.Enabled)
	assert.Equal(t, models.DefaultScheduleIntervalSeconds, sc.IntervalSeconds)
	assert.Equal(t, []int64{1, 2}, sc.CompanyIDs)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, at(9, 0), *sc.NextRunAt)
	assert.Nil(t, sc.LastRunAt)

	got, err := f.svc.Get(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.Name, got.Name)
}

func TestCreateRejectsInvalidSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := schedules.CreateRequest{Name: "x", CompanyIDs: []int64{1}, TemplateID: 3, CronExpression: "0 9 * * *"}

	req := base
	req.CompanyIDs = []int64{1, 42, 43}
	_, err := f.svc.Create(ctx, req)
	requireValidation(t, err, "companies not found: [42 43]")

	req = base
	req.TemplateID = 8
	_, err = f.svc.Create(ctx, req)
	requireValidation(t, err, "template 8 does not exist")

	req = base
	req.CronExpression = "every monday"
	_, err = f.svc.Create(ctx, req)
	requireValidation(t, err, "5 or 6 fields")

	req = base
	req.Name = "  "
	_, err = f.svc.Create(ctx, req)
	requireValidation(t, err, "name")

	req = base
	req.CompanyIDs = []int64{1, 2, 3, 4, 5, 6}
	_, err = f.svc.Create(ctx, req)
	requireValidation(t, err, "batch limit")

	req = base
	req.ComplianceLevel = "lenient"
	_, err = f.svc.Create(ctx, req)
	requireValidation(t, err, "compliance level")

	list, err := f.svc.List(ctx, nil, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestTickFiresDueScheduleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/15 * * * *")
	require.Equal(t, at(8, 45), *sc.NextRunAt)

	f.batches.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req tasks.BatchRequest) (*models.Job, error) {
			assert.Equal(t, []int64{1, 2}, req.CompanyIDs)
			assert.Equal(t, int64(3), req.TemplateID)
			require.NotNil(t, req.IntervalSeconds)
			assert.Equal(t, models.DefaultScheduleIntervalSeconds, *req.IntervalSeconds)
			return &models.Job{ID: "batch-1", Kind: models.JobKindSubmitBatch, Status: models.StatusPending}, nil
		}).Times(1)

	f.clock.set(at(8, 40))
	fired, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired, "not due yet")

	f.clock.set(at(8, 50))
	fired, err = f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired, "already advanced past now")

	got, err := f.svc.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, at(9, 0), *got.NextRunAt)
	assert.Equal(t, at(8, 50), *got.LastRunAt)
	assert.Equal(t, "batch-1", got.LastBatchID)
	assert.Empty(t, got.LastError)
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/15 * * * *")
	_, err := f.svc.SetEnabled(ctx, sc.ID, false)
	require.NoError(t, err)

	f.clock.set(at(10, 0))
	fired, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestFailedStartIsRecordedAndWaitsForNextTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "0 9 * * *")

	f.batches.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("kafka unavailable")).Times(1)

	f.clock.set(at(9, 5))
	fired, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	fired, err = f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	got, err := f.svc.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "kafka unavailable")
	assert.Equal(t, at(9, 0).Add(24*time.Hour), *got.NextRunAt)
}

func TestConcurrentRunnersFireTickOnce(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0 9 * * *")
	f.clock.set(at(9, 0))
	f.batches.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).
		Return(&models.Job{ID: "batch-1"}, nil).Times(1)

	const runners = 8
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := schedules.New(f.backend, f.batches, f.catalog, f.clock, schedules.Options{}, nil)
			_, err := svc.Tick(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestUpdateRecomputesNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "0 9 * * *")

	cronExpr := "0 12 * * *"
	name := "noon"
	got, err := f.svc.Update(ctx, sc.ID, schedules.UpdateRequest{Name: &name, CronExpression: &cronExpr})
	require.NoError(t, err)
	assert.Equal(t, "noon", got.Name)
	assert.Equal(t, at(12, 0), *got.NextRunAt)
	assert.Equal(t, sc.Version+1, got.Version)

	_, err = f.svc.Update(ctx, sc.ID, schedules.UpdateRequest{CompanyIDs: []int64{1, 77}})
	requireValidation(t, err, "companies not found: [77]")

	bad := "61 * * * *"
	_, err = f.svc.Update(ctx, sc.ID, schedules.UpdateRequest{CronExpression: &bad})
	requireValidation(t, err, "invalid cron expression")

	_, err = f.svc.Update(ctx, "missing", schedules.UpdateRequest{Name: &name})
	assert.True(t, errors.Is(err, schedules.ErrNotFound))
}

func TestEnablingDoesNotReplayMissedTicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "0 9 * * *")
	_, err := f.svc.SetEnabled(ctx, sc.ID, false)
	require.NoError(t, err)

	f.clock.set(at(15, 0))
	got, err := f.svc.SetEnabled(ctx, sc.ID, true)
	require.NoError(t, err)
	assert.Equal(t, at(9, 0).Add(24*time.Hour), *got.NextRunAt)

	fired, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestRunNowLeavesNextRunAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "0 9 * * *")
	_, err := f.svc.SetEnabled(ctx, sc.ID, false)
	require.NoError(t, err)

	f.batches.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).
		Return(&models.Job{ID: "batch-now"}, nil).Times(1)
	job, err := f.svc.RunNow(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "batch-now", job.ID)

	got, err := f.svc.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "batch-now", got.LastBatchID)
	assert.Equal(t, at(8, 30), *got.LastRunAt)
	assert.Equal(t, at(9, 0), *got.NextRunAt)

	_, err = f.svc.RunNow(ctx, "missing")
	assert.True(t, errors.Is(err, schedules.ErrNotFound))
}

func TestListPaginatesAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		f.clock.set(at(8, 30+i))
		ids = append(ids, f.create(t, "0 9 * * *").ID)
	}
	_, err := f.svc.SetEnabled(ctx, ids[0], false)
	require.NoError(t, err)

	page, err := f.svc.List(ctx, nil, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)

	disabled := false
	page, err = f.svc.List(ctx, &disabled, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)

	page, err = f.svc.List(ctx, nil, 9, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = f.svc.List(ctx, nil, 1, 500)
	requireValidation(t, err, "per_page")
}

func TestStatsCountsAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := f.create(t, "0 9 * * *")
	late := f.create(t, "0 10 * * *")
	off := f.create(t, "0 8 * * *")
	_, err := f.svc.SetEnabled(ctx, off.ID, false)
	require.NoError(t, err)

	f.batches.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).Return(&models.Job{ID: "b"}, nil)
	_, err = f.svc.RunNow(ctx, late.ID)
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Enabled)
	assert.Equal(t, 1, st.Disabled)
	require.Len(t, st.Upcoming, 2)
	assert.Equal(t, early.ID, st.Upcoming[0].ID)
	assert.Equal(t, late.ID, st.Upcoming[1].ID)
	require.Len(t, st.Recent, 1)
	assert.Equal(t, late.ID, st.Recent[0].ID)
	assert.Equal(t, 2, st.Recent[0].CompanyCount)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := f.create(t, "0 9 * * *")
	require.NoError(t, f.svc.Delete(ctx, sc.ID))
	assert.True(t, errors.Is(f.svc.Delete(ctx, sc.ID), schedules.ErrNotFound))
}

func TestRunTicksUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.clock.set(at(9, 0).Add(30 * time.Second))
	f.create(t, "* * * * *")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clock.onAfter = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	f.batches.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).
		Return(&models.Job{ID: "b"}, nil).Times(2)

	svc := schedules.New(f.backend, f.batches, f.catalog, f.clock, schedules.Options{CheckInterval: time.Minute}, nil)
	require.NoError(t, svc.Run(ctx))
}
