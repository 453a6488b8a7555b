package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-courier/internal/models"
	"form-courier/internal/schedules"
)

func (ts *testServer) createSchedule(t *testing.T) models.Schedule {
	t.Helper()
	ts.directory.EXPECT().Template(gomock.Any(), int64(3)).Return(models.Template{ID: 3}, nil)
	ts.directory.EXPECT().Companies(gomock.Any(), []int64{42}).Return(map[int64]models.Company{42: acme}, nil)
	rec := ts.do(http.MethodPost, "/schedules",
		`{"name":"weekly acme","company_ids":[42],"template_id":3,"cron_expression":"0 9 * * 1","test_mode":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Schedule](t, rec)
}

func TestHandleScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)
	sc := ts.createSchedule(t)
	assert.True(t, sc.Enabled)
	require.NotNil(t, sc.NextRunAt)

	rec := ts.do(http.MethodGet, "/schedules/"+sc.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/schedules/"+sc.ID+"/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.Schedule](t, rec).Enabled)

	rec = ts.do(http.MethodGet, "/schedules?enabled=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[schedules.ListResult](t, rec)
	assert.Equal(t, 1, list.Total)

	rec = ts.do(http.MethodPut, "/schedules/"+sc.ID, `{"cron_expression":"0 10 * * 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0 10 * * 1", decode[models.Schedule](t, rec).CronExpression)

	rec = ts.do(http.MethodGet, "/schedules/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[schedules.Stats](t, rec).Disabled)

	rec = ts.do(http.MethodDelete, "/schedules/"+sc.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/schedules/"+sc.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleScheduleRunStartsBatch(t *testing.T) {
	ts := newTestServer(t)
	sc := ts.createSchedule(t)

	ts.directory.EXPECT().Template(gomock.Any(), int64(3)).Return(models.Template{ID: 3}, nil)
	ts.directory.EXPECT().Companies(gomock.Any(), []int64{42}).Return(map[int64]models.Company{42: acme}, nil)
	ts.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(nil)

	rec := ts.do(http.MethodPost, "/schedules/"+sc.ID+"/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[taskCreated](t, rec)

	job, err := ts.store.Get(context.Background(), created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.JobKindSubmitBatch, job.Kind)
	var params models.BatchParams
	require.NoError(t, job.DecodePayload(&params))
	assert.InDelta(t, models.DefaultScheduleIntervalSeconds, params.IntervalSeconds, 1e-9)
	assert.True(t, params.DryRun)

	rec = ts.do(http.MethodGet, "/schedules/"+sc.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.TaskID, decode[models.Schedule](t, rec).LastBatchID)
}

func TestHandleScheduleValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/schedules", `{"name":"x","company_ids":[42],"template_id":3,"cron_expression":"daily"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.ErrorKindValidation, decode[errorBody](t, rec).Kind)

	rec = ts.do(http.MethodGet, "/schedules?page=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/schedules/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
