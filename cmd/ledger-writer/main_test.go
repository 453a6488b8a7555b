package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"form-courier/internal/graph"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/mocks"
)

func init() {
	newWriteBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
}

type fakeLedger struct {
	mu          sync.Mutex
	forms       []models.FormsDetected
	submissions []models.Submission
	failures    int
}

func (f *fakeLedger) WriteForms(ctx context.Context, event models.FormsDetected) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("neo4j unavailable")
	}
	f.forms = append(f.forms, event)
	return nil
}

func (f *fakeLedger) WriteSubmission(ctx context.Context, sub models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("neo4j unavailable")
	}
	f.submissions = append(f.submissions, sub)
	return nil
}

func ledgerCount(event, result string) float64 {
	return testutil.ToFloat64(metrics.LedgerWrites.WithLabelValues(event, result))
}

// consumeOne feeds a single message through consume and stops it on the
// following fetch. It reports whether the message was committed.
func consumeOne(t *testing.T, payload []byte, event string, write writeFunc) (committed bool) {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader.EXPECT().FetchMessage(gomock.Any()).Return(kafka.Message{Value: payload}, nil)
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, ...kafka.Message) error {
			committed = true
			return nil
		},
	).MaxTimes(1)
	reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(context.Context) (kafka.Message, error) {
		cancel()
		return kafka.Message{}, context.Canceled
	})

	done := make(chan struct{})
	go func() {
		consume(ctx, reader, event, write, zap.NewNop().Sugar())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume did not stop")
	}
	return committed
}

func TestConsumeFormsCommitsOnSuccess(t *testing.T) {
	l := &fakeLedger{}
	before := ledgerCount(eventForms, resultWritten)
	payload, err := json.Marshal(models.FormsDetected{
		JobID:     "job-1",
		CompanyID: 7,
		Forms:     []models.FormDescriptor{{ID: 11, CompanyID: 7, URL: "https://acme.example/contact"}},
	})
	require.NoError(t, err)

	assert.True(t, consumeOne(t, payload, eventForms, formsWriter(l)))
	require.Len(t, l.forms, 1)
	assert.Equal(t, int64(7), l.forms[0].CompanyID)
	assert.Equal(t, before+1, ledgerCount(eventForms, resultWritten))
}

func TestConsumeSubmissionRetriesTransientFailure(t *testing.T) {
	l := &fakeLedger{failures: 2}
	payload, err := json.Marshal(models.Submission{ID: "sub-1", JobID: "job-1", CompanyID: 7, FormID: 11})
	require.NoError(t, err)

	assert.True(t, consumeOne(t, payload, eventSubmissions, submissionWriter(l)))
	require.Len(t, l.submissions, 1)
	assert.Equal(t, "sub-1", l.submissions[0].ID)
}

func TestConsumeLeavesFailedWriteUncommitted(t *testing.T) {
	l := &fakeLedger{failures: writeAttempts}
	before := ledgerCount(eventSubmissions, resultFailed)
	payload, err := json.Marshal(models.Submission{ID: "sub-2"})
	require.NoError(t, err)

	assert.False(t, consumeOne(t, payload, eventSubmissions, submissionWriter(l)))
	assert.Empty(t, l.submissions)
	assert.Equal(t, before+1, ledgerCount(eventSubmissions, resultFailed))
}

func TestConsumeDropsInvalidPayload(t *testing.T) {
	l := &fakeLedger{}
	before := ledgerCount(eventSubmissions, resultInvalid)

	assert.True(t, consumeOne(t, []byte("{broken"), eventSubmissions, submissionWriter(l)))
	assert.Equal(t, before+1, ledgerCount(eventSubmissions, resultInvalid))
	assert.Empty(t, l.submissions)
}

func TestSubmissionWriterRejectsMissingID(t *testing.T) {
	err := submissionWriter(&fakeLedger{})(context.Background(), []byte(`{"job_id":"job-1"}`))
	assert.True(t, errors.Is(err, errInvalidPayload))
}

func TestFormsWriterSkipsEmptyDetection(t *testing.T) {
	l := &fakeLedger{}
	payload, err := json.Marshal(models.FormsDetected{JobID: "job-1", CompanyID: 7})
	require.NoError(t, err)

	require.NoError(t, formsWriter(l)(context.Background(), payload))
	assert.Empty(t, l.forms)
}

func TestFormsWriterRunsThroughNeo4j(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	driver := mocks.NewMockDriverSessioner(ctrl)
	session := mocks.NewMockSessionRunner(ctrl)
	driver.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(session).Times(2)
	session.EXPECT().Close(gomock.Any()).Return(nil).Times(2)
	session.EXPECT().ExecuteWrite(gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)

	payload, err := json.Marshal(models.FormsDetected{
		JobID:     "job-1",
		CompanyID: 7,
		Forms: []models.FormDescriptor{
			{ID: 11, CompanyID: 7, URL: "https://acme.example/contact"},
			{ID: 12, CompanyID: 7, URL: "https://acme.example/support"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, formsWriter(graph.NewLedger(driver))(context.Background(), payload))
}

func TestSubmissionWriterWrapsNeo4jError(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	driver := mocks.NewMockDriverSessioner(ctrl)
	session := mocks.NewMockSessionRunner(ctrl)
	driver.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(session)
	session.EXPECT().Close(gomock.Any()).Return(nil)
	session.EXPECT().ExecuteWrite(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, neo4j.ManagedTransactionWork, ...func(*neo4j.TransactionConfig)) (any, error) {
			return nil, errors.New("constraint violation")
		},
	)

	payload, err := json.Marshal(models.Submission{ID: "sub-3", JobID: "job-1", CompanyID: 7, FormID: 11, Status: models.SubmissionSuccess})
	require.NoError(t, err)

	err = submissionWriter(graph.NewLedger(driver))(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "sub-3"))
	assert.False(t, errors.Is(err, errInvalidPayload))
}
