package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	kgo "github.com/segmentio/kafka-go"

	ckafka "form-courier/internal/kafka"
	"form-courier/internal/models"
	"form-courier/mocks"
)

func TestJobProducerDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	prod := ckafka.NewJobProducerWithWriter(writer)

	job, err := models.NewJob(models.JobKindSubmitSingle, models.Target{FormID: 9}, models.SubmitParams{FormID: 9}, 3)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	writer.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if string(msgs[0].Key) != job.ID {
				t.Fatalf("unexpected message key: %s", string(msgs[0].Key))
			}
			var got ckafka.JobMessage
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("failed to decode message: %v", err)
			}
			if got.JobID != job.ID || got.Kind != models.JobKindSubmitSingle {
				t.Fatalf("unexpected job payload: %+v", got)
			}
			return nil
		})

	if err := prod.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
}

func TestJobProducerDispatchError(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	prod := ckafka.NewJobProducerWithWriter(writer)

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("write failed"))
	if err := prod.Dispatch(context.Background(), &models.Job{ID: "job-err"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestLedgerProducerRoutesByTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	forms := mocks.NewMockMessageWriter(ctrl)
	subs := mocks.NewMockMessageWriter(ctrl)
	prod := ckafka.NewLedgerProducerWithWriters(forms, subs)

	forms.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			if string(msgs[0].Key) != "42" {
				t.Fatalf("forms key = %s, want company id", msgs[0].Key)
			}
			var got models.FormsDetected
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got.Forms) != 1 || got.JobID != "job-1" {
				t.Fatalf("unexpected forms event: %+v", got)
			}
			return nil
		})
	subs.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			var got models.Submission
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.ID != "job-2" || got.Status != models.SubmissionSuccess {
				t.Fatalf("unexpected submission: %+v", got)
			}
			return nil
		})

	err := prod.RecordForms(context.Background(), models.FormsDetected{
		JobID:     "job-1",
		CompanyID: 42,
		Forms:     []models.FormDescriptor{{URL: "https://example.com/contact"}},
	})
	if err != nil {
		t.Fatalf("RecordForms: %v", err)
	}
	err = prod.RecordSubmission(context.Background(), models.Submission{
		ID:          "job-2",
		JobID:       "job-2",
		CompanyID:   42,
		Status:      models.SubmissionSuccess,
		SubmittedAt: time.Unix(0, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
}

func TestDeadLetterProducerKeepsPayload(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	prod := ckafka.NewDeadLetterProducerWithWriter(writer)

	writer.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			var got ckafka.DeadLetter
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Payload != "not json" || got.Error != "bad payload" {
				t.Fatalf("unexpected dead letter: %+v", got)
			}
			return nil
		})

	msg := kgo.Message{Key: []byte("k"), Value: []byte("not json")}
	if err := prod.Publish(context.Background(), msg, "", errors.New("bad payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
