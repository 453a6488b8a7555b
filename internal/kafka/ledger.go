package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"

	"form-courier/internal/models"
)

// LedgerProducer publishes detected forms and submission records for the
// ledger writer. Both topics are keyed by company so one company's events
// stay ordered.
type LedgerProducer struct {
	forms       MessageWriter
	submissions MessageWriter
}

// NewLedgerProducer creates writers for the forms and submissions topics.
func NewLedgerProducer(broker, formsTopic, submissionsTopic string) *LedgerProducer {
	return &LedgerProducer{
		forms:       NewWriter(broker, formsTopic),
		submissions: NewWriter(broker, submissionsTopic),
	}
}

// NewLedgerProducerWithWriters builds a producer using custom writers (tests).
func NewLedgerProducerWithWriters(forms, submissions MessageWriter) *LedgerProducer {
	return &LedgerProducer{forms: forms, submissions: submissions}
}

// Close shuts down both writers.
func (p *LedgerProducer) Close() error {
	return errors.CombineErrors(p.forms.Close(), p.submissions.Close())
}

// RecordForms publishes the forms found by one detection job.
func (p *LedgerProducer) RecordForms(ctx context.Context, event models.FormsDetected) error {
	if err := write(ctx, p.forms, strconv.FormatInt(event.CompanyID, 10), event); err != nil {
		return errors.Wrapf(err, "record forms of job %s", event.JobID)
	}
	return nil
}

// RecordSubmission publishes a submission ledger entry.
func (p *LedgerProducer) RecordSubmission(ctx context.Context, sub models.Submission) error {
	if err := write(ctx, p.submissions, strconv.FormatInt(sub.CompanyID, 10), sub); err != nil {
		return errors.Wrapf(err, "record submission %s", sub.ID)
	}
	return nil
}

func write(ctx context.Context, w MessageWriter, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}
