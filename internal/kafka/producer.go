package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"

	"form-courier/internal/models"
)

// JobMessage tells a worker that a job is ready to be claimed. The job itself
// lives in the JobStore; the message only carries its reference.
type JobMessage struct {
	JobID      string         `json:"job_id"`
	Kind       models.JobKind `json:"kind"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// DeadLetter is published when a job message could not be processed at all.
type DeadLetter struct {
	JobID    string    `json:"job_id,omitempty"`
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// JobProducer publishes job references for workers.
type JobProducer struct {
	writer MessageWriter
}

// NewJobProducer creates a Kafka producer for the given broker and topic.
func NewJobProducer(broker, topic string) *JobProducer {
	return &JobProducer{writer: NewWriter(broker, topic)}
}

// NewJobProducerWithWriter builds a producer using a custom writer (tests).
func NewJobProducerWithWriter(writer MessageWriter) *JobProducer {
	return &JobProducer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *JobProducer) Close() error {
	return p.writer.Close()
}

// Dispatch publishes a reference to job, keyed by job id.
func (p *JobProducer) Dispatch(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(JobMessage{JobID: job.ID, Kind: job.Kind, EnqueuedAt: now})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(job.ID),
		Value: payload,
		Time:  now,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "dispatch job %s", job.ID)
	}
	return nil
}

// DeadLetterProducer parks undeliverable job messages.
type DeadLetterProducer struct {
	writer MessageWriter
}

// NewDeadLetterProducer creates a dead-letter producer for topic.
func NewDeadLetterProducer(broker, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{writer: NewWriter(broker, topic)}
}

// NewDeadLetterProducerWithWriter builds a dead-letter producer using a custom writer (tests).
func NewDeadLetterProducerWithWriter(writer MessageWriter) *DeadLetterProducer {
	return &DeadLetterProducer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *DeadLetterProducer) Close() error {
	return p.writer.Close()
}

// Publish writes msg and the cause to the dead-letter topic.
func (p *DeadLetterProducer) Publish(ctx context.Context, msg kafka.Message, jobID string, cause error) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(DeadLetter{
		JobID:    jobID,
		Payload:  string(msg.Value),
		Error:    cause.Error(),
		FailedAt: now,
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: payload, Time: now})
}
