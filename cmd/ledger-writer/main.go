package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"form-courier/internal/config"
	"form-courier/internal/graph"
	queue "form-courier/internal/kafka"
	"form-courier/internal/logging"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
)

const (
	eventForms       = "forms"
	eventSubmissions = "submissions"

	resultWritten = "written"
	resultInvalid = "invalid"
	resultFailed  = "failed"

	fetchBackoff  = 500 * time.Millisecond
	writeAttempts = 3
)

// ledger is the Neo4j side the writer feeds.
type ledger interface {
	WriteForms(ctx context.Context, event models.FormsDetected) error
	WriteSubmission(ctx context.Context, sub models.Submission) error
}

// writeFunc decodes one payload and writes it. Decode failures are wrapped
// with errInvalidPayload so the consumer can drop them.
type writeFunc func(ctx context.Context, payload []byte) error

var errInvalidPayload = errors.New("invalid ledger payload")

// newWriteBackOff spaces retries of a failed write.
var newWriteBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "error", err)
	}
	base, err := logging.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	log := base.Named("ledger-writer")
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatalw("ledger writer stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := graph.NewDriver(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return errors.Wrap(err, "connect to neo4j")
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Warnw("neo4j close error", "error", err)
		}
	}()
	l := graph.NewLedger(driver)

	formsReader := queue.NewReader(cfg.KafkaBroker, cfg.KafkaFormsTopic, cfg.KafkaLedgerGroupID)
	defer func() {
		if err := formsReader.Close(); err != nil {
			log.Warnw("forms reader close error", "error", err)
		}
	}()
	submissionsReader := queue.NewReader(cfg.KafkaBroker, cfg.KafkaSubmissionsTopic, cfg.KafkaLedgerGroupID)
	defer func() {
		if err := submissionsReader.Close(); err != nil {
			log.Warnw("submissions reader close error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, log) })
	}
	g.Go(func() error {
		consume(gctx, formsReader, eventForms, formsWriter(l), log.With("topic", cfg.KafkaFormsTopic))
		return nil
	})
	g.Go(func() error {
		consume(gctx, submissionsReader, eventSubmissions, submissionWriter(l), log.With("topic", cfg.KafkaSubmissionsTopic))
		return nil
	})
	log.Infow("ledger writer consuming", "broker", cfg.KafkaBroker, "group", cfg.KafkaLedgerGroupID)
	return g.Wait()
}

func formsWriter(l ledger) writeFunc {
	return func(ctx context.Context, payload []byte) error {
		var event models.FormsDetected
		if err := json.Unmarshal(payload, &event); err != nil {
			return errors.Mark(errors.Wrap(err, "decode forms event"), errInvalidPayload)
		}
		if event.CompanyID == 0 || len(event.Forms) == 0 {
			return nil
		}
		return l.WriteForms(ctx, event)
	}
}

func submissionWriter(l ledger) writeFunc {
	return func(ctx context.Context, payload []byte) error {
		var sub models.Submission
		if err := json.Unmarshal(payload, &sub); err != nil {
			return errors.Mark(errors.Wrap(err, "decode submission"), errInvalidPayload)
		}
		if sub.ID == "" {
			return errors.Mark(errors.New("submission has no id"), errInvalidPayload)
		}
		return l.WriteSubmission(ctx, sub)
	}
}

// consume writes every message of one topic. Writes are idempotent, so a
// transient Neo4j failure is retried before the message is given up on.
// Undecodable payloads are committed and dropped.
func consume(ctx context.Context, reader queue.MessageReader, event string, write writeFunc, log *zap.SugaredLogger) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("fetch error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		if err := writeWithRetry(ctx, msg, write); err != nil {
			if !errors.Is(err, errInvalidPayload) {
				metrics.LedgerWrites.WithLabelValues(event, resultFailed).Inc()
				log.Errorw("ledger write error", "partition", msg.Partition, "offset", msg.Offset, "error", err)
				continue
			}
			metrics.LedgerWrites.WithLabelValues(event, resultInvalid).Inc()
			log.Warnw("dropping invalid payload", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		} else {
			metrics.LedgerWrites.WithLabelValues(event, resultWritten).Inc()
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Warnw("commit error", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func writeWithRetry(ctx context.Context, msg kafka.Message, write writeFunc) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(newWriteBackOff(), writeAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := write(ctx, msg.Value)
		if errors.Is(err, errInvalidPayload) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
