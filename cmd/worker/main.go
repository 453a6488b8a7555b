package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"form-courier/common"
	"form-courier/internal/automation"
	"form-courier/internal/compliance"
	"form-courier/internal/config"
	"form-courier/internal/graph"
	queue "form-courier/internal/kafka"
	"form-courier/internal/logging"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/internal/scheduler"
	"form-courier/internal/worker"
)

// jobRunner executes one detect or submit job to a terminal state.
type jobRunner interface {
	Process(ctx context.Context, jobID string) (*models.Job, error)
}

// batchRunner sequences the members of a batch parent.
type batchRunner interface {
	Run(ctx context.Context, batchID string) (*models.Job, error)
}

type deadLetterPublisher interface {
	Publish(ctx context.Context, msg kafka.Message, jobID string, cause error) error
}

const (
	fetchBackoff      = 500 * time.Millisecond
	deadLetterTimeout = 10 * time.Second
)

// consumer pulls job references off the jobs topic. Detect and submit jobs
// run in a bounded pool; batch parents run on their own goroutine so a long
// batch never holds a pool slot while it waits between members.
type consumer struct {
	reader   queue.MessageReader
	jobs     jobRunner
	batches  batchRunner
	dlq      deadLetterPublisher
	commitCh chan<- kafka.Message
	sem      chan struct{}
	wg       *sync.WaitGroup
	log      *zap.SugaredLogger
}

func newConsumer(
	reader queue.MessageReader,
	jobs jobRunner,
	batches batchRunner,
	dlq deadLetterPublisher,
	concurrentJobs int,
	commitCh chan<- kafka.Message,
	wg *sync.WaitGroup,
	log *zap.SugaredLogger,
) *consumer {
	if concurrentJobs < 1 {
		concurrentJobs = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &consumer{
		reader:   reader,
		jobs:     jobs,
		batches:  batches,
		dlq:      dlq,
		commitCh: commitCh,
		sem:      make(chan struct{}, concurrentJobs),
		wg:       wg,
		log:      log,
	}
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
	log := base.Named("worker")
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatalw("worker stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, closeStore, err := common.OpenJobStore(ctx, cfg, log.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warnw("failed to close job store", "error", err)
		}
	}()

	driver, err := graph.NewDriver(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return errors.Wrap(err, "connect to neo4j")
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Warnw("failed to close neo4j driver", "error", err)
		}
	}()

	ledger := queue.NewLedgerProducer(cfg.KafkaBroker, cfg.KafkaFormsTopic, cfg.KafkaSubmissionsTopic)
	defer func() {
		if err := ledger.Close(); err != nil {
			log.Warnw("failed to close ledger producer", "error", err)
		}
	}()
	dlq := queue.NewDeadLetterProducer(cfg.KafkaBroker, cfg.KafkaDLQTopic)
	defer func() {
		if err := dlq.Close(); err != nil {
			log.Warnw("failed to close dlq producer", "error", err)
		}
	}()
	reader := queue.NewReader(cfg.KafkaBroker, cfg.KafkaJobsTopic, cfg.KafkaGroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warnw("failed to close reader", "error", err)
		}
	}()

	client, proxy := common.NewHTTPClient(cfg.ProxyURL, cfg.ProxyPool, os.Getenv("HOSTNAME"), log)
	recordProxy(proxy)
	engine := automation.NewRemoteEngine(cfg.AutomationURL, cfg.AutomationToken, cfg.UserAgent, client)
	gate := compliance.NewGate(
		compliance.NewHTTPFetcher(client, cfg.UserAgent, cfg.PolicyCacheTTL, log.Named("policy")),
		cfg.UserAgent, log.Named("compliance"))

	w := worker.New(jobs, graph.NewCatalog(driver), engine, gate, ledger, worker.Options{
		ID:                 common.InstanceID("worker"),
		DetectTimeout:      cfg.DetectTimeout,
		SubmitTimeout:      cfg.SubmitTimeout,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		RevokePollInterval: cfg.RevokePollInterval,
		DefaultLevel:       cfg.ComplianceLevel,
	}, log)
	sched := scheduler.New(jobs, gate, w, nil, scheduler.Options{
		ID:                  common.InstanceID("scheduler"),
		DryRunConsumesDelay: cfg.DryRunConsumesDelay,
	}, log.Named("scheduler"))

	commitCh := make(chan kafka.Message, cfg.ConcurrentJobs*2)
	coordinator := newCommitCoordinator(reader, commitCh, log.Named("commit"))
	coordDone := make(chan error, 1)
	go func() { coordDone <- coordinator.run(ctx) }()

	var wg sync.WaitGroup
	c := newConsumer(reader, w, sched, dlq, cfg.ConcurrentJobs, commitCh, &wg, log)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, log) })
	}
	g.Go(func() error {
		log.Infow("worker consuming", "topic", cfg.KafkaJobsTopic, "group", cfg.KafkaGroupID,
			"broker", cfg.KafkaBroker, "concurrent_jobs", cfg.ConcurrentJobs, "proxy", proxy)
		c.run(gctx)
		return nil
	})
	err = g.Wait()

	wg.Wait()
	close(commitCh)
	<-coordDone
	return err
}

// run consumes job messages until ctx is cancelled.
func (c *consumer) run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warnw("fetch error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}
		if err := c.dispatchMessage(ctx, msg); err != nil {
			c.log.Warnw("message dispatch error", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// dispatchMessage decodes a job reference and hands it to the pool or to a
// batch goroutine. Messages that cannot name a job are dead-lettered and
// committed.
func (c *consumer) dispatchMessage(ctx context.Context, msg kafka.Message) error {
	var ref queue.JobMessage
	if err := json.Unmarshal(msg.Value, &ref); err != nil || ref.JobID == "" {
		if err == nil {
			err = errors.New("job message has no job_id")
		}
		countMessage(outcomeInvalid)
		c.deadLetter(ctx, msg, "", err)
		c.commitCh <- msg
		return nil
	}
	countMessage(outcomeReceived)

	if ref.Kind == models.JobKindSubmitBatch {
		// Claiming makes redelivery harmless, so the offset can advance now
		// instead of pinning the partition for the length of the batch.
		c.commitCh <- msg
		c.wg.Add(1)
		go c.runBatch(ctx, msg, ref)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.sem <- struct{}{}:
	}
	c.wg.Add(1)
	go c.processJobAsync(ctx, msg, ref)
	return nil
}

// processJobAsync runs one job and always releases its slot and signals the
// commit, so one bad job cannot stall the partition.
func (c *consumer) processJobAsync(ctx context.Context, msg kafka.Message, ref queue.JobMessage) {
	defer func() {
		<-c.sem
		c.wg.Done()
		c.commitCh <- msg
	}()

	c.log.Debugw("received job", "job_id", ref.JobID, "kind", ref.Kind, "partition", msg.Partition, "offset", msg.Offset)
	job, err := c.jobs.Process(ctx, ref.JobID)
	c.settle(ctx, msg, ref, job, err)
}

func (c *consumer) runBatch(ctx context.Context, msg kafka.Message, ref queue.JobMessage) {
	defer c.wg.Done()
	job, err := c.batches.Run(ctx, ref.JobID)
	c.settle(ctx, msg, ref, job, err)
}

func (c *consumer) settle(ctx context.Context, msg kafka.Message, ref queue.JobMessage, job *models.Job, err error) {
	switch {
	case err != nil:
		countMessage(outcomeFailed)
		c.log.Errorw("job handler error", "job_id", ref.JobID, "kind", ref.Kind, "error", err)
		c.deadLetter(ctx, msg, ref.JobID, err)
	case job == nil:
		countMessage(outcomeSkipped)
		c.log.Infow("job not claimable, skipped", "job_id", ref.JobID, "kind", ref.Kind)
	default:
		countMessage(outcomeProcessed)
		c.log.Infow("job finished", "job_id", job.ID, "kind", job.Kind, "status", job.Status)
	}
}

// deadLetter publishes with its own deadline so a stuck write never blocks
// the commit path, and keeps working while the worker shuts down.
func (c *consumer) deadLetter(ctx context.Context, msg kafka.Message, jobID string, cause error) {
	if c.dlq == nil {
		return
	}
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()
	if err := c.dlq.Publish(dlqCtx, msg, jobID, cause); err != nil {
		c.log.Errorw("dlq publish error", "job_id", jobID, "error", err)
		return
	}
	countMessage(outcomeDeadLettered)
}
