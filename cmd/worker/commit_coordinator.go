package main

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	queue "form-courier/internal/kafka"
	"form-courier/internal/metrics"
)

const commitTimeout = 10 * time.Second

// commitCoordinator buffers completed messages per partition and commits in offset order.
type commitCoordinator struct {
	reader     queue.MessageReader
	commitCh   <-chan kafka.Message
	nextOffset map[int]int64                   // per partition: next offset we expect to commit
	pending    map[int]map[int64]kafka.Message // per partition: buffered messages keyed by offset
	mu         sync.Mutex
	log        *zap.SugaredLogger
}

func newCommitCoordinator(reader queue.MessageReader, commitCh <-chan kafka.Message, log *zap.SugaredLogger) *commitCoordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &commitCoordinator{
		reader:     reader,
		commitCh:   commitCh,
		nextOffset: make(map[int]int64),
		pending:    make(map[int]map[int64]kafka.Message),
		log:        log,
	}
}

// run drains commitCh until it is closed. Commits ignore cancellation of ctx
// so messages finished during shutdown are still committed; the caller closes
// commitCh once every handler has returned.
func (c *commitCoordinator) run(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	for msg := range c.commitCh {
		c.enqueue(msg)
		c.drain(ctx, msg.Partition)
	}
	c.flush(ctx)
	return nil
}

// enqueue adds a completed message to the buffer for its partition.
func (c *commitCoordinator) enqueue(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := msg.Partition
	if c.pending[p] == nil {
		c.pending[p] = make(map[int64]kafka.Message)
	}
	c.pending[p][msg.Offset] = msg
	metrics.CommitPending.Inc()
	if _, exists := c.nextOffset[p]; !exists {
		c.nextOffset[p] = msg.Offset
	}
}

// commitNext commits the next contiguous message for the partition. Caller
// must hold c.mu; the lock is released around the commit call. A failed
// commit is re-queued and stops the drain.
func (c *commitCoordinator) commitNext(ctx context.Context, partition int, event string) bool {
	next := c.nextOffset[partition]
	m, ok := c.pending[partition][next]
	if !ok {
		return false
	}
	delete(c.pending[partition], next)
	metrics.CommitPending.Dec()
	c.mu.Unlock()

	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	start := time.Now()
	err := c.reader.CommitMessages(commitCtx, m)
	metrics.CommitLatency.Observe(time.Since(start).Seconds())
	cancel()

	c.mu.Lock()
	if err != nil {
		metrics.CommitErrors.Inc()
		c.log.Warnw(event, "partition", partition, "offset", next, "error", err)
		c.pending[partition][next] = m
		metrics.CommitPending.Inc()
		return false
	}
	c.nextOffset[partition] = next + 1
	return true
}

func (c *commitCoordinator) drain(ctx context.Context, partition int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.commitNext(ctx, partition, "commit failed") {
	}
}

// flush commits whatever contiguous runs remain after commitCh closes.
func (c *commitCoordinator) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.pending {
		for c.commitNext(ctx, p, "commit flush failed") {
		}
	}
}
