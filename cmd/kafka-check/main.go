package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"form-courier/internal/config"
	"form-courier/internal/logging"
)

const dialTimeout = 5 * time.Second

// partitionReader is the part of *kafka.Conn checkTopics needs.
type partitionReader interface {
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", cfg.KafkaBroker)
	if err != nil {
		log.Errorw("failed to connect to kafka", "broker", cfg.KafkaBroker, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	missing, err := checkTopics(os.Stdout, conn, cfg.KafkaBroker, courierTopics(cfg), log)
	if err != nil {
		log.Errorw("failed to read metadata", "broker", cfg.KafkaBroker, "error", err)
		os.Exit(1)
	}
	if len(missing) > 0 {
		log.Errorw("courier topics missing", "topics", missing)
		os.Exit(2)
	}
}

func courierTopics(cfg *config.Config) []string {
	return []string{cfg.KafkaJobsTopic, cfg.KafkaFormsTopic, cfg.KafkaSubmissionsTopic, cfg.KafkaDLQTopic}
}

// checkTopics prints the partition count of every courier topic and returns the
// ones the broker does not know.
func checkTopics(w io.Writer, conn partitionReader, broker string, topics []string, log *zap.SugaredLogger) ([]string, error) {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, errors.Wrap(err, "read partitions")
	}
	counts := make(map[string]int)
	for _, p := range partitions {
		counts[p.Topic]++
	}
	fmt.Fprintf(w, "connected to Kafka at %s (%d partitions, %d topics)\n", broker, len(partitions), len(counts))

	var missing []string
	for _, topic := range topics {
		n, ok := counts[topic]
		if !ok {
			missing = append(missing, topic)
			fmt.Fprintf(w, "  %-28s MISSING\n", topic)
			continue
		}
		fmt.Fprintf(w, "  %-28s %d partitions\n", topic, n)
	}
	sort.Strings(missing)
	log.Debugw("kafka topic check done", "broker", broker, "missing", len(missing))
	return missing, nil
}
