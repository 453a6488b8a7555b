// Package metrics holds the Prometheus collectors shared by the courier binaries.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "courier"

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_created_total",
		Help:      "Jobs created, by kind.",
	}, []string{"kind"})

	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_claimed_total",
		Help:      "Successful PENDING->STARTED claims, by kind.",
	}, []string{"kind"})

	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_terminal_total",
		Help:      "Jobs reaching a terminal state, by kind and status.",
	}, []string{"kind", "status"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_retries_total",
		Help:      "STARTED->RETRY transitions, by kind.",
	}, []string{"kind"})

	StaleTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_transitions_total",
		Help:      "Rejected state transitions. Any non-zero value is a bug.",
	})

	ComplianceDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compliance_decisions_total",
		Help:      "Compliance gate decisions, by level and verdict.",
	}, []string{"level", "allowed"})

	BatchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_member_wait_seconds",
		Help:      "Time the batch scheduler waited before contacting a member.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	RateLimitAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_rate_limit_adjusted_total",
		Help:      "Batch waits raised above the configured interval by the compliance gate.",
	})

	ScheduleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_runs_total",
		Help:      "Batches started by schedules, by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	AutomationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "automation_latency_seconds",
		Help:      "Latency of automation engine calls, by operation.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	AutomationRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "automation_rate_limit_hits_total",
		Help:      "HTTP 429 responses from the automation engine.",
	})

	WorkerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_in_flight",
		Help:      "Jobs currently holding a worker pool slot.",
	})

	BatchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_batches_in_flight",
		Help:      "Batch parents currently being sequenced.",
	})

	CommitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_commit_errors_total",
		Help:      "Kafka CommitMessages failures.",
	})

	CommitPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_commit_pending",
		Help:      "Messages buffered in the commit coordinator.",
	})

	CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_commit_latency_seconds",
		Help:      "Kafka commit latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	WorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_messages_total",
		Help:      "Job messages consumed by the worker, by outcome.",
	}, []string{"outcome"})

	ProxyInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_proxy_info",
		Help:      "Proxy URL this worker uses (1 when set).",
	}, []string{"proxy"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests served by the API, by route and status code.",
	}, []string{"route", "code"})

	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_writes_total",
		Help:      "Ledger events written to Neo4j, by event and result.",
	}, []string{"event", "result"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnw("metrics shutdown error", "error", err)
		}
	}()

	log.Infow("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
