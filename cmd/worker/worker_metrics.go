package main

import "form-courier/internal/metrics"

// Message outcomes exposed as courier_worker_messages_total{outcome}.
const (
	outcomeReceived     = "received"
	outcomeInvalid      = "invalid"
	outcomeSkipped      = "skipped"
	outcomeProcessed    = "processed"
	outcomeFailed       = "failed"
	outcomeDeadLettered = "dead_lettered"
)

func countMessage(outcome string) {
	metrics.WorkerMessages.WithLabelValues(outcome).Inc()
}

// recordProxy marks the proxy this worker egresses through so fetch errors
// can be segmented by proxy in dashboards.
func recordProxy(proxyURL string) {
	if proxyURL == "" {
		return
	}
	metrics.ProxyInfo.WithLabelValues(proxyURL).Set(1)
}
