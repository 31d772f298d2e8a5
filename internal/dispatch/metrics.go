package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	modeBatch  = "batch"
	modeSingle = "single"

	outcomeSent     = "sent"
	outcomeFailed   = "failed"
	outcomeNotFound = "not_found"
)

var (
	messagesProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by the dispatcher.",
		},
		[]string{"mode", "outcome"},
	)

	gatewayRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Name:      "gateway_request_duration_seconds",
			Help:      "Duration of gateway send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	batchRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "batch_runs_total",
			Help:      "Total finished batch runs.",
		},
		[]string{"outcome"}, // completed, cancelled
	)

	countdownGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Name:      "countdown_seconds",
			Help:      "Seconds left before the next batch send.",
		},
	)
)
