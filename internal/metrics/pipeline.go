// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics exposes the Prometheus collectors used across the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolve outcomes.
const (
	OutcomeCached    = "cached"    // object already in storage
	OutcomeFetched   = "fetched"   // caller installed the pipeline and it succeeded
	OutcomeCoalesced = "coalesced" // caller attached to another caller's pipeline
	OutcomeInvalid   = "invalid"   // locator rejected
	OutcomeFailed    = "failed"    // pipeline failed
	OutcomeCanceled  = "canceled"  // caller stopped waiting
)

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_resolve_total",
		Help: "Resolve requests by outcome",
	}, []string{"outcome"})

	resolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidgate_resolve_duration_seconds",
		Help:    "Resolve latency as seen by the caller",
		Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
	}, []string{"outcome"})

	pipelinesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidgate_pipelines_in_flight",
		Help: "Number of fetch pipelines currently running",
	})

	pipelineTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_pipeline_total",
		Help: "Completed fetch pipelines by result",
	}, []string{"result"}) // result=success|failure|panic

	pipelineWaiters = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidgate_pipeline_waiters",
		Help:    "Peak number of callers attached to a pipeline",
		Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
	})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidgate_fetch_duration_seconds",
		Help:    "Duration of fetch tool invocations",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})

	fetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_fetch_failures_total",
		Help: "Fetch tool failures by reason",
	}, []string{"reason"}) // reason=process|malformed_output|missing_artifact|timeout|start|canceled
)

// RecordResolve records a finished resolve call.
func RecordResolve(outcome string, d time.Duration) {
	resolveTotal.WithLabelValues(outcome).Inc()
	resolveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// PipelineStarted marks a pipeline as running.
func PipelineStarted() {
	pipelinesInFlight.Inc()
}

// PipelineFinished marks a pipeline as done and records its result and peak waiter count.
func PipelineFinished(result string, waiters int) {
	pipelinesInFlight.Dec()
	pipelineTotal.WithLabelValues(result).Inc()
	if waiters > 0 {
		pipelineWaiters.Observe(float64(waiters))
	}
}

// ObserveFetch records the duration of a fetch tool invocation.
func ObserveFetch(d time.Duration) {
	fetchDuration.Observe(d.Seconds())
}

// IncFetchFailure counts a fetch failure by reason.
func IncFetchFailure(reason string) {
	fetchFailures.WithLabelValues(reason).Inc()
}
