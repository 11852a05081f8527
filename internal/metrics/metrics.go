// Package metrics exposes the Prometheus instrumentation for the job
// pipeline. Collectors are process-wide; the HTTP layer serves them at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofer_jobs_created_total",
		Help: "Number of proofreading jobs created.",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofer_jobs_finished_total",
		Help: "Number of jobs reaching a terminal state, by state.",
	}, []string{"state"})

	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofer_chunks_processed_total",
		Help: "Number of chunk worker completions, by result.",
	}, []string{"result"})

	LLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofer_llm_retries_total",
		Help: "Number of LLM retry attempts across all chunks.",
	})

	LLMRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proofer_llm_request_seconds",
		Help:    "Wall time of resilient LLM exchanges, including retries.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})
)
