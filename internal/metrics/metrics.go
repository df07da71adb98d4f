// Package metrics provides Prometheus collectors for toonrank.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsTotal counts pipeline items by job and outcome (read, filtered, skipped, written).
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toonrank",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Pipeline items by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// ExecutionsTotal counts finished job executions by final status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toonrank",
			Subsystem: "batch",
			Name:      "executions_total",
			Help:      "Finished job executions by status",
		},
		[]string{"job", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toonrank",
			Subsystem: "batch",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of job executions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"job"},
	)

	// MangaUpdatesRequestsTotal counts reference API calls by endpoint and status code.
	MangaUpdatesRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toonrank",
			Subsystem: "mangaupdates",
			Name:      "requests_total",
			Help:      "Outbound MangaUpdates requests by endpoint and status",
		},
		[]string{"endpoint", "status_code"},
	)

	MangaUpdatesRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toonrank",
			Subsystem: "mangaupdates",
			Name:      "retries_total",
			Help:      "Retried MangaUpdates requests by endpoint",
		},
		[]string{"endpoint"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toonrank",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the outbound rate limiter",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"limiter"},
	)

	// SourceFetchesTotal counts scraper page fetches by source and result.
	SourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toonrank",
			Subsystem: "source",
			Name:      "fetches_total",
			Help:      "Source page fetches by source and result",
		},
		[]string{"source", "result"},
	)

	// UnresolvedTitlesTotal counts scraped titles that matched no work.
	UnresolvedTitlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toonrank",
			Subsystem: "source",
			Name:      "unresolved_titles_total",
			Help:      "Scraped titles skipped because no work matched",
		},
		[]string{"source"},
	)
)
