// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus collectors for the image
// pipeline. Collectors are package-level promauto values so every
// component records into the same registry without wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ns = "imgvault"

var (
	// RequestsTotal counts served image requests by resolving tier.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "requests_total",
		Help:      "Image requests served, labelled by cache tier",
	}, []string{"tier"})

	// UpstreamFetchesTotal counts origin GETs actually issued.
	UpstreamFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "upstream_fetches_total",
		Help:      "Origin fetches issued (cache misses that reached upstream)",
	})

	// UpstreamErrorsTotal counts failed origin fetches by machine code.
	UpstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "upstream_errors_total",
		Help:      "Failed origin fetches, labelled by error code",
	}, []string{"code"})

	// OptimizeFailuresTotal counts optimizer errors. Each one means a
	// request fell back to the original bytes.
	OptimizeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "optimize_failures_total",
		Help:      "Optimizer failures that fell back to original bytes",
	})

	// SingleflightFollowersTotal counts requests that reused another
	// request's in-flight fetch.
	SingleflightFollowersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "singleflight_followers_total",
		Help:      "Requests coalesced onto an in-flight fetch for the same key",
	})

	// WriteQueueDropsTotal counts cache writes dropped because the
	// background queue was full.
	WriteQueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "write_queue_drops_total",
		Help:      "Background cache writes dropped due to a full queue",
	})

	// WriteQueueDepth tracks the backlog of pending cache writes.
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "write_queue_depth",
		Help:      "Pending background cache writes",
	})

	// StorageWriteFailuresTotal counts failed persistent-store writes.
	// These degrade the cache, not the response.
	StorageWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "storage_write_failures_total",
		Help:      "Persistent store writes that failed after a successful fetch",
	})

	// PurgesTotal counts explicit cache purges by outcome.
	PurgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "purges_total",
		Help:      "Cache purges by prefix, labelled by outcome",
	}, []string{"outcome"})
)
