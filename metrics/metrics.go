// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics declares the engine's metrics, and provides typed
// accessors for them. Metrics are emitted to the Client carried by a
// context; without one, the accessors return no-op metrics.
package metrics

import "context"

var (
	// Counters declares the engine's counters.
	Counters = map[string]CounterOpts{
		"cell_updates_count": {
			Help: "Count of cell checksum changes.",
		},
		"macro_evaluations_count": {
			Help: "Count of macro subgraph rewrites.",
		},
		"macro_elided_count": {
			Help: "Count of macro subgraph rewrites served by the elision cache.",
		},
		"worker_exceptions_count": {
			Help:   "Count of worker code invocations that failed.",
			Labels: []string{"kind"},
		},
		"worker_invocations_count": {
			Help:   "Count of worker code invocations.",
			Labels: []string{"kind"},
		},
	}
	// Gauges declares the engine's gauges.
	Gauges = map[string]GaugeOpts{
		"equilibrate_pending": {
			Help: "Units of work in flight at the last equilibrate progress report.",
		},
	}
	// Histograms declares the engine's histograms.
	Histograms = map[string]HistogramOpts{
		"worker_invocation_latency_seconds": {
			Help:    "Worker code invocation latency in seconds.",
			Labels:  []string{"kind"},
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	}
)

// GetCellUpdatesCounter returns a Counter to set metric cell_updates_count (count of cell checksum changes).
func GetCellUpdatesCounter(ctx context.Context) Counter {
	return getCounter(ctx, "cell_updates_count", nil)
}

// GetMacroEvaluationsCounter returns a Counter to set metric macro_evaluations_count (count of macro subgraph rewrites).
func GetMacroEvaluationsCounter(ctx context.Context) Counter {
	return getCounter(ctx, "macro_evaluations_count", nil)
}

// GetMacroElidedCounter returns a Counter to set metric macro_elided_count.
func GetMacroElidedCounter(ctx context.Context) Counter {
	return getCounter(ctx, "macro_elided_count", nil)
}

// GetWorkerExceptionsCounter returns a Counter to set metric worker_exceptions_count.
func GetWorkerExceptionsCounter(ctx context.Context, kind string) Counter {
	return getCounter(ctx, "worker_exceptions_count", map[string]string{"kind": kind})
}

// GetWorkerInvocationsCounter returns a Counter to set metric worker_invocations_count.
func GetWorkerInvocationsCounter(ctx context.Context, kind string) Counter {
	return getCounter(ctx, "worker_invocations_count", map[string]string{"kind": kind})
}

// GetEquilibratePendingGauge returns a Gauge to set metric equilibrate_pending.
func GetEquilibratePendingGauge(ctx context.Context) Gauge {
	return getGauge(ctx, "equilibrate_pending", nil)
}

// GetWorkerInvocationLatencySecondsHistogram returns a Histogram to set metric worker_invocation_latency_seconds.
func GetWorkerInvocationLatencySecondsHistogram(ctx context.Context, kind string) Histogram {
	return getHistogram(ctx, "worker_invocation_latency_seconds", map[string]string{"kind": kind})
}
