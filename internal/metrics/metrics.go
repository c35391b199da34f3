// Package metrics exposes the pipeline's OpenTelemetry instruments.
// Without an SDK wired in the host process every call is a no-op, so
// the pipeline records unconditionally.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("skillmill.pipeline")

var (
	phaseLatency   metric.Float64Histogram
	runLatency     metric.Float64Histogram
	runsTotal      metric.Int64Counter
	docsTotal      metric.Int64Counter
	oracleTotal    metric.Int64Counter
	clustersTotal  metric.Int64Counter
	gatesTotal     metric.Int64Counter
	bundlesWritten metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		phaseLatency, err = meter.Float64Histogram(
			"pipeline_phase_duration_seconds",
			metric.WithDescription("Duration of one pipeline phase"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runLatency, err = meter.Float64Histogram(
			"pipeline_run_duration_seconds",
			metric.WithDescription("Duration of one full pipeline run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runsTotal, err = meter.Int64Counter(
			"pipeline_runs_total",
			metric.WithDescription("Total pipeline runs by final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		docsTotal, err = meter.Int64Counter(
			"pipeline_documents_total",
			metric.WithDescription("Documents seen by the pipeline, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		oracleTotal, err = meter.Int64Counter(
			"pipeline_oracle_calls_total",
			metric.WithDescription("Oracle calls by oracle name and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		clustersTotal, err = meter.Int64Counter(
			"pipeline_cluster_events_total",
			metric.WithDescription("Cluster lifecycle events by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		gatesTotal, err = meter.Int64Counter(
			"pipeline_quality_gates_total",
			metric.WithDescription("Quality gate evaluations by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		bundlesWritten, err = meter.Int64Counter(
			"pipeline_bundles_written_total",
			metric.WithDescription("Skill bundles written to disk"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// RecordPhase records the duration and outcome of one pipeline phase.
func RecordPhase(ctx context.Context, phase string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	phaseLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.Bool("success", err == nil),
	))
}

// RecordRun records a finished pipeline run.
func RecordRun(ctx context.Context, status string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	runLatency.Record(ctx, d.Seconds(), attrs)
	runsTotal.Add(ctx, 1, attrs)
}

// AddDocs counts documents by outcome (parsed, unchanged, excluded).
func AddDocs(ctx context.Context, outcome string, n int) {
	if n == 0 || initMetrics() != nil {
		return
	}
	docsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AddOracleCalls counts oracle traffic for one pass.
func AddOracleCalls(ctx context.Context, oracle string, calls, failures int) {
	if initMetrics() != nil {
		return
	}
	if ok := calls - failures; ok > 0 {
		oracleTotal.Add(ctx, int64(ok), metric.WithAttributes(
			attribute.String("oracle", oracle),
			attribute.String("outcome", "success"),
		))
	}
	if failures > 0 {
		oracleTotal.Add(ctx, int64(failures), metric.WithAttributes(
			attribute.String("oracle", oracle),
			attribute.String("outcome", "failure"),
		))
	}
}

// AddClusterEvents counts cluster lifecycle events (created, merged,
// split, dirty).
func AddClusterEvents(ctx context.Context, kind string, n int) {
	if n == 0 || initMetrics() != nil {
		return
	}
	clustersTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// AddGateResults counts quality gate outcomes for one run.
func AddGateResults(ctx context.Context, passed, failed int) {
	if initMetrics() != nil {
		return
	}
	if passed > 0 {
		gatesTotal.Add(ctx, int64(passed), metric.WithAttributes(attribute.String("result", "passed")))
	}
	if failed > 0 {
		gatesTotal.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
	}
}

// AddBundles counts skill bundles written.
func AddBundles(ctx context.Context, n int) {
	if n == 0 || initMetrics() != nil {
		return
	}
	bundlesWritten.Add(ctx, int64(n))
}
