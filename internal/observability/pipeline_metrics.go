package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds instruments for the ask/direct-sql pipeline.
type PipelineMetrics struct {
	requestCounter    metric.Int64Counter
	requestDuration   metric.Float64Histogram
	stageDuration     metric.Float64Histogram
	activeRequests    metric.Int64UpDownCounter
	adapterWarnings   metric.Int64Counter
	recoveryCounter   metric.Int64Counter
	enrichmentLookups metric.Int64Counter
	resultRows        metric.Int64Histogram
}

// InitPipelineMetrics registers the pipeline instruments.
func InitPipelineMetrics(logger *slog.Logger) (*PipelineMetrics, error) {
	meter := otel.Meter("sql-agent")

	requestCounter, err := meter.Int64Counter(
		"pipeline.requests.total",
		metric.WithDescription("Total number of pipeline runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"pipeline.request.duration",
		metric.WithDescription("Duration of pipeline runs in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	stageDuration, err := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Duration of individual pipeline stages in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"pipeline.requests.active",
		metric.WithDescription("Number of in-flight pipeline runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	adapterWarnings, err := meter.Int64Counter(
		"pipeline.adapter.warnings.total",
		metric.WithDescription("Total number of warnings produced while adapting SQL"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter warnings counter: %w", err)
	}

	recoveryCounter, err := meter.Int64Counter(
		"pipeline.recoveries.total",
		metric.WithDescription("Total number of recovery attempts after failed execution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery counter: %w", err)
	}

	enrichmentLookups, err := meter.Int64Counter(
		"pipeline.enrichment.lookups.total",
		metric.WithDescription("Total number of batched foreign key lookups"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment lookup counter: %w", err)
	}

	resultRows, err := meter.Int64Histogram(
		"pipeline.result.rows",
		metric.WithDescription("Number of rows returned to the caller"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create result rows histogram: %w", err)
	}

	logger.Info("pipeline metrics initialized")
	return &PipelineMetrics{
		requestCounter:    requestCounter,
		requestDuration:   requestDuration,
		stageDuration:     stageDuration,
		activeRequests:    activeRequests,
		adapterWarnings:   adapterWarnings,
		recoveryCounter:   recoveryCounter,
		enrichmentLookups: enrichmentLookups,
		resultRows:        resultRows,
	}, nil
}

// RecordRequest records a finished run. Outcome is one of success,
// recovered or failed.
func (m *PipelineMetrics) RecordRequest(ctx context.Context, operation, outcome string, duration time.Duration, rows int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.requestCounter.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.resultRows.Record(ctx, int64(rows), metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordStage records the duration of one pipeline stage.
func (m *PipelineMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// RecordAdapterWarnings counts warnings emitted for one statement.
func (m *PipelineMetrics) RecordAdapterWarnings(ctx context.Context, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.adapterWarnings.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("statement_kind", kind),
	))
}

// RecordRecovery counts a recovery attempt and whether it produced rows.
func (m *PipelineMetrics) RecordRecovery(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.recoveryCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordEnrichmentLookup counts one batched lookup against a related table.
func (m *PipelineMetrics) RecordEnrichmentLookup(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.enrichmentLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// IncrementActiveRequests increments the in-flight gauge
func (m *PipelineMetrics) IncrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the in-flight gauge
func (m *PipelineMetrics) DecrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, -1)
}
