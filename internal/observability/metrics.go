package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Metrics holds all agent metrics
type Metrics struct {
	// Queue metrics
	OperationsEnqueued metric.Int64Counter
	OperationsPruned   metric.Int64Counter

	// Dispatcher metrics
	OperationsSynced   metric.Int64Counter
	OperationsFailed   metric.Int64Counter
	OperationRetries   metric.Int64Counter
	DispatchDuration   metric.Float64Histogram
	DrainCycleDuration metric.Float64Histogram

	// Dedup metrics
	ConflictsDetected metric.Int64Counter
	ConflictsResolved metric.Int64Counter
	DedupChecks       metric.Int64Counter

	// Connectivity metrics
	ConnectivityTransitions metric.Int64Counter
	ProbeFailures           metric.Int64Counter
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meterProvider metric.MeterProvider, serviceName string) (*Metrics, error) {
	meter := meterProvider.Meter(serviceName)

	operationsEnqueued, err := meter.Int64Counter(
		"sync_operations_enqueued_total",
		metric.WithDescription("Operations accepted into the local queue"),
	)
	if err != nil {
		return nil, err
	}

	operationsPruned, err := meter.Int64Counter(
		"sync_operations_pruned_total",
		metric.WithDescription("Terminal operations removed after the retention window"),
	)
	if err != nil {
		return nil, err
	}

	operationsSynced, err := meter.Int64Counter(
		"sync_operations_synced_total",
		metric.WithDescription("Operations acknowledged by the server"),
	)
	if err != nil {
		return nil, err
	}

	operationsFailed, err := meter.Int64Counter(
		"sync_operations_failed_total",
		metric.WithDescription("Operations that reached a terminal failure"),
	)
	if err != nil {
		return nil, err
	}

	operationRetries, err := meter.Int64Counter(
		"sync_operation_retries_total",
		metric.WithDescription("Dispatch attempts that were rescheduled with backoff"),
	)
	if err != nil {
		return nil, err
	}

	dispatchDuration, err := meter.Float64Histogram(
		"sync_dispatch_duration",
		metric.WithDescription("Server round-trip time per operation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	drainCycleDuration, err := meter.Float64Histogram(
		"sync_drain_cycle_duration",
		metric.WithDescription("Full drain cycle time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	conflictsDetected, err := meter.Int64Counter(
		"sync_conflicts_detected_total",
		metric.WithDescription("Duplicate-content conflicts awaiting a user decision"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"sync_conflicts_resolved_total",
		metric.WithDescription("Conflicts resolved by skip or force"),
	)
	if err != nil {
		return nil, err
	}

	dedupChecks, err := meter.Int64Counter(
		"sync_dedup_checks_total",
		metric.WithDescription("Duplicate-content checks performed"),
	)
	if err != nil {
		return nil, err
	}

	connectivityTransitions, err := meter.Int64Counter(
		"sync_connectivity_transitions_total",
		metric.WithDescription("Online/offline transitions after debounce"),
	)
	if err != nil {
		return nil, err
	}

	probeFailures, err := meter.Int64Counter(
		"sync_probe_failures_total",
		metric.WithDescription("Failed reachability probes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		OperationsEnqueued:      operationsEnqueued,
		OperationsPruned:        operationsPruned,
		OperationsSynced:        operationsSynced,
		OperationsFailed:        operationsFailed,
		OperationRetries:        operationRetries,
		DispatchDuration:        dispatchDuration,
		DrainCycleDuration:      drainCycleDuration,
		ConflictsDetected:       conflictsDetected,
		ConflictsResolved:       conflictsResolved,
		DedupChecks:             dedupChecks,
		ConnectivityTransitions: connectivityTransitions,
		ProbeFailures:           probeFailures,
	}, nil
}

// NewNopMetrics returns metrics bound to a no-op provider, for tests and
// for running with metrics disabled
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(sdkmetric.NewMeterProvider(), "field-sync-nop")
	return m
}

// InitMetricsProvider initializes the OTLP metrics exporter and provider
func InitMetricsProvider(ctx context.Context, endpoint string, serviceName string) (metric.MeterProvider, func() error, error) {
	if endpoint == "" {
		// No-op provider when no collector is configured
		provider := sdkmetric.NewMeterProvider()
		return provider, func() error { return nil }, nil
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(provider)

	return provider, func() error {
		return provider.Shutdown(ctx)
	}, nil
}
