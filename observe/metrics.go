package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics records engine activity: evictions, sync outcomes, optimistic
// resolutions, recovery retries and circuit transitions.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: recording must not panic; failures are swallowed.
type Metrics struct {
	evictedEntries metric.Int64Counter
	evictedBytes   metric.Int64Counter
	syncTotal      metric.Int64Counter
	syncFailed     metric.Int64Counter
	conflictsTotal metric.Int64Counter
	syncDuration   metric.Float64Histogram
	rollbacksTotal metric.Int64Counter
	confirmsTotal  metric.Int64Counter
	retriesTotal   metric.Int64Counter
	circuitChanges metric.Int64Counter
}

// NewMetrics creates engine metrics on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.evictedEntries, err = meter.Int64Counter(
		"cache.evicted.entries",
		metric.WithDescription("Entries removed by eviction"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.evictedBytes, err = meter.Int64Counter(
		"cache.evicted.bytes",
		metric.WithDescription("Bytes freed by eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.syncTotal, err = meter.Int64Counter(
		"cache.sync.total",
		metric.WithDescription("Entries reconciled with the server"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.syncFailed, err = meter.Int64Counter(
		"cache.sync.failed",
		metric.WithDescription("Entries whose reconciliation failed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.conflictsTotal, err = meter.Int64Counter(
		"cache.sync.conflicts",
		metric.WithDescription("Conflicts resolved during reconciliation"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, err
	}

	if m.syncDuration, err = meter.Float64Histogram(
		"cache.sync.duration_ms",
		metric.WithDescription("Duration of sync batches in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.rollbacksTotal, err = meter.Int64Counter(
		"cache.optimistic.rollbacks",
		metric.WithDescription("Optimistic operations rolled back"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.confirmsTotal, err = meter.Int64Counter(
		"cache.optimistic.confirms",
		metric.WithDescription("Optimistic operations confirmed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.retriesTotal, err = meter.Int64Counter(
		"recovery.retries",
		metric.WithDescription("Retry attempts issued by error recovery"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.circuitChanges, err = meter.Int64Counter(
		"recovery.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns metrics backed by a noop meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

// RecordCleanup records an eviction pass.
func (m *Metrics) RecordCleanup(ctx context.Context, strategy, reason string, entries int, bytes int64) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("reason", reason),
	)
	m.evictedEntries.Add(ctx, int64(entries), opt)
	m.evictedBytes.Add(ctx, bytes, opt)
}

// RecordSync records the outcome of a sync batch.
func (m *Metrics) RecordSync(ctx context.Context, synced, failed, conflicts int, d time.Duration) {
	if m == nil {
		return
	}
	m.syncTotal.Add(ctx, int64(synced))
	m.syncFailed.Add(ctx, int64(failed))
	m.conflictsTotal.Add(ctx, int64(conflicts))
	m.syncDuration.Record(ctx, float64(d.Milliseconds()))
}

// RecordRollback records an optimistic rollback with its trigger.
func (m *Metrics) RecordRollback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConfirm records an optimistic confirmation.
func (m *Metrics) RecordConfirm(ctx context.Context) {
	if m == nil {
		return
	}
	m.confirmsTotal.Add(ctx, 1)
}

// RecordRetry records a retry attempt for a recovery context.
func (m *Metrics) RecordRetry(ctx context.Context, recoveryContext string) {
	if m == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("context", recoveryContext)))
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, recoveryContext, from, to string) {
	if m == nil {
		return
	}
	m.circuitChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("context", recoveryContext),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
