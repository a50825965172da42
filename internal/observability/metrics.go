package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/owulveryck/agentrelay/internal/presence"
)

// MetricsManager owns the relay instruments.
type MetricsManager struct {
	meter metric.Meter

	// Envelope metrics
	envelopesIngestedTotal metric.Int64Counter
	envelopesRoutedTotal   metric.Int64Counter
	hopForwardsTotal       metric.Int64Counter
	hopDuration            metric.Float64Histogram
	duplicatesDroppedTotal metric.Int64Counter
	hopErrorsTotal         metric.Int64Counter

	// Presence metrics
	registryTransitionsTotal metric.Int64Counter
	snapshotsSentTotal       metric.Int64Counter
	snapshotsDroppedTotal    metric.Int64Counter
	observers                metric.Int64UpDownCounter
	connections              metric.Int64UpDownCounter
	reconnectAttemptsTotal   metric.Int64Counter

	// System metrics
	goGoroutines         metric.Int64Gauge
	goMemstatsAllocBytes metric.Int64Gauge
	processMemoryBytes   metric.Int64Gauge
}

// NewMetricsManager creates every instrument on meter.
func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&mm.envelopesIngestedTotal, "envelopes_ingested_total", "Total number of envelopes accepted at ingress"},
		{&mm.envelopesRoutedTotal, "envelopes_routed_total", "Total number of routing decisions by outcome"},
		{&mm.hopForwardsTotal, "hop_forwards_total", "Total number of envelopes forwarded by a pipeline hop"},
		{&mm.duplicatesDroppedTotal, "duplicates_dropped_total", "Total number of redelivered envelopes dropped by a hop"},
		{&mm.hopErrorsTotal, "hop_errors_total", "Total number of failed forwards left for redelivery"},
		{&mm.registryTransitionsTotal, "registry_transitions_total", "Total number of presence registry transitions"},
		{&mm.snapshotsSentTotal, "status_snapshots_total", "Total number of status snapshots enqueued for observers"},
		{&mm.snapshotsDroppedTotal, "status_snapshots_dropped_total", "Total number of status snapshots dropped for slow observers"},
		{&mm.reconnectAttemptsTotal, "reconnect_attempts_total", "Total number of client reconnect attempts"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
	}

	mm.hopDuration, err = meter.Float64Histogram(
		"hop_duration_seconds",
		metric.WithDescription("Time spent forwarding an envelope to the next hop"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.observers, err = meter.Int64UpDownCounter(
		"status_observers",
		metric.WithDescription("Number of subscribed status observers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.connections, err = meter.Int64UpDownCounter(
		"live_connections",
		metric.WithDescription("Number of live client connections"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64Gauge(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64Gauge(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.processMemoryBytes, err = meter.Int64Gauge(
		"process_memory_bytes",
		metric.WithDescription("Bytes of memory obtained from the OS"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Envelope metrics methods
func (mm *MetricsManager) IncrementIngested(ctx context.Context, kind, source string) {
	mm.envelopesIngestedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("source", source),
	))
}

// IncrementRouted counts a routing decision by outcome.
func (mm *MetricsManager) IncrementRouted(ctx context.Context, status string) {
	mm.envelopesRoutedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordForward implements pipeline.Recorder.
func (mm *MetricsManager) RecordForward(ctx context.Context, hop string, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("hop", hop))
	mm.hopForwardsTotal.Add(ctx, 1, attrs)
	mm.hopDuration.Record(ctx, took.Seconds(), attrs)
}

// RecordDuplicate implements pipeline.Recorder.
func (mm *MetricsManager) RecordDuplicate(ctx context.Context, hop string) {
	mm.duplicatesDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hop", hop),
	))
}

// RecordHopError implements pipeline.Recorder.
func (mm *MetricsManager) RecordHopError(ctx context.Context, hop, reason string) {
	mm.hopErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hop", hop),
		attribute.String("error", reason),
	))
}

// Presence metrics methods

// Changed implements presence.Notifier.
func (mm *MetricsManager) Changed(c presence.Change) {
	to := c.Record.State.String()
	if c.Removed {
		to = "removed"
	}
	mm.registryTransitionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from_state", c.From.String()),
		attribute.String("to_state", to),
	))
}

// SnapshotSent implements status.Recorder.
func (mm *MetricsManager) SnapshotSent(audience, kind string) {
	mm.snapshotsSentTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("audience", audience),
		attribute.String("kind", kind),
	))
}

// SnapshotDropped implements status.Recorder.
func (mm *MetricsManager) SnapshotDropped(audience string) {
	mm.snapshotsDroppedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("audience", audience),
	))
}

// ObserverAdded tracks a new status observer.
func (mm *MetricsManager) ObserverAdded(ctx context.Context, audience string) {
	mm.observers.Add(ctx, 1, metric.WithAttributes(attribute.String("audience", audience)))
}

func (mm *MetricsManager) ObserverRemoved(ctx context.Context, audience string) {
	mm.observers.Add(ctx, -1, metric.WithAttributes(attribute.String("audience", audience)))
}

// ConnectionOpened tracks a live connection per transport.
func (mm *MetricsManager) ConnectionOpened(ctx context.Context, transport string) {
	mm.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

func (mm *MetricsManager) ConnectionClosed(ctx context.Context, transport string) {
	mm.connections.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}

// IncrementReconnectAttempts counts a client retry.
func (mm *MetricsManager) IncrementReconnectAttempts(ctx context.Context, component string) {
	mm.reconnectAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
	))
}

// System metrics methods
func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Record(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Record(ctx, int64(m.Alloc))
	mm.processMemoryBytes.Record(ctx, int64(m.Sys))
}

// Helper method to start timing an operation
func (mm *MetricsManager) StartTimer() func(ctx context.Context, hop string) {
	start := time.Now()
	return func(ctx context.Context, hop string) {
		mm.hopDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("hop", hop),
		))
	}
}
