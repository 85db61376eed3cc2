// Package telemetry instruments event dispatch and credential renewal with
// OpenTelemetry counters.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DropReason labels why a queued event left the queue without delivery.
type DropReason string

const (
	DropExpired       DropReason = "expired"
	DropUnrecoverable DropReason = "unrecoverable"
	DropRetryCeiling  DropReason = "retry_ceiling"
)

// Metrics records dispatch outcomes. A nil receiver is safe and records
// nothing.
type Metrics struct {
	delivered     metric.Int64Counter
	dropped       metric.Int64Counter
	retried       metric.Int64Counter
	drainDuration metric.Float64Histogram
	renewals      metric.Int64Counter
}

// NewMetrics registers the dispatch instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter("beam.dispatch")
	m := &Metrics{}

	m.delivered, _ = meter.Int64Counter("beam_events_delivered_total",
		metric.WithDescription("Queued events successfully delivered to the backend"),
		metric.WithUnit("{event}"))

	m.dropped, _ = meter.Int64Counter("beam_events_dropped_total",
		metric.WithDescription("Queued events discarded without delivery"),
		metric.WithUnit("{event}"))

	m.retried, _ = meter.Int64Counter("beam_events_retried_total",
		metric.WithDescription("Delivery attempts that failed recoverably and were requeued"),
		metric.WithUnit("{attempt}"))

	m.drainDuration, _ = meter.Float64Histogram("beam_queue_drain_duration",
		metric.WithDescription("Wall time of a single queue drain pass"),
		metric.WithUnit("ms"))

	m.renewals, _ = meter.Int64Counter("beam_token_renewals_total",
		metric.WithDescription("Credential renewal attempts by outcome"),
		metric.WithUnit("{renewal}"))

	return m
}

func (m *Metrics) RecordDelivered(ctx context.Context, eventType string) {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *Metrics) RecordDropped(ctx context.Context, eventType string, reason DropReason) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ensureContext(ctx), 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("reason", string(reason))))
}

func (m *Metrics) RecordRetried(ctx context.Context, eventType string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *Metrics) RecordDrain(ctx context.Context, elapsed time.Duration) {
	if m == nil || m.drainDuration == nil {
		return
	}
	if elapsed < 0 {
		elapsed = 0
	}
	m.drainDuration.Record(ensureContext(ctx), float64(elapsed.Milliseconds()))
}

func (m *Metrics) RecordRenewal(ctx context.Context, result string) {
	if m == nil || m.renewals == nil {
		return
	}
	m.renewals.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
