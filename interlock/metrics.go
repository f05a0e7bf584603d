package interlock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type interlockMetrics struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
}

func newInterlockMetrics(logger pslog.Logger) *interlockMetrics {
	meter := otel.Meter("pkt.systems/dealgrid/interlock")
	m := &interlockMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"dealgrid.interlock.request",
		metric.WithDescription("Interlock requests served by command and outcome"),
	)
	logMetricInitError(logger, "dealgrid.interlock.request", err)

	m.retries, err = meter.Int64Counter(
		"dealgrid.interlock.retry",
		metric.WithDescription("Interlock requests retried after a timeout"),
	)
	logMetricInitError(logger, "dealgrid.interlock.retry", err)
	return m
}

func (m *interlockMetrics) recordRequest(command, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("dealgrid.interlock.command", command),
		attribute.String("dealgrid.interlock.outcome", outcome),
	))
}

func (m *interlockMetrics) recordRetry(command string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("dealgrid.interlock.command", command)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
