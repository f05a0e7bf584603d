package fault

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type faultMetrics struct {
	reported metric.Int64Counter
	retained metric.Int64Counter
}

func newFaultMetrics(logger pslog.Logger) *faultMetrics {
	meter := otel.Meter("pkt.systems/dealgrid/fault")
	m := &faultMetrics{}
	var err error

	m.reported, err = meter.Int64Counter(
		"dealgrid.fault.reported",
		metric.WithDescription("Error records raised by this node"),
	)
	logMetricInitError(logger, "dealgrid.fault.reported", err)

	m.retained, err = meter.Int64Counter(
		"dealgrid.fault.retained",
		metric.WithDescription("Error records this node retained for handling"),
	)
	logMetricInitError(logger, "dealgrid.fault.retained", err)
	return m
}

func recordAttrs(rec Record) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("dealgrid.fault.category", string(rec.Category)),
		attribute.String("dealgrid.fault.extent", string(rec.Extent)),
		attribute.String("dealgrid.fault.level", string(rec.Level)),
	)
}

func (m *faultMetrics) recordReported(ctx context.Context, rec Record) {
	if m == nil || m.reported == nil {
		return
	}
	m.reported.Add(metricContext(ctx), 1, recordAttrs(rec))
}

func (m *faultMetrics) recordRetained(ctx context.Context, rec Record) {
	if m == nil || m.retained == nil {
		return
	}
	m.retained.Add(metricContext(ctx), 1, recordAttrs(rec))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
