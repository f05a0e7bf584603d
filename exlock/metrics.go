package exlock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type exlockMetrics struct {
	acquires metric.Int64Counter
	resets   metric.Int64Counter
	warnings metric.Int64Counter
	waiters  metric.Int64ObservableGauge
}

func newExlockMetrics(logger pslog.Logger, mgr *Manager) *exlockMetrics {
	meter := otel.Meter("pkt.systems/dealgrid/exlock")
	m := &exlockMetrics{}
	var err error

	m.acquires, err = meter.Int64Counter(
		"dealgrid.exlock.acquire",
		metric.WithDescription("Local exclusive lock grants and failures by outcome"),
	)
	logMetricInitError(logger, "dealgrid.exlock.acquire", err)

	m.resets, err = meter.Int64Counter(
		"dealgrid.exlock.reset",
		metric.WithDescription("Local exclusive lock names reset"),
	)
	logMetricInitError(logger, "dealgrid.exlock.reset", err)

	m.warnings, err = meter.Int64Counter(
		"dealgrid.exlock.watchdog_warn",
		metric.WithDescription("Held-lock watchdog warnings"),
	)
	logMetricInitError(logger, "dealgrid.exlock.watchdog_warn", err)

	m.waiters, err = meter.Int64ObservableGauge(
		"dealgrid.exlock.waiters",
		metric.WithDescription("Requests queued across all lock names"),
	)
	logMetricInitError(logger, "dealgrid.exlock.waiters", err)

	if m.waiters != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.waiters, mgr.totalWaiting())
			return nil
		}, m.waiters); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "dealgrid.exlock.waiters", "error", err)
		}
	}
	return m
}

func (m *exlockMetrics) recordAcquire(outcome string) {
	if m == nil || m.acquires == nil {
		return
	}
	m.acquires.Add(context.Background(), 1, metric.WithAttributes(attribute.String("dealgrid.exlock.outcome", outcome)))
}

func (m *exlockMetrics) recordReset() {
	if m == nil || m.resets == nil {
		return
	}
	m.resets.Add(context.Background(), 1)
}

func (m *exlockMetrics) recordWatchdogWarn() {
	if m == nil || m.warnings == nil {
		return
	}
	m.warnings.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
