package dealset

import (
	"context"
	"fmt"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/deal"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Sink receives deals leaving the working set.
type Sink interface {
	Save(ctx context.Context, d *deal.Deal) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d *deal.Deal) error

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, d *deal.Deal) error { return f(ctx, d) }

// BusSink publishes deals on the deal log address, where the persistence
// service picks them up.
type BusSink struct {
	Bus bus.Bus
}

// Save publishes d.
func (s BusSink) Save(ctx context.Context, d *deal.Deal) error {
	body, err := bus.Encode(d)
	if err != nil {
		return fmt.Errorf("encode deal %s: %w", d.ID, err)
	}
	return s.Bus.Publish(ctx, bus.DealLog, bus.Message{Body: body})
}

// LogSink writes deals to the log only.
type LogSink struct {
	Logger pslog.Logger
}

// Save logs d.
func (s LogSink) Save(ctx context.Context, d *deal.Deal) error {
	svcfields.WithSubsystem(s.Logger, "dealset").Info("dealset.saved",
		"deal_id", d.ID,
		"state", string(d.State()),
		"discharge", d.DischargeUnitID,
		"charge", d.ChargeUnitID,
		"amount_wh", d.DealAmountWh,
		"resets", d.NumberOfResets(),
		"aborts", d.NumberOfAborts(),
	)
	return nil
}
