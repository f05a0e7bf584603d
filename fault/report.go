package fault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/internal/callsite"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

const pkgPath = "pkt.systems/dealgrid/fault"

// DefaultRetain is how many retained records a Collector keeps for
// inspection.
const DefaultRetain = 128

// Reporter publishes records raised on this node.
type Reporter struct {
	bus     bus.Bus
	unitID  string
	logger  pslog.Logger
	metrics *faultMetrics
}

// NewReporter returns a Reporter that stamps records with unitID.
func NewReporter(b bus.Bus, unitID string, logger pslog.Logger) *Reporter {
	logger = svcfields.WithSubsystem(logger, "fault")
	return &Reporter{bus: b, unitID: unitID, logger: logger, metrics: newFaultMetrics(logger)}
}

// Report builds a record from the caller's location and publishes it to the
// cluster. Publishing is fire-and-forget; a transport error is logged.
func (r *Reporter) Report(ctx context.Context, category Category, extent Extent, level Level, format string, args ...any) Record {
	rec := Record{
		UnitID:   r.unitID,
		Category: category,
		Extent:   extent,
		Level:    level,
		Message:  fmt.Sprintf(format, args...),
		Frame:    FrameFrom(callsite.Outside(pkgPath)),
	}.Normalize()
	r.publish(ctx, rec)
	return rec
}

// ReportError publishes err. Classified errors keep their classification;
// anything else is reported as a local FRAMEWORK error of this unit.
func (r *Reporter) ReportError(ctx context.Context, err error) Record {
	if err == nil {
		return Record{}
	}
	fe, ok := As(err)
	if !ok {
		fe = Wrap(err, r.unitID, CategoryFramework, ExtentLocal, LevelError)
	}
	if fe.UnitID == "" {
		fe.UnitID = r.unitID
	}
	rec := fe.ToRecord(FrameFrom(callsite.Outside(pkgPath)))
	r.publish(ctx, rec)
	return rec
}

func (r *Reporter) publish(ctx context.Context, rec Record) {
	logRecord(r.logger, "fault.report", rec)
	r.metrics.recordReported(ctx, rec)
	if r.bus == nil {
		return
	}
	body, err := bus.Encode(rec)
	if err != nil {
		r.logger.Warn("fault.report.encode_failed", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, bus.ErrorReports, bus.Message{Body: body}); err != nil {
		r.logger.Warn("fault.report.publish_failed", "error", err)
	}
}

func logRecord(logger pslog.Logger, msg string, rec Record) {
	fields := []any{"record", rec.LogMessage(), "category", string(rec.Category), "extent", string(rec.Extent), "level", string(rec.Level), "origin", rec.UnitID}
	switch rec.Level {
	case LevelFatal, LevelError:
		logger.Error(msg, fields...)
	case LevelWarn:
		logger.Warn(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}

// HandlerFunc receives records a Collector retained.
type HandlerFunc func(ctx context.Context, rec Record)

// Collector consumes cluster error reports and keeps the ones this node is
// responsible for: GLOBAL records while it is leader, and LOCAL records
// about its own unit. Records with an unknown extent are treated as GLOBAL.
type Collector struct {
	bus     bus.Bus
	unitID  string
	logger  pslog.Logger
	leader  atomic.Bool
	metrics *faultMetrics

	mu       sync.Mutex
	handlers []HandlerFunc
	recent   []Record
	limit    int
	sub      bus.Subscription
}

// NewCollector returns a stopped Collector for unitID.
func NewCollector(b bus.Bus, unitID string, logger pslog.Logger) *Collector {
	logger = svcfields.WithSubsystem(logger, "fault.collector")
	return &Collector{bus: b, unitID: unitID, logger: logger, limit: DefaultRetain, metrics: newFaultMetrics(logger)}
}

// SetLeader switches GLOBAL retention on or off.
func (c *Collector) SetLeader(leader bool) {
	c.leader.Store(leader)
}

// OnRecord registers h for retained records.
func (c *Collector) OnRecord(h HandlerFunc) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Start subscribes to the error address.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}
	sub, err := c.bus.Subscribe(bus.ErrorReports, bus.ScopeGlobal, c.handle)
	if err != nil {
		return fmt.Errorf("fault: subscribe: %w", err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes.
func (c *Collector) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Retains reports whether rec is this node's responsibility.
func (c *Collector) Retains(rec Record) bool {
	switch rec.Extent {
	case ExtentLocal:
		return rec.UnitID == c.unitID
	default:
		return c.leader.Load()
	}
}

// Recent returns the most recently retained records, oldest first.
func (c *Collector) Recent() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.recent...)
}

func (c *Collector) handle(ctx context.Context, msg bus.Message) ([]byte, error) {
	var rec Record
	if err := bus.Decode(msg.Body, &rec); err != nil {
		c.logger.Warn("fault.collector.decode_failed", "origin", msg.Origin, "error", err)
		return nil, nil
	}
	c.Accept(ctx, rec)
	return nil, nil
}

// Accept applies the retention rule to rec and dispatches it when retained.
// It reports whether the record was retained.
func (c *Collector) Accept(ctx context.Context, rec Record) bool {
	rec = rec.Normalize()
	if !c.Retains(rec) {
		return false
	}
	logRecord(c.logger, "fault.retained", rec)
	c.metrics.recordRetained(ctx, rec)
	c.mu.Lock()
	c.recent = append(c.recent, rec)
	if len(c.recent) > c.limit {
		c.recent = c.recent[len(c.recent)-c.limit:]
	}
	handlers := append([]HandlerFunc(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ctx, rec)
	}
	return true
}
