package dealgrid

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/bus/httpbus"
	"pkt.systems/dealgrid/dealset"
	"pkt.systems/dealgrid/exlock"
	"pkt.systems/dealgrid/fault"
	"pkt.systems/dealgrid/filelock"
	"pkt.systems/dealgrid/helo"
	"pkt.systems/dealgrid/interlock"
	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/keepalive"
	"pkt.systems/dealgrid/internal/loglevel"
	"pkt.systems/dealgrid/internal/startup"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/dealgrid/internal/version"
	"pkt.systems/pslog"
)

// ReplyOK is the reply body of the shutdown services.
const ReplyOK = "ok"

// CodeBadLevel is returned by the log level service for unknown levels.
const CodeBadLevel = "bad_level"

// CodeResetFailed is returned by the reset services when a lock could not be
// released.
const CodeResetFailed = "reset_failed"

// ErrVersionMismatch is returned by Start when a running peer reports a
// different build.
var ErrVersionMismatch = errors.New("dealgrid: cluster version mismatch")

// ErrLeaderTaken is returned when claiming leadership while another unit
// answers as leader.
var ErrLeaderTaken = errors.New("dealgrid: leader already present")

// Option customises a Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	logger    pslog.Logger
	logLevel  *pslog.Level
	bus       bus.Bus
	clock     clock.Clock
	sink      dealset.Sink
	version   string
	sessionID string
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *nodeOptions) { o.logger = logger }
}

// WithLogLevel sets the level the node logs at and returns to when the log
// level service receives an empty level. Defaults to info.
func WithLogLevel(level pslog.Level) Option {
	return func(o *nodeOptions) { o.logLevel = &level }
}

// WithBus runs the node on b instead of an HTTP bus. The caller owns b.
func WithBus(b bus.Bus) Option {
	return func(o *nodeOptions) { o.bus = b }
}

// WithClock injects the clock used by timers and watchdogs.
func WithClock(c clock.Clock) Option {
	return func(o *nodeOptions) { o.clock = c }
}

// WithDealSink overrides the sink selected by Config.DealSink.
func WithDealSink(s dealset.Sink) Option {
	return func(o *nodeOptions) { o.sink = s }
}

// WithVersion overrides the build version reported to peers.
func WithVersion(v string) Option {
	return func(o *nodeOptions) { o.version = v }
}

// WithSessionID fixes the helo session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *nodeOptions) { o.sessionID = id }
}

// Node is one running member of a dealgrid cluster: the coordination
// services of a single energy-storage unit.
type Node struct {
	cfg       Config
	logger    pslog.Logger
	level     *loglevel.Switch
	clock     clock.Clock
	version   string
	sessionID string

	bus     bus.Bus
	httpBus *httpbus.Bus
	server  *http.Server
	ln      net.Listener

	locks        *exlock.Manager
	files        *filelock.Locker
	reporter     *fault.Reporter
	collector    *fault.Collector
	helo         *helo.Service
	interlockSvc *interlock.Service
	interlock    *interlock.Client
	deals        *dealset.Set
	keepalive    *keepalive.Pinger
	telemetry    *telemetryBundle

	mu          sync.Mutex
	running     *startup.Running
	subs        []bus.Subscription
	disposeStop chan struct{}
	disposeDone sync.WaitGroup
	haltReason  string

	halted   chan struct{}
	haltOnce sync.Once
}

// NewNode validates cfg and assembles a stopped node.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := nodeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	initial := pslog.InfoLevel
	if o.logLevel != nil {
		initial = *o.logLevel
	}
	level := loglevel.New(initial)
	logger := svcfields.WithUnit(level.Wrap(o.logger), cfg.UnitID)
	n := &Node{
		cfg:       cfg,
		level:     level,
		logger:    svcfields.WithSubsystem(logger, "node"),
		clock:     clock.OrReal(o.clock),
		version:   o.version,
		sessionID: strings.TrimSpace(o.sessionID),
		halted:    make(chan struct{}),
	}
	if n.version == "" {
		n.version = version.Current()
	}
	if n.sessionID == "" {
		n.sessionID = xid.New().String()
	}

	if o.bus != nil {
		n.bus = o.bus
	} else {
		hb, err := httpbus.New(httpbus.Config{
			NodeID:         cfg.UnitID,
			Peers:          cfg.Peers,
			RequestTimeout: cfg.RequestTimeout,
			TLSConfig:      cfg.TLSConfig,
			Tracing:        strings.TrimSpace(cfg.OTLPEndpoint) != "",
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		n.bus = hb
		n.httpBus = hb
	}

	n.locks = exlock.NewManager(
		exlock.WithLogger(logger),
		exlock.WithClock(n.clock),
		exlock.WithWarnThreshold(cfg.LockWarnThreshold),
	)
	if !cfg.DisableFileLocks {
		files, err := filelock.New(filelock.Config{PathFormat: cfg.LockFile, Guard: n.locks, Logger: logger})
		if err != nil {
			return nil, err
		}
		n.files = files
	}

	n.reporter = fault.NewReporter(n.bus, cfg.UnitID, logger)
	n.collector = fault.NewCollector(n.bus, cfg.UnitID, logger)
	n.collector.OnRecord(n.onFault)

	var err error
	n.interlockSvc, err = interlock.NewService(interlock.Config{
		UnitID: cfg.UnitID,
		Bus:    n.bus,
		Locks:  n.locks,
		Files:  n.files,
		Clock:  n.clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	n.interlock, err = interlock.NewClient(interlock.ClientConfig{
		Holder:         cfg.UnitID,
		Bus:            n.bus,
		Attempts:       cfg.InterlockAttempts,
		RetryDelay:     cfg.InterlockRetryDelay,
		RequestTimeout: cfg.InterlockTimeout,
		Clock:          n.clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	sink := o.sink
	if sink == nil {
		switch cfg.DealSink {
		case DealSinkLog:
			sink = dealset.LogSink{Logger: logger}
		default:
			sink = dealset.BusSink{Bus: n.bus}
		}
	}
	n.deals = dealset.New(dealset.Config{Locker: n.interlock, Sink: sink, Clock: n.clock, Logger: logger})

	n.helo, err = helo.NewService(helo.Config{
		UnitID:      cfg.UnitID,
		SessionID:   n.sessionID,
		Bus:         n.bus,
		Reporter:    n.reporter,
		Period:      cfg.HeloPeriod,
		OnDuplicate: n.onDuplicate,
		Clock:       n.clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.KeepaliveURL != "" {
		n.keepalive, err = keepalive.New(keepalive.Config{
			URL:     cfg.KeepaliveURL,
			Period:  cfg.KeepalivePeriod,
			Timeout: cfg.KeepaliveTimeout,
			Clock:   n.clock,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Start runs the startup pipeline. On failure every started step is stopped
// again.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running != nil {
		n.mu.Unlock()
		return errors.New("dealgrid: node already started")
	}
	n.mu.Unlock()

	pipeline := startup.New(n.logger,
		startup.Step{Name: "telemetry", Start: n.startTelemetry, Stop: n.stopTelemetry},
		startup.Step{Name: "bus", Start: n.startBus, Stop: n.stopBus},
	)
	if !n.cfg.SkipVersionCheck {
		pipeline.Add(startup.Step{Name: "version-check", Start: n.checkVersion})
	}
	pipeline.Add(
		startup.Step{Name: "control", Start: n.startControl, Stop: n.stopControl},
		startup.Step{Name: "faults", Start: func(context.Context) error { return n.collector.Start() }, Stop: func(context.Context) error { n.collector.Stop(); return nil }},
		startup.Step{Name: "interlock", Start: func(context.Context) error { return n.interlockSvc.Start() }, Stop: func(context.Context) error { n.interlockSvc.Stop(); return nil }},
		startup.Step{Name: "helo", Start: n.helo.Start, Stop: func(context.Context) error { n.helo.Stop(); return nil }},
	)
	if n.cfg.Leader {
		pipeline.Add(startup.Step{Name: "leader", Start: n.ClaimLeadership, Stop: n.ResignLeadership})
	}
	pipeline.Add(startup.Step{Name: "deals", Start: n.startDisposal, Stop: n.stopDisposal})
	if n.keepalive != nil {
		pipeline.Add(startup.Step{
			Name:  "keepalive",
			Start: func(ctx context.Context) error { n.keepalive.Start(ctx); return nil },
			Stop:  func(context.Context) error { n.keepalive.Stop(); return nil },
		})
	}

	running, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.running = running
	n.mu.Unlock()
	n.logger.Info("node.started",
		"session", n.sessionID,
		"version", n.version,
		"leader", n.cfg.Leader,
		"steps", strings.Join(pipeline.Names(), ","),
	)
	return nil
}

// Shutdown stops every started component in reverse start order.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	running := n.running
	n.running = nil
	n.mu.Unlock()
	if running == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := running.Stop(ctx)
	n.logger.Info("node.stopped", "error", err)
	return err
}

// Halt stops normal operation. Done is closed and the reason kept; the
// owner is expected to call Shutdown.
func (n *Node) Halt(reason string) {
	n.haltOnce.Do(func() {
		n.mu.Lock()
		n.haltReason = reason
		n.mu.Unlock()
		n.logger.Error("node.halt", "reason", reason)
		close(n.halted)
	})
}

// Done is closed when the node halts.
func (n *Node) Done() <-chan struct{} { return n.halted }

// HaltReason returns why the node halted, or "" while running.
func (n *Node) HaltReason() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.haltReason
}

// UnitID returns the unit this node represents.
func (n *Node) UnitID() string { return n.cfg.UnitID }

// SessionID returns the helo session id of this run.
func (n *Node) SessionID() string { return n.sessionID }

// Version returns the build version reported to peers.
func (n *Node) Version() string { return n.version }

// Bus returns the node's bus.
func (n *Node) Bus() bus.Bus { return n.bus }

// Locks returns the local exclusive lock manager.
func (n *Node) Locks() *exlock.Manager { return n.locks }

// Files returns the cross-process lock file manager, nil when disabled.
func (n *Node) Files() *filelock.Locker { return n.files }

// Interlock returns the interlock client acting for this unit.
func (n *Node) Interlock() *interlock.Client { return n.interlock }

// Deals returns the working set of deals.
func (n *Node) Deals() *dealset.Set { return n.deals }

// Helo returns the identity service.
func (n *Node) Helo() *helo.Service { return n.helo }

// Faults returns the reporter used to publish fault records.
func (n *Node) Faults() *fault.Reporter { return n.reporter }

// Collector returns the fault collector.
func (n *Node) Collector() *fault.Collector { return n.collector }

// LogLevel returns the level the node currently logs at.
func (n *Node) LogLevel() pslog.Level { return n.level.Level() }

// SetLogLevel changes the level the node logs at.
func (n *Node) SetLogLevel(level pslog.Level) {
	n.level.Set(level)
	n.logger.Info("node.log_level", "level", pslog.LevelString(level))
}

// Addr returns the HTTP bus listener address, nil when the node runs on an
// injected bus or is not started.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// ClaimLeadership makes this node the cluster leader. It fails when another
// unit already answers on the leader address.
func (n *Node) ClaimLeadership(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, n.cfg.VersionCheckTimeout)
	current, err := n.helo.WhoIsLeader(probeCtx)
	cancel()
	switch {
	case err == nil && current != n.cfg.UnitID:
		return fmt.Errorf("%w: %s", ErrLeaderTaken, current)
	case err != nil && bus.IsTimeout(err):
		n.logger.Warn("node.leader.probe_timeout", "error", err)
	case err != nil && !bus.IsNoHandlers(err):
		return fmt.Errorf("dealgrid: probe leader: %w", err)
	}
	if _, err := n.interlock.AcquireLeader(ctx, n.cfg.UnitID); err != nil {
		return err
	}
	if err := n.helo.SetLeader(true); err != nil {
		_ = n.interlock.ReleaseLeader(context.WithoutCancel(ctx), n.cfg.UnitID)
		return err
	}
	n.collector.SetLeader(true)
	n.logger.Info("node.leader.claimed")
	return nil
}

// ResignLeadership gives up the leader role. Resigning while not leader is a
// no-op.
func (n *Node) ResignLeadership(ctx context.Context) error {
	if !n.helo.IsLeader() {
		return nil
	}
	n.collector.SetLeader(false)
	err := n.helo.SetLeader(false)
	if relErr := n.interlock.ReleaseLeader(ctx, n.cfg.UnitID); relErr != nil && !interlock.IsNotHeld(relErr) {
		err = errors.Join(err, relErr)
	}
	n.logger.Info("node.leader.resigned", "error", err)
	return err
}

// ResetLocal drops every interlock, file lock and local lock held on this
// node and fails everything waiting on them.
func (n *Node) ResetLocal(ctx context.Context) error {
	var errs []error
	if err := n.interlockSvc.Reset(); err != nil {
		errs = append(errs, err)
	}
	if n.files != nil {
		if err := n.files.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	n.locks.ResetAll()
	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn("node.reset.partial", "error", err)
	} else {
		n.logger.Warn("node.reset")
	}
	return err
}

// ResetCluster asks every node, this one included, to reset.
func (n *Node) ResetCluster(ctx context.Context) error {
	return n.bus.Publish(ctx, bus.ResetAll, bus.Message{})
}

// ShutdownCluster asks every node, this one included, to halt.
func (n *Node) ShutdownCluster(ctx context.Context, reason string) error {
	return n.bus.Publish(ctx, bus.ShutdownAll, bus.Text(reason))
}

func (n *Node) startTelemetry(ctx context.Context) error {
	bundle, err := setupTelemetry(ctx, n.cfg, svcfields.WithSubsystem(n.logger, "telemetry"), n.status)
	if err != nil {
		return err
	}
	n.telemetry = bundle
	return nil
}

func (n *Node) status() nodeStatus {
	st := nodeStatus{
		UnitID:    n.cfg.UnitID,
		Leader:    n.helo.IsLeader(),
		Deals:     n.deals.Len(),
		Holds:     len(n.interlockSvc.Holds()),
		LockNames: len(n.locks.Names()),
	}
	select {
	case <-n.halted:
		st.Halted = true
		st.HaltReason = n.HaltReason()
	default:
	}
	return st
}

func (n *Node) stopTelemetry(ctx context.Context) error {
	if n.telemetry == nil {
		return nil
	}
	return n.telemetry.Shutdown(ctx)
}

func (n *Node) startBus(ctx context.Context) error {
	if n.httpBus == nil {
		return nil
	}
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("dealgrid: listen %s: %w", n.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           n.httpBus.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	n.mu.Lock()
	n.ln = ln
	n.server = srv
	n.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("node.bus.serve_error", "error", err)
			n.Halt("bus listener failed: " + err.Error())
		}
	}()
	n.logger.Info("node.bus.listening", "address", ln.Addr().String(), "peers", len(n.httpBus.Peers()))
	return nil
}

func (n *Node) stopBus(ctx context.Context) error {
	if n.httpBus == nil {
		return nil
	}
	n.mu.Lock()
	srv := n.server
	n.server = nil
	n.mu.Unlock()
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := n.httpBus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (n *Node) checkVersion(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.VersionCheckTimeout)
	defer cancel()
	reply, err := n.bus.Request(ctx, bus.Version, bus.Message{})
	switch {
	case err == nil:
	case bus.IsNoHandlers(err):
		n.logger.Info("node.version.no_peers", "version", n.version)
		return nil
	case bus.IsTimeout(err):
		n.logger.Warn("node.version.probe_timeout", "error", err)
		return nil
	default:
		return fmt.Errorf("dealgrid: version probe: %w", err)
	}
	peer := reply.Text()
	if !version.Match(peer, n.version) {
		return fmt.Errorf("%w: cluster runs %s, this build is %s", ErrVersionMismatch, peer, n.version)
	}
	n.logger.Info("node.version.ok", "version", n.version)
	return nil
}

func (n *Node) startControl(ctx context.Context) error {
	type route struct {
		address string
		scope   bus.Scope
		handler bus.Handler
	}
	routes := []route{
		{bus.Version, bus.ScopeGlobal, n.handleVersion},
		{bus.ResetLocal, bus.ScopeLocal, n.handleReset},
		{bus.ResetAll, bus.ScopeGlobal, n.handleReset},
		{bus.ShutdownLocal, bus.ScopeLocal, n.handleShutdown},
		{bus.ShutdownAll, bus.ScopeGlobal, n.handleShutdown},
		{bus.UnitShutdown(n.cfg.UnitID), bus.ScopeGlobal, n.handleShutdown},
		{bus.LogLevel, bus.ScopeGlobal, n.handleLogLevel},
	}
	subs := make([]bus.Subscription, 0, len(routes))
	for _, r := range routes {
		sub, err := n.bus.Subscribe(r.address, r.scope, r.handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("dealgrid: subscribe %s: %w", r.address, err)
		}
		subs = append(subs, sub)
	}
	n.mu.Lock()
	n.subs = subs
	n.mu.Unlock()
	return nil
}

func (n *Node) stopControl(context.Context) error {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (n *Node) handleVersion(context.Context, bus.Message) ([]byte, error) {
	return []byte(n.version), nil
}

func (n *Node) handleReset(ctx context.Context, msg bus.Message) ([]byte, error) {
	n.logger.Warn("node.reset.requested", "address", msg.Address, "origin", msg.Origin)
	if err := n.ResetLocal(ctx); err != nil {
		return nil, bus.Fail(CodeResetFailed, "%v", err)
	}
	return []byte(n.cfg.UnitID), nil
}

func (n *Node) handleShutdown(ctx context.Context, msg bus.Message) ([]byte, error) {
	reason := "shutdown requested on " + msg.Address
	if text := strings.TrimSpace(msg.Text()); text != "" {
		reason += ": " + text
	}
	// Halt after the reply has been handed back to the bus.
	go n.Halt(reason)
	return []byte(ReplyOK), nil
}

func (n *Node) handleLogLevel(ctx context.Context, msg bus.Message) ([]byte, error) {
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		n.level.Restore()
		n.logger.Info("node.log_level.restored", "level", pslog.LevelString(n.level.Level()), "origin", msg.Origin)
		return []byte(ReplyOK), nil
	}
	level, ok := pslog.ParseLevel(text)
	if !ok {
		return nil, bus.Fail(CodeBadLevel, "unknown log level %q", text)
	}
	n.SetLogLevel(level)
	return []byte(ReplyOK), nil
}

func (n *Node) onFault(ctx context.Context, rec fault.Record) {
	if err := n.deals.HandleFault(ctx, rec); err != nil {
		n.logger.Warn("node.fault.deals_failed", "error", err)
	}
	if rec.Level != fault.LevelFatal {
		return
	}
	if rec.Extent == fault.ExtentLocal {
		n.Halt("fatal fault: " + rec.LogMessage())
		return
	}
	n.logger.Error("node.fault.cluster_shutdown", "record", rec.LogMessage())
	if err := n.ShutdownCluster(context.WithoutCancel(ctx), rec.LogMessage()); err != nil {
		n.logger.Error("node.fault.shutdown_publish_failed", "error", err)
		n.Halt("fatal fault: " + rec.LogMessage())
	}
}

func (n *Node) onDuplicate(ctx context.Context, dup helo.Duplicate) {
	n.Halt(fmt.Sprintf("duplicate %s detected on %s: foreign session %s", dup.Identity, dup.Address, dup.Session))
}

func (n *Node) startDisposal(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disposeStop != nil {
		return nil
	}
	stop := make(chan struct{})
	n.disposeStop = stop
	n.disposeDone.Add(1)
	loopCtx := context.WithoutCancel(ctx)
	go func() {
		defer n.disposeDone.Done()
		for {
			select {
			case <-stop:
				return
			case <-n.clock.After(n.cfg.DisposeInterval):
				n.dispose(loopCtx)
			}
		}
	}()
	return nil
}

func (n *Node) stopDisposal(ctx context.Context) error {
	n.mu.Lock()
	stop := n.disposeStop
	n.disposeStop = nil
	n.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	n.disposeDone.Wait()
	n.dispose(ctx)
	return nil
}

func (n *Node) dispose(ctx context.Context) {
	removed, err := n.deals.Dispose(ctx)
	if err != nil {
		n.logger.Warn("node.deals.dispose_failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		n.logger.Info("node.deals.disposed", "removed", removed, "remaining", n.deals.Len())
	}
}
