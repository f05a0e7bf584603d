package dealgrid

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/bus/membus"
	"pkt.systems/dealgrid/deal"
	"pkt.systems/dealgrid/dealset"
	"pkt.systems/dealgrid/fault"
	"pkt.systems/dealgrid/interlock"
	"pkt.systems/dealgrid/internal/logtest"
	"pkt.systems/pslog"
)

func testConfig(t *testing.T, unit string) Config {
	t.Helper()
	return Config{
		UnitID:              unit,
		LockFile:            filepath.Join(t.TempDir(), ".dealgrid.%s.lock"),
		HeloPeriod:          time.Hour,
		InterlockTimeout:    time.Second,
		VersionCheckTimeout: 200 * time.Millisecond,
	}
}

func startTestNode(t *testing.T, cluster *membus.Cluster, nodeID string, cfg Config, opts ...Option) *Node {
	t.Helper()
	n, err := newTestNode(t, cluster, nodeID, cfg, opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", nodeID, err)
	}
	t.Cleanup(func() {
		if err := n.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown %s: %v", nodeID, err)
		}
	})
	return n
}

func newTestNode(t *testing.T, cluster *membus.Cluster, nodeID string, cfg Config, opts ...Option) (*Node, error) {
	t.Helper()
	opts = append([]Option{WithBus(cluster.Join(nodeID)), WithVersion("v1.0.0")}, opts...)
	return NewNode(cfg, opts...)
}

func waitHalt(t *testing.T, n *Node) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("node %s did not halt", n.UnitID())
	}
}

func TestNodeLeaderAndDealInterlock(t *testing.T) {
	cluster := membus.NewCluster(nil)
	leaderCfg := testConfig(t, "E001")
	leaderCfg.Leader = true
	a := startTestNode(t, cluster, "E001", leaderCfg)
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))
	ctx := context.Background()

	got, err := b.Helo().WhoIsLeader(ctx)
	if err != nil {
		t.Fatalf("who is leader: %v", err)
	}
	if got != "E001" {
		t.Fatalf("expected E001 as leader, got %q", got)
	}
	if !a.Helo().IsLeader() || b.Helo().IsLeader() {
		t.Fatalf("unexpected leader flags")
	}

	d, err := deal.New(deal.Params{Type: deal.DirectionCharge, RequestUnitID: "E002", AcceptUnitID: "E001", DealAmountWh: 500}, time.Now())
	if err != nil {
		t.Fatalf("new deal: %v", err)
	}
	if err := b.Deals().Add(d); err != nil {
		t.Fatalf("add deal: %v", err)
	}
	if err := b.Deals().Update(ctx, d.ID, func(d *deal.Deal) error { return d.Activate(time.Now()) }); err != nil {
		t.Fatalf("update under interlock: %v", err)
	}
	// A competing holder is refused while b holds the deal.
	err = b.Interlock().WithDeal(ctx, d, func(ctx context.Context, d *deal.Deal) error {
		return a.Interlock().AcquireDeal(ctx, d)
	})
	if !interlock.IsHeld(err) {
		t.Fatalf("expected competing acquire to be refused, got %v", err)
	}
}

func TestNodeRefusesSecondLeader(t *testing.T) {
	cluster := membus.NewCluster(nil)
	cfg := testConfig(t, "E001")
	cfg.Leader = true
	startTestNode(t, cluster, "E001", cfg)

	second := testConfig(t, "E002")
	second.Leader = true
	n, err := newTestNode(t, cluster, "E002", second)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrLeaderTaken) {
		t.Fatalf("expected ErrLeaderTaken, got %v", err)
	}
}

func TestNodeRefusesVersionMismatch(t *testing.T) {
	cluster := membus.NewCluster(nil)
	startTestNode(t, cluster, "E001", testConfig(t, "E001"))

	n, err := newTestNode(t, cluster, "E002", testConfig(t, "E002"), WithVersion("v2.0.0"))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	skip := testConfig(t, "E003")
	skip.SkipVersionCheck = true
	startTestNode(t, cluster, "E003", skip, WithVersion("v2.0.0"))
}

func TestNodeShutdownServices(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := startTestNode(t, cluster, "E001", testConfig(t, "E001"))
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))

	reply, err := b.Bus().Request(context.Background(), bus.UnitShutdown("E001"), bus.Text("maintenance"))
	if err != nil {
		t.Fatalf("shutdown request: %v", err)
	}
	if reply.Text() != ReplyOK {
		t.Fatalf("unexpected reply %q", reply.Text())
	}
	waitHalt(t, a)
	if !strings.Contains(a.HaltReason(), "maintenance") {
		t.Fatalf("unexpected halt reason %q", a.HaltReason())
	}
	select {
	case <-b.Done():
		t.Fatalf("unit shutdown halted the requester")
	default:
	}

	if err := b.ShutdownCluster(context.Background(), "all hands"); err != nil {
		t.Fatalf("shutdown all: %v", err)
	}
	waitHalt(t, b)
}

func TestNodeLocalShutdownIsNodeScoped(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := startTestNode(t, cluster, "E001", testConfig(t, "E001"))
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))
	if _, err := b.Bus().Request(context.Background(), bus.ShutdownLocal, bus.Message{}); err != nil {
		t.Fatalf("local shutdown: %v", err)
	}
	waitHalt(t, b)
	select {
	case <-a.Done():
		t.Fatalf("local shutdown reached another node")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNodeLogLevelService(t *testing.T) {
	cluster := membus.NewCluster(nil)
	capture := logtest.New()
	a := startTestNode(t, cluster, "E001", testConfig(t, "E001"), WithLogger(capture), WithLogLevel(pslog.WarnLevel))
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))
	ctx := context.Background()

	waitLevels := func(want map[*Node]pslog.Level) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			done := true
			for n, level := range want {
				if n.LogLevel() != level {
					done = false
				}
			}
			if done {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("levels not applied: E001=%v E002=%v", a.LogLevel(), b.LogLevel())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := b.Bus().Publish(ctx, bus.LogLevel, bus.Text("error")); err != nil {
		t.Fatalf("publish level: %v", err)
	}
	waitLevels(map[*Node]pslog.Level{a: pslog.ErrorLevel, b: pslog.ErrorLevel})
	before := capture.Count("node.reset")
	if err := a.ResetLocal(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if capture.Count("node.reset") != before {
		t.Fatalf("warn entry logged at error level")
	}

	_, err := b.Bus().Request(ctx, bus.LogLevel, bus.Text("loud"))
	if bus.CodeOf(err) != CodeBadLevel {
		t.Fatalf("expected bad level refusal, got %v", err)
	}

	if err := b.Bus().Publish(ctx, bus.LogLevel, bus.Message{}); err != nil {
		t.Fatalf("publish restore: %v", err)
	}
	waitLevels(map[*Node]pslog.Level{a: pslog.WarnLevel, b: pslog.InfoLevel})
	if err := a.ResetLocal(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if capture.Count("node.reset") != before+1 {
		t.Fatalf("warn entry missing after restore")
	}
}

func TestNodeResetReleasesInterlocks(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := startTestNode(t, cluster, "E001", testConfig(t, "E001"))
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))
	ctx := context.Background()

	d, err := deal.New(deal.Params{Type: deal.DirectionDischarge, RequestUnitID: "E001", AcceptUnitID: "E002"}, time.Now())
	if err != nil {
		t.Fatalf("new deal: %v", err)
	}
	if err := a.Interlock().AcquireDeal(ctx, d); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := b.Interlock().AcquireDeal(ctx, d); !interlock.IsHeld(err) {
		t.Fatalf("expected held, got %v", err)
	}

	reply, err := a.Bus().Request(ctx, bus.ResetLocal, bus.Message{})
	if err != nil {
		t.Fatalf("reset local: %v", err)
	}
	if reply.Text() != "E001" {
		t.Fatalf("unexpected reset reply %q", reply.Text())
	}
	// E002 still holds its side until the cluster-wide reset.
	if err := b.Interlock().AcquireDeal(ctx, d); !interlock.IsHeld(err) {
		t.Fatalf("expected E002 side still held, got %v", err)
	}
	if err := a.ResetCluster(ctx); err != nil {
		t.Fatalf("reset all: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := b.Interlock().AcquireDeal(ctx, d)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deal still held after cluster reset: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNodeHaltsOnLocalFatalFault(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := startTestNode(t, cluster, "E001", testConfig(t, "E001"))
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))

	a.Faults().Report(context.Background(), fault.CategoryHardware, fault.ExtentLocal, fault.LevelFatal, "battery fire")
	waitHalt(t, a)
	if !strings.Contains(a.HaltReason(), "battery fire") {
		t.Fatalf("unexpected halt reason %q", a.HaltReason())
	}
	select {
	case <-b.Done():
		t.Fatalf("local fatal fault of E001 halted E002")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaderTurnsGlobalFatalIntoClusterShutdown(t *testing.T) {
	cluster := membus.NewCluster(nil)
	cfg := testConfig(t, "E001")
	cfg.Leader = true
	a := startTestNode(t, cluster, "E001", cfg)
	b := startTestNode(t, cluster, "E002", testConfig(t, "E002"))

	b.Faults().Report(context.Background(), fault.CategoryFramework, fault.ExtentGlobal, fault.LevelFatal, "grid voltage lost")
	waitHalt(t, a)
	waitHalt(t, b)
}

func TestNodeFaultStopsDeals(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := startTestNode(t, cluster, "E001", testConfig(t, "E001"))
	startTestNode(t, cluster, "E002", testConfig(t, "E002"))
	ctx := context.Background()

	d, err := deal.New(deal.Params{Type: deal.DirectionDischarge, RequestUnitID: "E001", AcceptUnitID: "E002"}, time.Now())
	if err != nil {
		t.Fatalf("new deal: %v", err)
	}
	if err := a.Deals().Add(d); err != nil {
		t.Fatalf("add: %v", err)
	}
	a.Faults().Report(ctx, fault.CategoryHardware, fault.ExtentLocal, fault.LevelError, "dcdc overcurrent")
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := a.Deals().Get(d.ID)
		if got.IsNeedToStop() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deal was not asked to stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNodeHaltsOnDuplicateUnit(t *testing.T) {
	cluster := membus.NewCluster(nil)
	first := startTestNode(t, cluster, "node-1", testConfig(t, "E001"))
	second := startTestNode(t, cluster, "node-2", testConfig(t, "E001"))

	if err := first.Helo().Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	waitHalt(t, second)
	if !strings.Contains(second.HaltReason(), first.SessionID()) {
		t.Fatalf("halt reason should name the foreign session: %q", second.HaltReason())
	}
}

func TestNodeDisposesToSink(t *testing.T) {
	cluster := membus.NewCluster(nil)
	saved := make(chan string, 1)
	sink := dealset.SinkFunc(func(ctx context.Context, d *deal.Deal) error {
		saved <- d.ID
		return nil
	})
	n, err := newTestNode(t, cluster, "E001", testConfig(t, "E001"), WithDealSink(sink))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	d, err := deal.New(deal.Params{Type: deal.DirectionDischarge, RequestUnitID: "E001", AcceptUnitID: "E002"}, time.Now())
	if err != nil {
		t.Fatalf("new deal: %v", err)
	}
	now := time.Now()
	for _, step := range []func(time.Time) error{d.Activate, d.WarmUp, d.Start, d.Stop, d.Deactivate} {
		if err := step(now); err != nil {
			t.Fatalf("drive deal: %v", err)
		}
	}
	if err := n.Deals().Add(d); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Shutdown runs a final disposal pass.
	if err := n.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case id := <-saved:
		if id != d.ID {
			t.Fatalf("unexpected deal saved %q", id)
		}
	default:
		t.Fatalf("deal not handed to sink on shutdown")
	}
	if n.Deals().Len() != 0 {
		t.Fatalf("deal left in working set")
	}
}
