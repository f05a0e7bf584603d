package helo

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/bus/membus"
	"pkt.systems/dealgrid/fault"
	"pkt.systems/dealgrid/internal/clock"
)

type dupRecorder struct {
	mu   sync.Mutex
	dups []Duplicate
	ch   chan Duplicate
}

func newDupRecorder() *dupRecorder {
	return &dupRecorder{ch: make(chan Duplicate, 16)}
}

func (r *dupRecorder) record(ctx context.Context, dup Duplicate) {
	r.mu.Lock()
	r.dups = append(r.dups, dup)
	r.mu.Unlock()
	r.ch <- dup
}

func (r *dupRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dups)
}

func (r *dupRecorder) wait(t *testing.T) Duplicate {
	t.Helper()
	select {
	case dup := <-r.ch:
		return dup
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for duplicate detection")
		return Duplicate{}
	}
}

func newTestService(t *testing.T, node bus.Bus, unit string, rec *dupRecorder) *Service {
	t.Helper()
	cfg := Config{UnitID: unit, Bus: node, Period: -1}
	if rec != nil {
		cfg.OnDuplicate = rec.record
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func TestEmptyProbeRepliesUnitID(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := newTestService(t, cluster.Join("n1"), "E001", nil)
	b := newTestService(t, cluster.Join("n2"), "E002", nil)

	got, err := b.WhoIs(context.Background(), "E001")
	if err != nil {
		t.Fatalf("who is: %v", err)
	}
	if got != "E001" {
		t.Fatalf("expected E001, got %q", got)
	}
	if _, err := a.WhoIs(context.Background(), "E404"); !bus.IsNoHandlers(err) {
		t.Fatalf("expected no handlers for unknown unit, got %v", err)
	}
}

func TestOwnSessionIsIgnored(t *testing.T) {
	rec := newDupRecorder()
	svc := newTestService(t, membus.Single("n1", nil), "E001", rec)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.bus.Request(ctx, bus.UnitHelo("E001"), bus.Text(svc.SessionID()))
	if !bus.IsTimeout(err) {
		t.Fatalf("own session must get no reply, got %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("own session reported as duplicate")
	}
}

func TestDuplicateUnitDetectedOncePerSession(t *testing.T) {
	cluster := membus.NewCluster(nil)
	recA, recB := newDupRecorder(), newDupRecorder()
	nodeA, nodeB := cluster.Join("n1"), cluster.Join("n2")

	var faults sync.WaitGroup
	faults.Add(2)
	var mu sync.Mutex
	var records []fault.Record
	collector := fault.NewCollector(cluster.Join("observer"), "E000", nil)
	collector.SetLeader(true)
	collector.OnRecord(func(ctx context.Context, rec fault.Record) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
		faults.Done()
	})
	if err := collector.Start(); err != nil {
		t.Fatalf("collector start: %v", err)
	}
	defer collector.Stop()

	a := newTestService(t, nodeA, "E001", recA)
	b := newTestService(t, nodeB, "E001", recB)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := a.Announce(ctx); err != nil {
			t.Fatalf("announce a: %v", err)
		}
		if err := b.Announce(ctx); err != nil {
			t.Fatalf("announce b: %v", err)
		}
	}

	dupA := recA.wait(t)
	dupB := recB.wait(t)
	if dupA.Session != b.SessionID() || dupB.Session != a.SessionID() {
		t.Fatalf("unexpected sessions: a saw %q, b saw %q", dupA.Session, dupB.Session)
	}
	if dupA.Identity != "E001" || dupA.Address != bus.UnitHelo("E001") {
		t.Fatalf("unexpected duplicate: %+v", dupA)
	}
	faults.Wait()
	time.Sleep(50 * time.Millisecond)
	if recA.count() != 1 || recB.count() != 1 {
		t.Fatalf("expected one detection per side, got %d and %d", recA.count(), recB.count())
	}
	if len(a.Duplicates()) != 1 {
		t.Fatalf("expected one recorded duplicate, got %+v", a.Duplicates())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(records) != 2 {
		t.Fatalf("expected two fatal records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Level != fault.LevelFatal || rec.Extent != fault.ExtentGlobal || rec.Category != fault.CategoryFramework {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
}

func TestLeaderAddressFollowsRole(t *testing.T) {
	cluster := membus.NewCluster(nil)
	a := newTestService(t, cluster.Join("n1"), "E001", nil)
	b := newTestService(t, cluster.Join("n2"), "E002", nil)
	ctx := context.Background()

	if _, err := b.WhoIsLeader(ctx); !bus.IsNoHandlers(err) {
		t.Fatalf("expected no leader yet, got %v", err)
	}
	if err := a.SetLeader(true); err != nil {
		t.Fatalf("set leader: %v", err)
	}
	got, err := b.WhoIsLeader(ctx)
	if err != nil {
		t.Fatalf("who is leader: %v", err)
	}
	if got != "E001" {
		t.Fatalf("expected E001 as leader, got %q", got)
	}
	if err := a.SetLeader(false); err != nil {
		t.Fatalf("resign: %v", err)
	}
	if a.IsLeader() {
		t.Fatalf("still leader after resign")
	}
	if _, err := b.WhoIsLeader(ctx); !bus.IsNoHandlers(err) {
		t.Fatalf("expected no leader after resign, got %v", err)
	}
}

func TestDuplicateLeaderDetected(t *testing.T) {
	cluster := membus.NewCluster(nil)
	rec := newDupRecorder()
	a := newTestService(t, cluster.Join("n1"), "E001", rec)
	b := newTestService(t, cluster.Join("n2"), "E002", nil)
	if err := a.SetLeader(true); err != nil {
		t.Fatalf("a leader: %v", err)
	}
	if err := b.SetLeader(true); err != nil {
		t.Fatalf("b leader: %v", err)
	}
	if err := b.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	dup := rec.wait(t)
	if dup.Identity != "leader" || dup.Address != bus.LeaderHelo || dup.Session != b.SessionID() {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
}

func TestAnnouncerRunsOnClock(t *testing.T) {
	cluster := membus.NewCluster(nil)
	seen := make(chan string, 4)
	sub, err := cluster.Join("watcher").Subscribe(bus.UnitHelo("E001"), bus.ScopeGlobal, func(ctx context.Context, msg bus.Message) ([]byte, error) {
		seen <- msg.Text()
		return nil, bus.ErrNoReply
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	svc, err := NewService(Config{UnitID: "E001", Bus: cluster.Join("n1"), Clock: clk, Period: 5 * time.Second})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	for i := 0; i < 2; i++ {
		if !clk.WaitPending(1, 2*time.Second) {
			t.Fatalf("announcer did not arm its timer")
		}
		clk.Advance(5 * time.Second)
		select {
		case got := <-seen:
			if got != svc.SessionID() {
				t.Fatalf("unexpected announcement %q", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no announcement after tick %d", i+1)
		}
	}
}
