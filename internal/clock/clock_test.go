package clock_test

import (
	"testing"
	"time"

	"pkt.systems/dealgrid/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestOrRealFallsBack(t *testing.T) {
	t.Parallel()

	if _, ok := clock.OrReal(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	if clock.OrReal(manual) != clock.Clock(manual) {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	manual := clock.NewManual(start)
	early := manual.After(time.Second)
	late := manual.After(5 * time.Second)
	if manual.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", manual.Pending())
	}
	manual.Advance(2 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if since := clock.Since(manual, start); since != 2*time.Second {
		t.Fatalf("unexpected Since: %v", since)
	}
}

func TestManualWaitPending(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	go func() {
		time.Sleep(10 * time.Millisecond)
		manual.After(time.Minute)
	}()
	if !manual.WaitPending(1, time.Second) {
		t.Fatal("expected a pending timer")
	}
	if manual.WaitPending(2, 20*time.Millisecond) {
		t.Fatal("did not expect a second timer")
	}
}
