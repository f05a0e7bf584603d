package keepalive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/logtest"
)

func TestNewValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "  ", "ftp://example.com", "http://", "::nope"} {
		if _, err := New(Config{URL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	p, err := New(Config{URL: "http://127.0.0.1:9/alive"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.period != DefaultPeriod || p.timeout != DefaultTimeout {
		t.Fatalf("defaults not applied: %v %v", p.period, p.timeout)
	}
}

func TestPingStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := p.Ping(context.Background()); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestLoopPingsOnClockAndLogsFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	logger := logtest.New()
	p, err := New(Config{URL: srv.URL, HTTPClient: srv.Client(), Clock: clk, Logger: logger})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start(context.Background())
	defer p.Stop()

	tick := func(want int32) {
		t.Helper()
		if !clk.WaitPending(1, 2*time.Second) {
			t.Fatalf("loop did not arm its timer")
		}
		clk.Advance(DefaultPeriod)
		deadline := time.Now().Add(2 * time.Second)
		for hits.Load() < want {
			if time.Now().After(deadline) {
				t.Fatalf("expected %d pings, got %d", want, hits.Load())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	tick(1)
	if !clk.WaitPending(1, 2*time.Second) {
		t.Fatalf("loop did not re-arm")
	}
	if p.LastError() == nil {
		t.Fatalf("expected failure recorded")
	}
	if logger.Count("keepalive.ping.failed") != 1 {
		t.Fatalf("expected one failure log")
	}
	tick(2)
	if !clk.WaitPending(1, 2*time.Second) {
		t.Fatalf("loop did not re-arm")
	}
	if p.LastError() != nil {
		t.Fatalf("expected recovery, got %v", p.LastError())
	}
	if logger.Count("keepalive.ping.recovered") != 1 {
		t.Fatalf("expected recovery log")
	}
}
