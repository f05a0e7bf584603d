package membus

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/dealgrid/bus"
)

func TestPublishReachesGlobalAndOwnLocal(t *testing.T) {
	cluster := NewCluster(nil)
	a := cluster.Join("a")
	b := cluster.Join("b")

	var mu sync.Mutex
	got := map[string]int{}
	var wg sync.WaitGroup
	record := func(label string) bus.Handler {
		return func(ctx context.Context, msg bus.Message) ([]byte, error) {
			mu.Lock()
			got[label]++
			mu.Unlock()
			wg.Done()
			return nil, nil
		}
	}
	a.Subscribe("topic", bus.ScopeGlobal, record("a-global"))
	a.Subscribe("topic", bus.ScopeLocal, record("a-local"))
	b.Subscribe("topic", bus.ScopeGlobal, record("b-global"))
	b.Subscribe("topic", bus.ScopeLocal, record("b-local"))

	wg.Add(3)
	if err := a.Publish(context.Background(), "topic", bus.Text("hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if got["a-global"] != 1 || got["a-local"] != 1 || got["b-global"] != 1 || got["b-local"] != 0 {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestRequestOutcomes(t *testing.T) {
	cluster := NewCluster(nil)
	a := cluster.Join("a")
	b := cluster.Join("b")

	_, err := a.Request(context.Background(), "nobody", bus.Message{})
	if !bus.IsNoHandlers(err) {
		t.Fatalf("expected no handlers, got %v", err)
	}

	b.Subscribe("local-only", bus.ScopeLocal, func(context.Context, bus.Message) ([]byte, error) { return []byte("x"), nil })
	_, err = a.Request(context.Background(), "local-only", bus.Message{})
	if !bus.IsNoHandlers(err) {
		t.Fatalf("remote local subscription must be invisible, got %v", err)
	}

	b.Subscribe("echo", bus.ScopeGlobal, func(ctx context.Context, msg bus.Message) ([]byte, error) {
		return []byte(msg.Origin + ":" + msg.Header("k") + ":" + msg.Text()), nil
	})
	reply, err := a.Request(context.Background(), "echo", bus.Message{Headers: map[string]string{"k": "v"}, Body: []byte("body")})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Text() != "a:v:body" {
		t.Fatalf("unexpected reply %q", reply.Text())
	}

	b.Subscribe("silent", bus.ScopeGlobal, func(context.Context, bus.Message) ([]byte, error) { return nil, bus.ErrNoReply })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Request(ctx, "silent", bus.Message{})
	if !bus.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCloseDetachesNode(t *testing.T) {
	cluster := NewCluster(nil)
	a := cluster.Join("a")
	b := cluster.Join("b")
	b.Subscribe("x", bus.ScopeGlobal, func(context.Context, bus.Message) ([]byte, error) { return []byte("b"), nil })
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := a.Request(context.Background(), "x", bus.Message{}); !bus.IsNoHandlers(err) {
		t.Fatalf("expected no handlers after close, got %v", err)
	}
	if err := b.Publish(context.Background(), "x", bus.Message{}); err != bus.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
