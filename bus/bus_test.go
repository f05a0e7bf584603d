package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func reply(body string) Handler {
	return func(context.Context, Message) ([]byte, error) { return []byte(body), nil }
}

func TestRegistryScopesAndRotation(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Add("", ScopeGlobal, reply("x")); err == nil {
		t.Fatal("expected empty address error")
	}
	if _, err := reg.Add("a", ScopeGlobal, nil); err == nil {
		t.Fatal("expected nil handler error")
	}
	reg.Add("a", ScopeLocal, reply("local"))
	reg.Add("a", ScopeGlobal, reply("g1"))
	sub, _ := reg.Add("a", ScopeGlobal, reply("g2"))

	if got := len(reg.Handlers("a", false)); got != 2 {
		t.Fatalf("expected 2 global handlers, got %d", got)
	}
	if got := len(reg.Handlers("a", true)); got != 3 {
		t.Fatalf("expected 3 handlers with local, got %d", got)
	}
	seen := map[string]int{}
	for range 4 {
		h, ok := reg.Pick("a", false)
		if !ok {
			t.Fatal("expected a handler")
		}
		body, _ := h(context.Background(), Message{})
		seen[string(body)]++
	}
	if seen["g1"] != 2 || seen["g2"] != 2 || seen["local"] != 0 {
		t.Fatalf("unexpected rotation %v", seen)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()
	if got := len(reg.Handlers("a", false)); got != 1 {
		t.Fatalf("expected 1 global handler after unsubscribe, got %d", got)
	}
	reg.Clear()
	if reg.Has("a", true) || len(reg.Addresses()) != 0 {
		t.Fatal("expected empty registry after clear")
	}
}

func TestDeliverClassifiesOutcomes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	body, err := Deliver(ctx, nil, reply("ok"), Message{Address: "x"})
	if err != nil || string(body) != "ok" {
		t.Fatalf("unexpected reply %q %v", body, err)
	}

	_, err = Deliver(ctx, nil, func(context.Context, Message) ([]byte, error) {
		return nil, Fail("interlock_held", "held by %s", "E002")
	}, Message{Address: "x"})
	if !IsRecipientFailure(err) || CodeOf(err) != "interlock_held" {
		t.Fatalf("expected coded recipient failure, got %v", err)
	}

	_, err = Deliver(ctx, nil, func(context.Context, Message) ([]byte, error) {
		panic("boom")
	}, Message{Address: "x"})
	if !IsRecipientFailure(err) {
		t.Fatalf("expected recipient failure for panic, got %v", err)
	}

	_, err = Deliver(ctx, nil, func(context.Context, Message) ([]byte, error) {
		return nil, ErrNoReply
	}, Message{Address: "x"})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout for no reply, got %v", err)
	}
}

func TestFailureHelpers(t *testing.T) {
	err := NoHandlersError("apis.version")
	if !IsNoHandlers(err) || IsTimeout(err) || IsRecipientFailure(err) {
		t.Fatalf("unexpected classification for %v", err)
	}
	if _, ok := FailureOf(errors.New("plain")); ok {
		t.Fatal("plain errors are not classified")
	}
	wrapped := RecipientError("a", errors.New("disk full"))
	if wrapped.Code != "recipient_failure" || wrapped.Error() != "bus: RECIPIENT_FAILURE on a: recipient_failure: disk full" {
		t.Fatalf("unexpected error %q", wrapped.Error())
	}
}

func TestWithRequestTimeout(t *testing.T) {
	ctx, cancel := WithRequestTimeout(context.Background(), time.Second)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > time.Second {
		t.Fatalf("unexpected deadline %v %v", deadline, ok)
	}
	parent, cancelParent := context.WithTimeout(context.Background(), time.Hour)
	defer cancelParent()
	child, cancelChild := WithRequestTimeout(parent, time.Second)
	defer cancelChild()
	if d, _ := child.Deadline(); time.Until(d) < time.Minute {
		t.Fatal("existing deadline must be kept")
	}
}

func TestAddresses(t *testing.T) {
	if UnitHelo("E001") != "apis.E001.helo" || DealInterlock("E001") != "apis.E001.Mediator.interlock.deal" || UnitShutdown("E001") != "apis.E001.shutdown" {
		t.Fatal("unexpected per-unit addresses")
	}
}
