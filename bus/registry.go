package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Registry is the subscription table of one node. Transports embed it to
// resolve addresses to handlers.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	seq    uint64
	rr     map[string]uint64
	logger pslog.Logger
}

type subscription struct {
	id      uint64
	address string
	scope   Scope
	handler Handler
	reg     *Registry
	closed  atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger pslog.Logger) *Registry {
	return &Registry{
		subs:   make(map[string][]*subscription),
		rr:     make(map[string]uint64),
		logger: svcfields.WithSubsystem(logger, "bus.registry"),
	}
}

// Add registers h on address.
func (r *Registry) Add(address string, scope Scope, h Handler) (Subscription, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("bus: address required")
	}
	if h == nil {
		return nil, errors.New("bus: handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	sub := &subscription{id: r.seq, address: address, scope: scope, handler: h, reg: r}
	r.subs[address] = append(r.subs[address], sub)
	r.logger.Debug("bus.subscribe", "address", address, "scope", scope.String())
	return sub, nil
}

func (r *Registry) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[sub.address]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, sub.address)
		delete(r.rr, sub.address)
		return
	}
	r.subs[sub.address] = list
}

// Handlers returns every handler subscribed to address. Local subscriptions
// are included only when includeLocal is set.
func (r *Registry) Handlers(address string, includeLocal bool) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, sub := range r.subs[address] {
		if sub.scope == ScopeLocal && !includeLocal {
			continue
		}
		out = append(out, sub.handler)
	}
	return out
}

// Pick returns one handler for a request on address, rotating between
// subscribers on successive calls.
func (r *Registry) Pick(address string, includeLocal bool) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*subscription
	for _, sub := range r.subs[address] {
		if sub.scope == ScopeLocal && !includeLocal {
			continue
		}
		candidates = append(candidates, sub)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	n := r.rr[address]
	r.rr[address] = n + 1
	return candidates[n%uint64(len(candidates))].handler, true
}

// Has reports whether any handler is subscribed to address.
func (r *Registry) Has(address string, includeLocal bool) bool {
	return len(r.Handlers(address, includeLocal)) > 0
}

// Addresses returns the subscribed addresses, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.subs))
	for address := range r.subs {
		out = append(out, address)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.subs {
		for _, sub := range list {
			sub.closed.Store(true)
		}
	}
	r.subs = make(map[string][]*subscription)
	r.rr = make(map[string]uint64)
}

// Invoke runs h with panic recovery. A panic is reported as an error.
func Invoke(ctx context.Context, logger pslog.Logger, h Handler, msg Message) (body []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if logger != nil {
				logger.Error("bus.handler.panic", "address", msg.Address, "panic", rec, "stack", string(debug.Stack()))
			}
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg)
}

// Deliver invokes h for a request and classifies the outcome. It returns
// the reply body, or a *ReplyError.
func Deliver(ctx context.Context, logger pslog.Logger, h Handler, msg Message) ([]byte, error) {
	type outcome struct {
		body []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		body, err := Invoke(ctx, logger, h, msg)
		done <- outcome{body: body, err: err}
	}()
	select {
	case out := <-done:
		switch {
		case out.err == nil:
			return out.body, nil
		case errors.Is(out.err, ErrNoReply):
			<-ctx.Done()
			return nil, TimeoutError(msg.Address, ctx.Err())
		default:
			return nil, RecipientError(msg.Address, out.err)
		}
	case <-ctx.Done():
		return nil, TimeoutError(msg.Address, ctx.Err())
	}
}

func (s *subscription) Address() string { return s.address }
func (s *subscription) Scope() Scope    { return s.scope }

func (s *subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.reg.remove(s)
}
