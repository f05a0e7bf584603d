// Package membus is an in-process bus.Bus. Several nodes can join one
// Cluster to exercise cluster behaviour inside a single process.
package membus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// Cluster connects in-process nodes.
type Cluster struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	rr     map[string]uint64
	logger pslog.Logger
}

// NewCluster returns an empty cluster.
func NewCluster(logger pslog.Logger) *Cluster {
	return &Cluster{
		nodes:  make(map[string]*Node),
		rr:     make(map[string]uint64),
		logger: svcfields.WithSubsystem(logger, "bus.mem"),
	}
}

// Node is one member of a Cluster.
type Node struct {
	cluster *Cluster
	id      string
	reg     *bus.Registry
	logger  pslog.Logger
	closed  atomic.Bool
}

var _ bus.Bus = (*Node)(nil)

// Join adds a node with the given id. Joining with an id that is already
// present replaces the earlier node, which keeps its subscriptions but no
// longer receives messages.
func (c *Cluster) Join(id string) *Node {
	n := &Node{
		cluster: c,
		id:      id,
		reg:     bus.NewRegistry(c.logger),
		logger:  c.logger.With("node", id),
	}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	return n
}

// Single returns a standalone node on its own cluster.
func Single(id string, logger pslog.Logger) *Node {
	return NewCluster(logger).Join(id)
}

func (c *Cluster) members() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Node) NodeID() string { return n.id }

// Publish delivers msg asynchronously to every matching subscriber.
func (n *Node) Publish(ctx context.Context, address string, msg bus.Message) error {
	if n.closed.Load() {
		return bus.ErrClosed
	}
	msg.Address = address
	msg.Origin = n.id
	deliverCtx := context.WithoutCancel(ctx)
	for _, member := range n.cluster.members() {
		for _, h := range member.reg.Handlers(address, member == n) {
			go func(h bus.Handler) {
				if _, err := bus.Invoke(deliverCtx, member.logger, h, msg); err != nil && !errors.Is(err, bus.ErrNoReply) {
					member.logger.Debug("bus.publish.handler_error", "address", address, "error", err)
				}
			}(h)
		}
	}
	return nil
}

// Request delivers msg to one subscriber, rotating across the cluster.
func (n *Node) Request(ctx context.Context, address string, msg bus.Message) (bus.Message, error) {
	if n.closed.Load() {
		return bus.Message{}, bus.ErrClosed
	}
	msg.Address = address
	msg.Origin = n.id
	var candidates []bus.Handler
	for _, member := range n.cluster.members() {
		candidates = append(candidates, member.reg.Handlers(address, member == n)...)
	}
	if len(candidates) == 0 {
		return bus.Message{}, bus.NoHandlersError(address)
	}
	c := n.cluster
	c.mu.Lock()
	idx := c.rr[address]
	c.rr[address] = idx + 1
	c.mu.Unlock()
	h := candidates[idx%uint64(len(candidates))]

	ctx, cancel := bus.WithRequestTimeout(ctx, 0)
	defer cancel()
	body, err := bus.Deliver(ctx, n.logger, h, msg)
	if err != nil {
		return bus.Message{}, err
	}
	return bus.Message{Address: address, Body: body}, nil
}

// Subscribe registers h on this node.
func (n *Node) Subscribe(address string, scope bus.Scope, h bus.Handler) (bus.Subscription, error) {
	if n.closed.Load() {
		return nil, bus.ErrClosed
	}
	return n.reg.Add(address, scope, h)
}

// Close detaches the node from its cluster and drops its subscriptions.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	c := n.cluster
	c.mu.Lock()
	if c.nodes[n.id] == n {
		delete(c.nodes, n.id)
	}
	c.mu.Unlock()
	n.reg.Clear()
	return nil
}
