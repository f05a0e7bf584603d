// Package httpbus is a networked bus.Bus. Each node serves its global
// subscriptions over HTTP and reaches a static list of peers; envelopes are
// CBOR encoded.
//
// Publish delivers locally and fans out to every peer. Request prefers a
// local subscriber and otherwise asks peers in order until one answers.
package httpbus

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/internal/codec"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// PublishPath receives published envelopes.
	PublishPath = "/v1/bus/publish"
	// RequestPath receives request envelopes.
	RequestPath = "/v1/bus/request"

	contentType   = "application/cbor"
	headerTimeout = "X-Dealgrid-Timeout-Ms"
	maxBodyBytes  = 4 << 20
)

// Config configures a Bus.
type Config struct {
	// NodeID identifies this node in envelopes.
	NodeID string
	// Peers are the base URLs of the other nodes, e.g. http://10.0.0.2:7400.
	Peers []string
	// RequestTimeout bounds requests without a context deadline.
	RequestTimeout time.Duration
	// TLSConfig is applied to the outbound transport when set.
	TLSConfig *tls.Config
	// HTTPClient overrides the outbound client entirely.
	HTTPClient *http.Client
	// Tracing wraps the server handler and client transport with otelhttp.
	Tracing bool
	Logger  pslog.Logger
}

// Bus is an HTTP-backed bus.Bus.
type Bus struct {
	id      string
	peers   []string
	timeout time.Duration
	client  *http.Client
	reg     *bus.Registry
	logger  pslog.Logger
	tracing bool
	closed  atomic.Bool
}

var _ bus.Bus = (*Bus)(nil)

type failureBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// New validates cfg and returns a Bus. Serve Handler to accept traffic.
func New(cfg Config) (*Bus, error) {
	id := strings.TrimSpace(cfg.NodeID)
	if id == "" {
		return nil, errors.New("httpbus: node id required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = bus.DefaultRequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLSConfig != nil {
			transport.TLSClientConfig = cfg.TLSConfig.Clone()
		}
		var rt http.RoundTripper = transport
		if cfg.Tracing {
			rt = otelhttp.NewTransport(transport)
		}
		client = &http.Client{Transport: rt}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "bus.http")
	return &Bus{
		id:      id,
		peers:   normalizeEndpoints(cfg.Peers),
		timeout: timeout,
		client:  client,
		reg:     bus.NewRegistry(logger),
		logger:  logger,
		tracing: cfg.Tracing,
	}, nil
}

func (b *Bus) NodeID() string { return b.id }

// Peers returns the normalized peer list.
func (b *Bus) Peers() []string {
	return append([]string(nil), b.peers...)
}

// Subscribe registers h on this node.
func (b *Bus) Subscribe(address string, scope bus.Scope, h bus.Handler) (bus.Subscription, error) {
	if b.closed.Load() {
		return nil, bus.ErrClosed
	}
	return b.reg.Add(address, scope, h)
}

// Publish delivers msg to local subscribers and to every peer. Unreachable
// peers are logged and reported in the returned error; local delivery still
// happens.
func (b *Bus) Publish(ctx context.Context, address string, msg bus.Message) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	msg.Address = address
	msg.Origin = b.id
	b.deliverLocal(ctx, msg, true)
	if len(b.peers) == 0 {
		return nil
	}
	payload, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("httpbus: encode: %w", err)
	}
	ctx, cancel := bus.WithRequestTimeout(ctx, b.timeout)
	defer cancel()
	var g errgroup.Group
	for _, peer := range b.peers {
		g.Go(func() error {
			resp, err := b.post(ctx, peer, PublishPath, payload, 0)
			if err != nil {
				b.logger.Warn("bus.publish.peer_failed", "peer", peer, "address", address, "error", err)
				return fmt.Errorf("httpbus: publish to %s: %w", peer, err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusAccepted {
				b.logger.Warn("bus.publish.peer_status", "peer", peer, "address", address, "status", resp.StatusCode)
				return fmt.Errorf("httpbus: publish to %s: status %d", peer, resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}

// Request asks a local subscriber, or each peer in turn, for a reply.
func (b *Bus) Request(ctx context.Context, address string, msg bus.Message) (bus.Message, error) {
	if b.closed.Load() {
		return bus.Message{}, bus.ErrClosed
	}
	msg.Address = address
	msg.Origin = b.id
	ctx, cancel := bus.WithRequestTimeout(ctx, b.timeout)
	defer cancel()

	if h, ok := b.reg.Pick(address, true); ok {
		body, err := bus.Deliver(ctx, b.logger, h, msg)
		if err != nil {
			return bus.Message{}, err
		}
		return bus.Message{Address: address, Body: body, Origin: b.id}, nil
	}

	payload, err := codec.Marshal(msg)
	if err != nil {
		return bus.Message{}, fmt.Errorf("httpbus: encode: %w", err)
	}
	for _, peer := range b.peers {
		reply, err := b.requestPeer(ctx, peer, address, payload)
		if err == nil {
			return reply, nil
		}
		if bus.IsNoHandlers(err) {
			continue
		}
		if _, ok := bus.FailureOf(err); ok {
			return bus.Message{}, err
		}
		if ctx.Err() != nil {
			return bus.Message{}, bus.TimeoutError(address, ctx.Err())
		}
		b.logger.Debug("bus.request.peer_unreachable", "peer", peer, "address", address, "error", err)
	}
	return bus.Message{}, bus.NoHandlersError(address)
}

func (b *Bus) requestPeer(ctx context.Context, peer, address string, payload []byte) (bus.Message, error) {
	var budget time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}
	resp, err := b.post(ctx, peer, RequestPath, payload, budget)
	if err != nil {
		return bus.Message{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return bus.Message{}, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var reply bus.Message
		if err := codec.Unmarshal(data, &reply); err != nil {
			return bus.Message{}, fmt.Errorf("httpbus: decode reply: %w", err)
		}
		return reply, nil
	case http.StatusNotFound:
		return bus.Message{}, bus.NoHandlersError(address)
	case http.StatusGatewayTimeout:
		return bus.Message{}, bus.TimeoutError(address, context.DeadlineExceeded)
	case http.StatusUnprocessableEntity:
		var fb failureBody
		_ = codec.Unmarshal(data, &fb)
		return bus.Message{}, &bus.ReplyError{Failure: bus.FailureRecipient, Address: address, Code: fb.Code, Message: fb.Message}
	default:
		return bus.Message{}, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (b *Bus) post(ctx context.Context, peer, path string, payload []byte, budget time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinEndpoint(peer, path), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if budget > 0 {
		req.Header.Set(headerTimeout, strconv.FormatInt(budget.Milliseconds(), 10))
	}
	return b.client.Do(req)
}

// deliverLocal runs matching handlers asynchronously.
func (b *Bus) deliverLocal(ctx context.Context, msg bus.Message, includeLocal bool) int {
	handlers := b.reg.Handlers(msg.Address, includeLocal)
	deliverCtx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		go func(h bus.Handler) {
			if _, err := bus.Invoke(deliverCtx, b.logger, h, msg); err != nil && !errors.Is(err, bus.ErrNoReply) {
				b.logger.Debug("bus.publish.handler_error", "address", msg.Address, "error", err)
			}
		}(h)
	}
	return len(handlers)
}

// Handler returns the HTTP handler peers post envelopes to.
func (b *Bus) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PublishPath, b.handlePublish)
	mux.HandleFunc("POST "+RequestPath, b.handleRequest)
	if !b.tracing {
		return mux
	}
	return otelhttp.NewHandler(mux, "dealgrid.bus",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (b *Bus) readEnvelope(w http.ResponseWriter, r *http.Request) (bus.Message, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		b.writeFailure(w, http.StatusBadRequest, "read_failed", err.Error())
		return bus.Message{}, false
	}
	var msg bus.Message
	if err := codec.Unmarshal(data, &msg); err != nil || msg.Address == "" {
		b.writeFailure(w, http.StatusBadRequest, "bad_envelope", "envelope must carry an address")
		return bus.Message{}, false
	}
	return msg, true
}

func (b *Bus) handlePublish(w http.ResponseWriter, r *http.Request) {
	if b.closed.Load() {
		b.writeFailure(w, http.StatusServiceUnavailable, "closed", "bus closed")
		return
	}
	msg, ok := b.readEnvelope(w, r)
	if !ok {
		return
	}
	n := b.deliverLocal(r.Context(), msg, false)
	b.logger.Trace("bus.publish.received", "address", msg.Address, "origin", msg.Origin, "handlers", n)
	w.WriteHeader(http.StatusAccepted)
}

func (b *Bus) handleRequest(w http.ResponseWriter, r *http.Request) {
	if b.closed.Load() {
		b.writeFailure(w, http.StatusServiceUnavailable, "closed", "bus closed")
		return
	}
	msg, ok := b.readEnvelope(w, r)
	if !ok {
		return
	}
	h, ok := b.reg.Pick(msg.Address, false)
	if !ok {
		b.writeFailure(w, http.StatusNotFound, "no_handlers", msg.Address)
		return
	}
	timeout := b.timeout
	if raw := r.Header.Get(headerTimeout); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	body, err := bus.Deliver(ctx, b.logger, h, msg)
	if err != nil {
		var re *bus.ReplyError
		if errors.As(err, &re) && re.Failure == bus.FailureTimeout {
			b.writeFailure(w, http.StatusGatewayTimeout, "timeout", msg.Address)
			return
		}
		code, message := "recipient_failure", err.Error()
		if re != nil {
			code, message = re.Code, re.Message
		}
		b.writeFailure(w, http.StatusUnprocessableEntity, code, message)
		return
	}
	data, err := codec.Marshal(bus.Message{Address: msg.Address, Body: body, Origin: b.id})
	if err != nil {
		b.writeFailure(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (b *Bus) writeFailure(w http.ResponseWriter, status int, code, message string) {
	data, err := codec.Marshal(failureBody{Code: code, Message: message})
	if err != nil {
		http.Error(w, code, status)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// Close drops every subscription. Requests and publishes fail afterwards.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.reg.Clear()
	return nil
}

func normalizeEndpoints(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}
