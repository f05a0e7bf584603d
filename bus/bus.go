// Package bus defines the message-bus contract shared by every dealgrid
// component, the well-known addresses, and the classification of request
// failures.
//
// A Bus delivers messages by string address. Publish reaches every matching
// subscriber; Request reaches exactly one and waits for its reply. Local
// subscriptions are visible only to the node that registered them, global
// subscriptions to the whole cluster. Handlers may run concurrently, so any
// state they share must be serialized explicitly.
package bus

import (
	"context"
	"errors"
	"time"

	"pkt.systems/dealgrid/internal/codec"
)

// DefaultRequestTimeout bounds requests whose context carries no deadline.
const DefaultRequestTimeout = 10 * time.Second

// Scope controls the visibility of a subscription.
type Scope int

const (
	// ScopeLocal subscriptions only receive messages sent by their own node.
	ScopeLocal Scope = iota
	// ScopeGlobal subscriptions receive messages from any node.
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "local"
}

// Message is a bus payload. Body is opaque; structured bodies are CBOR.
type Message struct {
	Address string            `json:"address"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	// Origin is the node id of the sender, filled in by the bus.
	Origin string `json:"origin,omitempty"`
}

// Header returns the value of a header, or "".
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Text returns the body as a string.
func (m Message) Text() string {
	return string(m.Body)
}

// Handler processes one delivery. The returned body is the reply for
// requests and is discarded for publishes. Returning ErrNoReply sends
// nothing, so the requester eventually times out.
type Handler func(ctx context.Context, msg Message) ([]byte, error)

// ErrNoReply tells the bus not to answer a request.
var ErrNoReply = errors.New("bus: no reply")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Subscription is a registered handler.
type Subscription interface {
	Address() string
	Scope() Scope
	Unsubscribe()
}

// Bus is the transport every component talks through.
type Bus interface {
	// NodeID identifies this node on the cluster.
	NodeID() string
	// Publish delivers msg to every matching subscriber without waiting.
	Publish(ctx context.Context, address string, msg Message) error
	// Request delivers msg to one subscriber and returns its reply or a
	// *ReplyError classifying the failure.
	Request(ctx context.Context, address string, msg Message) (Message, error)
	// Subscribe registers h on address.
	Subscribe(address string, scope Scope, h Handler) (Subscription, error)
	Close() error
}

// Encode marshals v as a CBOR message body.
func Encode(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Decode unmarshals a CBOR message body into v.
func Decode(body []byte, v any) error {
	return codec.Unmarshal(body, v)
}

// Text builds a message with a plain string body.
func Text(body string) Message {
	return Message{Body: []byte(body)}
}

// WithRequestTimeout applies DefaultRequestTimeout, or fallback when
// positive, to contexts that have no deadline.
func WithRequestTimeout(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	if fallback <= 0 {
		fallback = DefaultRequestTimeout
	}
	return context.WithTimeout(ctx, fallback)
}
