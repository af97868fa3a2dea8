package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing on a bus that has been closed.
var ErrClosed = errors.New("bus closed")

// Handler receives the raw payload of every message seen on the shared topic.
type Handler func(payload []byte)

// Bus is a publish/subscribe connection to one shared topic.
// Delivery is at-least-once and unordered across senders; a node's own
// publications may be delivered back to it.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// OnMessage installs the single inbound handler. It must be set before Connect.
	OnMessage(h Handler)
	Connect(ctx context.Context) error
	Close() error
}

// PeerWatcher is implemented by buses that learn when another subscriber
// joins the topic. Messages published before the first join may be lost.
type PeerWatcher interface {
	// OnPeerJoin installs a callback run for every subscriber that joins. It must be set before Connect.
	OnPeerJoin(f func())
}

// Frame is one payload received from a framed connection.
type Frame struct {
	From    string
	Kind    uint8
	Payload []byte
}

// Node represents a remote end of a framed connection that we can send to
type Node interface {
	Send(kind uint8, payload []byte) error
	Close() error
	Addr() string
}

// Transport handles the framed TCP layer used between relay clients and the relay server
type Transport interface {
	ListenAndAccept() error
	Dial(addr string) (Node, error)
	Consume() <-chan Frame
	Close() error
	Addr() string
	SetOnPeer(func(Node) error)
	SetOnPeerGone(func(Node))
}
