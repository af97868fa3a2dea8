package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"
	"bitruisseau/p2p-media/pkg/transport"
)

const (
	DefaultCatalogTimeout = 3 * time.Second
	DefaultChunkTimeout   = 5 * time.Second
	DefaultChunkSize      = 24 * 1024
	DefaultMaxPayload     = 256 * 1024

	// replyTimeout bounds publishing a reply from the bus callback.
	replyTimeout = 10 * time.Second
)

type publishFunc func(ctx context.Context, env *protocol.Envelope) error

type options struct {
	catalogTimeout time.Duration
	chunkTimeout   time.Duration
	chunkSize      int64
	maxPayload     int
	metrics        *monitor.Metrics
	onImported     func(path string)
}

// Option customises a Node.
type Option func(*options)

func WithCatalogTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.catalogTimeout = d
		}
	}
}

func WithChunkTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.chunkTimeout = d
		}
	}
}

func WithChunkSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithMaxPayload sets the envelope size above which a catalog reply is logged as oversized.
func WithMaxPayload(n int) Option {
	return func(o *options) { o.maxPayload = n }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithImportHook registers f to run after every import that produced a new file.
func WithImportHook(f func(path string)) Option {
	return func(o *options) { o.onImported = f }
}

// Node is one participant on the shared bus. It owns the presence directory,
// the catalog exchange and the transfer coordinator, and routes inbound
// envelopes to them.
type Node struct {
	self     string
	bus      transport.Bus
	provider CatalogProvider
	metrics  *monitor.Metrics

	presence  *Presence
	catalogs  *CatalogExchange
	transfers *Transfer

	mu      sync.RWMutex
	ctx     context.Context
	started bool
}

// NewNode wires a node for self on bus; provider answers catalog and media requests.
func NewNode(self string, bus transport.Bus, provider CatalogProvider, opts ...Option) *Node {
	o := &options{
		catalogTimeout: DefaultCatalogTimeout,
		chunkTimeout:   DefaultChunkTimeout,
		chunkSize:      DefaultChunkSize,
		maxPayload:     DefaultMaxPayload,
		metrics:        monitor.Global,
	}
	for _, opt := range opts {
		opt(o)
	}

	n := &Node{
		self:     self,
		bus:      bus,
		provider: provider,
		metrics:  o.metrics,
		ctx:      context.Background(),
	}
	n.presence = newPresence(self, n.publish, o.metrics)
	n.catalogs = newCatalogExchange(self, n.publish, provider, o)
	n.transfers = newTransfer(self, n.publish, provider, o)
	return n
}

// Start subscribes to the bus, connects it, then announces this node and
// asks every other node to announce itself. ctx bounds the node's lifetime:
// replies published from the bus callback derive from it.
func (n *Node) Start(ctx context.Context) error {
	if n.self == "" {
		return fmt.Errorf("%w: empty peer id", ErrConfiguration)
	}

	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.ctx = ctx
	n.mu.Unlock()

	n.bus.OnMessage(n.HandleMessage)
	if w, ok := n.bus.(transport.PeerWatcher); ok {
		w.OnPeerJoin(n.greet)
	}
	if err := n.bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	if err := n.presence.AnnouncePresence(ctx); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	if err := n.presence.RequestPresence(ctx); err != nil {
		return fmt.Errorf("request presence: %w", err)
	}

	logger.Sugar.Infof("[Node] started: self=%s", n.self)
	return nil
}

// greet repeats the startup announce and ask for a subscriber that joined late.
func (n *Node) greet() {
	ctx, cancel := context.WithTimeout(n.lifetime(), replyTimeout)
	defer cancel()
	if err := n.presence.AnnouncePresence(ctx); err != nil {
		logger.Sugar.Warnf("[Node] re-announce failed: err=%v", err)
		return
	}
	if err := n.presence.RequestPresence(ctx); err != nil {
		logger.Sugar.Warnf("[Node] presence request failed: err=%v", err)
	}
}

// Close closes the underlying bus.
func (n *Node) Close() error {
	return n.bus.Close()
}

func (n *Node) Self() string { return n.self }

func (n *Node) Presence() *Presence { return n.presence }

func (n *Node) Catalogs() *CatalogExchange { return n.catalogs }

func (n *Node) Transfers() *Transfer { return n.transfers }

func (n *Node) Provider() CatalogProvider { return n.provider }

// HandleMessage is the single inbound entry point registered on the bus.
// Anything that does not decode, is addressed elsewhere or was sent by this
// node is dropped without error.
func (n *Node) HandleMessage(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		n.drop("malformed", "err=%v", err)
		return
	}
	if !env.IsAddressedTo(n.self) {
		n.drop("foreign", "recipient=%s action=%s", env.Recipient, env.Action)
		return
	}
	if env.Sender == "" {
		n.drop("anonymous", "action=%s", env.Action)
		return
	}
	if strings.EqualFold(env.Sender, n.self) {
		n.drop("self", "action=%s", env.Action)
		return
	}

	ctx, cancel := context.WithTimeout(n.lifetime(), replyTimeout)
	defer cancel()

	switch env.Action {
	case protocol.ActionAskOnline, protocol.ActionOnline:
		n.presence.handle(ctx, env)
	case protocol.ActionAskCatalog:
		n.catalogs.serve(ctx, env.Sender)
	case protocol.ActionSendCatalog:
		n.catalogs.receive(env)
	case protocol.ActionAskMedia:
		n.transfers.serve(ctx, env)
	case protocol.ActionSendMedia:
		n.transfers.receive(env)
	default:
		n.drop("unknown_action", "action=%s sender=%s", env.Action, env.Sender)
		return
	}
	n.metrics.EnvelopesReceived.WithLabelValues(env.Action).Inc()
}

// Status is a point-in-time summary of a node.
type Status struct {
	Self            string
	Peers           []PeerInfo
	CachedCatalogs  int
	PendingCatalogs int
	PendingChunks   int
}

func (n *Node) Status() Status {
	return Status{
		Self:            n.self,
		Peers:           n.presence.Peers(),
		CachedCatalogs:  n.catalogs.CachedPeers(),
		PendingCatalogs: n.catalogs.PendingCount(),
		PendingChunks:   n.transfers.PendingCount(),
	}
}

func (n *Node) publish(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Action, err)
	}
	if err := n.bus.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Action, env.Recipient, err)
	}
	n.metrics.EnvelopesSent.WithLabelValues(env.Action).Inc()
	return nil
}

func (n *Node) lifetime() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ctx
}

func (n *Node) drop(reason, format string, args ...interface{}) {
	n.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	logger.Sugar.Debugf("[Node] dropped envelope: reason=%s "+format, append([]interface{}{reason}, args...)...)
}
