// Package gossip implements transport.Bus as a libp2p GossipSub topic, so
// nodes on a LAN can share the topic with no broker at all.
package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/protocol"
	"bitruisseau/p2p-media/pkg/transport"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

const (
	DefaultListen = "/ip4/0.0.0.0/tcp/0"
	mdnsService   = "bitruisseau-gossip"
	dialTimeout   = 10 * time.Second

	DefaultJoinTimeout = 5 * time.Second
)

type Options struct {
	Listen []string
	Topic  string
	// Bootstrap lists full multiaddrs (with /p2p/<id>) to dial on connect.
	Bootstrap []string
	NoMDNS    bool
	// JoinTimeout bounds how long Connect waits for the first topic peer
	// when Bootstrap or mDNS can supply one.
	JoinTimeout time.Duration
}

type Bus struct {
	opts Options

	mu      sync.RWMutex
	handler transport.Handler
	onJoin  func()

	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	mdns   mdns.Service
	events *pubsub.TopicEventHandler
	joined chan struct{} // closed on the first PeerJoin
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

var (
	_ transport.Bus         = (*Bus)(nil)
	_ transport.PeerWatcher = (*Bus)(nil)
)

func New(opts Options) *Bus {
	if len(opts.Listen) == 0 {
		opts.Listen = []string{DefaultListen}
	}
	if opts.Topic == "" {
		opts.Topic = protocol.DefaultTopic
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Bus{opts: opts, joined: make(chan struct{})}
}

func (b *Bus) OnMessage(h transport.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// OnPeerJoin implements transport.PeerWatcher.
func (b *Bus) OnPeerJoin(f func()) {
	b.mu.Lock()
	b.onJoin = f
	b.mu.Unlock()
}

// notifee dials every peer mDNS reports.
type notifee struct {
	h host.Host
}

func (n *notifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		logger.Sugar.Debugf("[Gossip] mDNS peer unreachable: peer=%s err=%v", pi.ID, err)
		return
	}
	logger.Sugar.Infof("[Gossip] connected to mDNS peer: peer=%s", pi.ID)
}

// Connect starts the libp2p host, joins the topic and starts reading it.
func (b *Bus) Connect(ctx context.Context) error {
	h, err := libp2p.New(libp2p.ListenAddrStrings(b.opts.Listen...))
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}

	// The router outlives ctx, which only bounds the connect itself.
	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(b.opts.Topic)
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("join topic %s: %w", b.opts.Topic, err)
	}
	events, err := topic.EventHandler()
	if err != nil {
		cancel()
		_ = topic.Close()
		_ = h.Close()
		return fmt.Errorf("watch topic %s: %w", b.opts.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		events.Cancel()
		_ = topic.Close()
		_ = h.Close()
		return fmt.Errorf("subscribe topic %s: %w", b.opts.Topic, err)
	}

	var svc mdns.Service
	if !b.opts.NoMDNS {
		svc = mdns.NewMdnsService(h, mdnsService, &notifee{h: h})
		if err := svc.Start(); err != nil {
			logger.Sugar.Warnf("[Gossip] mDNS unavailable: err=%v", err)
			svc = nil
		}
	}

	b.mu.Lock()
	b.host, b.ps, b.topic, b.sub, b.mdns = h, ps, topic, sub, svc
	b.events = events
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(2)
	go b.readLoop(runCtx, sub)
	go b.eventLoop(runCtx, events)

	for _, addr := range b.opts.Bootstrap {
		if err := b.ConnectPeer(ctx, addr); err != nil {
			logger.Sugar.Warnf("[Gossip] bootstrap peer unreachable: addr=%s err=%v", addr, err)
		}
	}
	logger.Sugar.Infof("[Gossip] joined topic: topic=%s id=%s addrs=%v", b.opts.Topic, h.ID(), h.Addrs())

	// Publications before the first topic peer is known go nowhere.
	if len(b.opts.Bootstrap) > 0 || svc != nil {
		b.waitJoined(ctx)
	}
	return nil
}

func (b *Bus) waitJoined(ctx context.Context) {
	timer := time.NewTimer(b.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case <-b.joined:
	case <-timer.C:
		logger.Sugar.Infof("[Gossip] no topic peer yet: topic=%s waited=%s", b.opts.Topic, b.opts.JoinTimeout)
	case <-ctx.Done():
	}
}

// ConnectPeer dials a full multiaddr such as /ip4/10.0.0.2/tcp/4001/p2p/<id>.
func (b *Bus) ConnectPeer(ctx context.Context, addr string) error {
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("gossip bus not connected")
	}
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address %q: %w", addr, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return h.Connect(dialCtx, *pi)
}

// Addrs returns the host's dialable multiaddrs including its peer id.
func (b *Bus) Addrs() []string {
	b.mu.RLock()
	h := b.host
	b.mu.RUnlock()
	if h == nil {
		return nil
	}
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}
	return out
}

// TopicPeers reports how many remote peers currently subscribe to the topic.
func (b *Bus) TopicPeers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ps == nil {
		return 0
	}
	return len(b.ps.ListPeers(b.opts.Topic))
}

func (b *Bus) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer b.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Sugar.Warnf("[Gossip] subscription ended: err=%v", err)
			}
			return
		}
		b.mu.RLock()
		h := b.handler
		b.mu.RUnlock()
		if h != nil {
			h(msg.Data)
		}
	}
}

// eventLoop reports subscribers joining the topic to the OnPeerJoin callback.
func (b *Bus) eventLoop(ctx context.Context, events *pubsub.TopicEventHandler) {
	defer b.wg.Done()
	var once sync.Once
	for {
		evt, err := events.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		if evt.Type != pubsub.PeerJoin {
			logger.Sugar.Debugf("[Gossip] topic peer left: peer=%s", evt.Peer)
			continue
		}
		logger.Sugar.Infof("[Gossip] topic peer joined: peer=%s", evt.Peer)
		once.Do(func() { close(b.joined) })

		b.mu.RLock()
		f := b.onJoin
		b.mu.RUnlock()
		if f != nil {
			f()
		}
	}
}

func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	topic, closed := b.topic, b.closed
	b.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if topic == nil {
		return fmt.Errorf("gossip bus not connected")
	}
	return topic.Publish(ctx, payload)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	h, sub, events, topic, svc, cancel := b.host, b.sub, b.events, b.topic, b.mdns, b.cancel
	b.mu.Unlock()

	if h == nil {
		return nil
	}
	if svc != nil {
		_ = svc.Close()
	}
	sub.Cancel()
	events.Cancel()
	cancel()
	b.wg.Wait()
	_ = topic.Close()
	return h.Close()
}
