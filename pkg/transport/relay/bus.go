// Package relay implements transport.Bus on a TCP connection to a relay broker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitruisseau/p2p-media/pkg/discovery"
	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/transport"
	"bitruisseau/p2p-media/pkg/transport/tcp"

	"github.com/avast/retry-go/v4"
)

const (
	DefaultHeartbeat = 5 * time.Second
	lookupTimeout    = 3 * time.Second
)

var errNotConnected = errors.New("relay bus not connected")

type Options struct {
	// Addr is the relay host:port; empty means look it up over mDNS.
	Addr      string
	Topic     string
	Heartbeat time.Duration
	Attempts  uint
}

// Bus is a transport.Bus backed by a relay broker. A lost connection is
// re-dialled in the background until Close.
type Bus struct {
	opts  Options
	trans *tcp.TCPTransport

	mu      sync.RWMutex
	node    transport.Node
	addr    string
	handler transport.Handler

	quitCh    chan struct{}
	closeOnce sync.Once
	started   bool
}

var _ transport.Bus = (*Bus)(nil)

func New(opts Options) *Bus {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}
	b := &Bus{
		opts:   opts,
		trans:  tcp.NewTCPTransport(""),
		quitCh: make(chan struct{}),
	}
	b.trans.SetOnPeerGone(b.onGone)
	return b
}

func (b *Bus) OnMessage(h transport.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Connect resolves the relay address if needed and dials it with retries.
func (b *Bus) Connect(ctx context.Context) error {
	addr := b.opts.Addr
	if addr == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		found, err := discovery.LookupRelay(lookupCtx, b.opts.Topic)
		cancel()
		if err != nil {
			return fmt.Errorf("find relay: %w", err)
		}
		addr = found
		logger.Sugar.Infof("[RelayBus] discovered relay: addr=%s", addr)
	}

	b.mu.Lock()
	b.addr = addr
	b.mu.Unlock()

	if err := b.dial(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if !b.started {
		b.started = true
		go b.consume()
		go b.heartbeat()
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) dial(ctx context.Context) error {
	b.mu.RLock()
	addr := b.addr
	b.mu.RUnlock()

	var node transport.Node
	err := retry.Do(func() error {
		n, err := b.trans.Dial(addr)
		if err != nil {
			return err
		}
		node = n
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(b.opts.Attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Sugar.Warnf("[RelayBus] dial retry: addr=%s attempt=%d err=%v", addr, n+1, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", addr, err)
	}

	b.mu.Lock()
	b.node = node
	b.mu.Unlock()
	logger.Sugar.Infof("[RelayBus] connected: relay=%s", addr)
	return nil
}

func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.quitCh:
		return transport.ErrClosed
	default:
	}

	b.mu.RLock()
	node := b.node
	b.mu.RUnlock()
	if node == nil {
		return errNotConnected
	}
	return node.Send(tcp.FrameTypePublish, payload)
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.quitCh)
		b.mu.Lock()
		if b.node != nil {
			_ = b.node.Close()
			b.node = nil
		}
		b.mu.Unlock()
		_ = b.trans.Close()
	})
	return nil
}

func (b *Bus) consume() {
	for {
		select {
		case frame := <-b.trans.Consume():
			if frame.Kind != tcp.FrameTypePublish {
				continue
			}
			b.mu.RLock()
			h := b.handler
			b.mu.RUnlock()
			if h != nil {
				h(frame.Payload)
			}
		case <-b.quitCh:
			return
		}
	}
}

func (b *Bus) heartbeat() {
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-b.quitCh:
			return
		case <-ticker.C:
			b.mu.RLock()
			node := b.node
			b.mu.RUnlock()
			if node == nil {
				continue
			}
			if err := node.Send(tcp.FrameTypeHeartbeat, nil); err != nil {
				logger.Sugar.Warnf("[RelayBus] heartbeat failed: err=%v", err)
			}
		}
	}
}

// onGone re-dials after the relay connection drops.
func (b *Bus) onGone(node transport.Node) {
	b.mu.Lock()
	current := b.node == node
	if current {
		b.node = nil
	}
	b.mu.Unlock()

	select {
	case <-b.quitCh:
		return
	default:
	}
	if !current {
		return
	}

	logger.Sugar.Warnf("[RelayBus] connection lost: relay=%s", node.Addr())
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-b.quitCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := b.dial(ctx); err != nil {
			logger.Sugar.Errorf("[RelayBus] reconnect failed: err=%v", err)
		}
	}()
}
