// Package memory provides an in-process Bus hub. Every publication is
// delivered to every connected bus, the publisher included, on its own
// goroutine, which mimics a broker echoing a shared topic.
package memory

import (
	"context"
	"sync"

	"bitruisseau/p2p-media/pkg/transport"
)

// Interceptor sees every publication before fan-out. It may rewrite the
// payload; returning false drops the publication entirely.
type Interceptor func(from string, payload []byte) ([]byte, bool)

// Hub connects in-process buses on one virtual topic.
type Hub struct {
	mu          sync.RWMutex
	buses       map[*Bus]struct{}
	interceptor Interceptor
	published   int
}

func NewHub() *Hub {
	return &Hub{buses: make(map[*Bus]struct{})}
}

// SetInterceptor installs f; nil removes it.
func (h *Hub) SetInterceptor(f Interceptor) {
	h.mu.Lock()
	h.interceptor = f
	h.mu.Unlock()
}

// Published returns how many publications the hub has accepted.
func (h *Hub) Published() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published
}

// NewBus returns a bus attached to the hub; it receives nothing until Connect.
func (h *Hub) NewBus(name string) *Bus {
	return &Bus{hub: h, name: name}
}

func (h *Hub) publish(from *Bus, payload []byte) {
	h.mu.Lock()
	h.published++
	intercept := h.interceptor
	targets := make([]*Bus, 0, len(h.buses))
	for b := range h.buses {
		targets = append(targets, b)
	}
	h.mu.Unlock()

	data := append([]byte(nil), payload...)
	if intercept != nil {
		var ok bool
		if data, ok = intercept(from.name, data); !ok {
			return
		}
	}

	for _, b := range targets {
		go b.deliver(append([]byte(nil), data...))
	}
}

// Bus implements transport.Bus on a Hub.
type Bus struct {
	hub  *Hub
	name string

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

func (b *Bus) OnMessage(h transport.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Bus) Connect(ctx context.Context) error {
	b.hub.mu.Lock()
	b.hub.buses[b] = struct{}{}
	b.hub.mu.Unlock()
	return nil
}

func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.publish(b, payload)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.hub.mu.Lock()
	delete(b.hub.buses, b)
	b.hub.mu.Unlock()
	return nil
}

func (b *Bus) deliver(payload []byte) {
	b.mu.RLock()
	h, closed := b.handler, b.closed
	b.mu.RUnlock()
	if h == nil || closed {
		return
	}
	h(payload)
}
