// Package relay is the broker that lets nodes share one topic without an
// external MQTT server: every frame a client publishes is written back to
// every connected client, the publisher included.
package relay

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bitruisseau/p2p-media/pkg/discovery"
	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/protocol"
	"bitruisseau/p2p-media/pkg/transport"
	"bitruisseau/p2p-media/pkg/transport/tcp"
)

const (
	DefaultPeerTimeout = 15 * time.Second
	sweepInterval      = 5 * time.Second
)

type Options struct {
	Listen      string
	Topic       string
	PeerTimeout time.Duration
	// Advertise registers the relay over mDNS so nodes can find it without an address.
	Advertise bool
}

type Server struct {
	mu      sync.Mutex
	clients map[string]*clientInfo // remote addr -> client

	Transport   transport.Transport
	topic       string
	peerTimeout time.Duration
	advertise   bool
	advertiser  *discovery.Advertiser

	relayed  atomic.Int64
	quitCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type clientInfo struct {
	Node      transport.Node
	Connected time.Time
	lastSeen  time.Time
}

func NewServer(opts Options) *Server {
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}
	if opts.Topic == "" {
		opts.Topic = protocol.DefaultTopic
	}
	trans := tcp.NewTCPTransport(opts.Listen)

	s := &Server{
		clients:     make(map[string]*clientInfo),
		Transport:   trans,
		topic:       opts.Topic,
		peerTimeout: opts.PeerTimeout,
		advertise:   opts.Advertise,
		advertiser:  discovery.NewAdvertiser(),
		quitCh:      make(chan struct{}),
	}
	trans.SetOnPeer(s.OnPeer)
	trans.SetOnPeerGone(s.OnPeerGone)
	return s
}

// Start listens, optionally advertises over mDNS and relays frames in the background.
func (s *Server) Start() error {
	if err := s.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	logger.Sugar.Infof("[Relay] [%s] listening: topic=%s", s.Transport.Addr(), s.topic)

	if s.advertise {
		s.startAdvertising()
	}

	s.wg.Add(2)
	go s.monitorPeers()
	go s.loop()
	return nil
}

func (s *Server) startAdvertising() {
	_, portStr, err := net.SplitHostPort(s.Transport.Addr())
	if err != nil {
		logger.Sugar.Errorf("[Relay] Failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}
	meta := map[string]string{
		discovery.MetaTopic: s.topic,
		"version":           "1",
	}
	if err := s.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[Relay] Failed to start mDNS advertisement: %v", err)
	}
}

func (s *Server) loop() {
	defer func() {
		s.wg.Done()
		logger.Sugar.Info("[Relay] stopped")
	}()

	for {
		select {
		case frame := <-s.Transport.Consume():
			s.handleFrame(frame)
		case <-s.quitCh:
			return
		}
	}
}

func (s *Server) handleFrame(frame transport.Frame) {
	s.mu.Lock()
	if ci, ok := s.clients[frame.From]; ok {
		ci.lastSeen = time.Now()
	}
	s.mu.Unlock()

	switch frame.Kind {
	case tcp.FrameTypeHeartbeat:
		// lastSeen already refreshed
	case tcp.FrameTypePublish:
		s.broadcast(frame)
	}
}

// broadcast writes frame to every client. A client that cannot be written
// to is disconnected; its read loop then reports it gone.
func (s *Server) broadcast(frame transport.Frame) {
	s.mu.Lock()
	targets := make([]transport.Node, 0, len(s.clients))
	for _, ci := range s.clients {
		targets = append(targets, ci.Node)
	}
	s.mu.Unlock()

	for _, node := range targets {
		if err := node.Send(tcp.FrameTypePublish, frame.Payload); err != nil {
			logger.Sugar.Warnf("[Relay] dropping client after failed write: remote=%s err=%v", node.Addr(), err)
			_ = node.Close()
		}
	}
	s.relayed.Add(1)
	logger.Sugar.Debugf("[Relay] relayed frame: from=%s bytes=%d clients=%d", frame.From, len(frame.Payload), len(targets))
}

// OnPeer registers a newly accepted client
func (s *Server) OnPeer(node transport.Node) error {
	now := time.Now()
	s.mu.Lock()
	s.clients[node.Addr()] = &clientInfo{Node: node, Connected: now, lastSeen: now}
	count := len(s.clients)
	s.mu.Unlock()

	logger.Sugar.Infof("[Relay] client connected: remote=%s clients=%d", node.Addr(), count)
	return nil
}

// OnPeerGone forgets a client whose connection ended
func (s *Server) OnPeerGone(node transport.Node) {
	s.mu.Lock()
	ci, ok := s.clients[node.Addr()]
	if ok && ci.Node == node {
		delete(s.clients, node.Addr())
	}
	s.mu.Unlock()

	if ok {
		logger.Sugar.Infof("[Relay] client disconnected: remote=%s", node.Addr())
	}
}

// monitorPeers disconnects clients that stopped sending heartbeats
func (s *Server) monitorPeers() {
	defer s.wg.Done()

	interval := sweepInterval
	if s.peerTimeout < interval {
		interval = s.peerTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quitCh:
			return
		case <-ticker.C:
			s.expire(time.Now())
		}
	}
}

func (s *Server) expire(now time.Time) {
	s.mu.Lock()
	var stale []*clientInfo
	for addr, ci := range s.clients {
		if now.Sub(ci.lastSeen) > s.peerTimeout {
			stale = append(stale, ci)
			delete(s.clients, addr)
		}
	}
	s.mu.Unlock()

	for _, ci := range stale {
		logger.Sugar.Warnf("[Relay] client timed out: remote=%s", ci.Node.Addr())
		_ = ci.Node.Close()
	}
}

// Relayed returns how many published frames were fanned out.
func (s *Server) Relayed() int64 {
	return s.relayed.Load()
}

func (s *Server) Addr() string {
	return s.Transport.Addr()
}

func (s *Server) GetStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := fmt.Sprintf("Relay Running on: %s\n", s.Transport.Addr())
	status += fmt.Sprintf("Topic: %s\n", s.topic)
	status += fmt.Sprintf("Connected Clients: %d\n", len(s.clients))
	status += fmt.Sprintf("Relayed Frames: %d\n", s.relayed.Load())
	return status
}

func (s *Server) GetPeersList() []string {
	s.mu.Lock()
	list := make([]string, 0, len(s.clients))
	for addr := range s.clients {
		list = append(list, addr)
	}
	s.mu.Unlock()

	sort.Strings(list)
	return list
}

// Stop shuts the relay down and disconnects every client.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.advertiser.Stop()
		close(s.quitCh)
		_ = s.Transport.Close()

		s.mu.Lock()
		for addr, ci := range s.clients {
			_ = ci.Node.Close()
			delete(s.clients, addr)
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
}
