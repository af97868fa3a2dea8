package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/transport"
)

// TCPNode implements transport.Node
type TCPNode struct {
	conn net.Conn
	lock sync.Mutex
	// TCP主动连接 outbound -> true 否则 outbound -> false
	outbound bool
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		conn:     conn,
		outbound: outbound,
	}
}

// Send writes one frame. Concurrent writers on one connection are serialized.
func (n *TCPNode) Send(kind uint8, payload []byte) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if err := writeFrame(n.conn, kind, payload); err != nil {
		return fmt.Errorf("write frame to %s: %w", n.Addr(), err)
	}
	return nil
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	rpcCh      chan transport.Frame
	quitCh     chan struct{}
	closeOnce  sync.Once
	onPeer     func(transport.Node) error
	onPeerGone func(transport.Node)
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr: addr,
		rpcCh:      make(chan transport.Frame, 1024),
		quitCh:     make(chan struct{}),
	}
}

func (t *TCPTransport) SetOnPeer(f func(transport.Node) error) {
	t.onPeer = f
}

func (t *TCPTransport) SetOnPeerGone(f func(transport.Node)) {
	t.onPeerGone = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	// Resolve ":0" style addresses to the bound port.
	t.listenAddr = t.listener.Addr().String()

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			continue
		}
		node := NewTCPNode(conn, false)
		go t.handleConn(conn, node)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, node *TCPNode) {
	defer func() {
		conn.Close()
		if t.onPeerGone != nil {
			t.onPeerGone(node)
		}
	}()

	if !node.outbound && t.onPeer != nil {
		if err := t.onPeer(node); err != nil {
			return
		}
	}

	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Sugar.Errorf("[TCPTransport] read frame error: remote=%s err=%v", conn.RemoteAddr(), err)
			}
			return
		}

		switch msgType {
		case FrameTypePublish, FrameTypeHeartbeat:
		default:
			logger.Sugar.Errorf("[TCPTransport] unknown frame type: remote=%s type=%d", conn.RemoteAddr(), msgType)
			return
		}

		select {
		case t.rpcCh <- transport.Frame{From: node.Addr(), Kind: msgType, Payload: payload}:
		case <-t.quitCh:
			return
		}
	}
}

func (t *TCPTransport) Dial(addr string) (transport.Node, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	node := NewTCPNode(conn, true)
	go t.handleConn(conn, node)

	return node, nil
}

func (t *TCPTransport) Consume() <-chan transport.Frame {
	return t.rpcCh
}

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quitCh)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

func (t *TCPTransport) Addr() string {
	return t.listenAddr
}
