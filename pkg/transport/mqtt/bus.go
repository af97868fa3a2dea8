// Package mqtt implements transport.Bus on an MQTT broker topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/protocol"
	"bitruisseau/p2p-media/pkg/transport"

	"github.com/avast/retry-go/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second
	disconnectWait = 250 // milliseconds
)

type Options struct {
	Broker   string // host:port or a full tcp://, ssl://, ws:// URL
	Topic    string
	PeerID   string
	Username string
	Password string
	Attempts uint
}

// Bus publishes and subscribes on one MQTT topic with QoS 1.
type Bus struct {
	opts      Options
	newClient func(*paho.ClientOptions) paho.Client
	connects  atomic.Int32

	mu      sync.RWMutex
	client  paho.Client
	handler transport.Handler
	closed  bool
}

var _ transport.Bus = (*Bus)(nil)

func New(opts Options) *Bus {
	if opts.Topic == "" {
		opts.Topic = protocol.DefaultTopic
	}
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}
	return &Bus{opts: opts, newClient: paho.NewClient}
}

func (b *Bus) OnMessage(h transport.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Connect connects to the broker, retrying, and returns once the topic
// subscription is acknowledged. Later reconnects resubscribe in onConnect.
func (b *Bus) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL(b.opts.Broker)).
		SetClientID(clientID(b.opts.PeerID)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Sugar.Warnf("[MQTT] connection lost: broker=%s err=%v", b.opts.Broker, err)
		})
	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username)
		opts.SetPassword(b.opts.Password)
	}
	client := b.newClient(opts)

	err := retry.Do(func() error {
		return wait(ctx, client.Connect())
	},
		retry.Context(ctx),
		retry.Attempts(b.opts.Attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(15*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Sugar.Warnf("[MQTT] connect retry: broker=%s attempt=%d err=%v", b.opts.Broker, n+1, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect mqtt %s: %w", b.opts.Broker, err)
	}
	if err := wait(ctx, b.subscribe(client)); err != nil {
		client.Disconnect(disconnectWait)
		return fmt.Errorf("subscribe %s: %w", b.opts.Topic, err)
	}
	logger.Sugar.Infof("[MQTT] subscribed: broker=%s topic=%s", b.opts.Broker, b.opts.Topic)

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// onConnect runs on paho's goroutine after every successful connect. The
// first one is covered by Connect; a clean session drops the subscription
// on reconnect, so later ones subscribe again.
func (b *Bus) onConnect(c paho.Client) {
	if b.connects.Add(1) == 1 {
		return
	}
	logger.Sugar.Infof("[MQTT] reconnected: broker=%s topic=%s", b.opts.Broker, b.opts.Topic)
	tok := b.subscribe(c)
	if tok.WaitTimeout(connectTimeout) && tok.Error() != nil {
		logger.Sugar.Errorf("[MQTT] resubscribe failed: topic=%s err=%v", b.opts.Topic, tok.Error())
	}
}

func (b *Bus) subscribe(c paho.Client) paho.Token {
	return c.Subscribe(b.opts.Topic, qos, func(_ paho.Client, m paho.Message) {
		b.mu.RLock()
		h := b.handler
		b.mu.RUnlock()
		if h != nil {
			h(m.Payload())
		}
	})
}

func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	client, closed := b.client, b.closed
	b.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if client == nil {
		return errors.New("mqtt bus not connected")
	}
	return wait(ctx, client.Publish(b.opts.Topic, qos, false, payload))
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.client != nil {
		b.client.Disconnect(disconnectWait)
	}
	return nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// brokerURL adds the tcp scheme to a bare host:port.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// clientID derives the MQTT client id from the peer id; the suffix keeps it
// distinct from other clients the same host may run under its plain name.
func clientID(peerID string) string {
	return peerID + "-T"
}
