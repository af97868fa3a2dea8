package main

import (
	"fmt"

	"bitruisseau/p2p-media/pkg/config"
	"bitruisseau/p2p-media/pkg/transport"
	"bitruisseau/p2p-media/pkg/transport/gossip"
	"bitruisseau/p2p-media/pkg/transport/mqtt"
	relaybus "bitruisseau/p2p-media/pkg/transport/relay"
)

// newBus builds the transport selected by bus.kind.
func newBus(c *config.Config) (transport.Bus, error) {
	switch c.Bus.Kind {
	case config.BusRelay:
		return relaybus.New(relaybus.Options{
			Addr:  c.Bus.RelayAddr,
			Topic: c.Bus.Topic,
		}), nil
	case config.BusMQTT:
		return mqtt.New(mqtt.Options{
			Broker:   c.Bus.Broker,
			Topic:    c.Bus.Topic,
			PeerID:   c.Node.Name,
			Username: c.Bus.Username,
			Password: c.Bus.Password,
		}), nil
	case config.BusGossip:
		return gossip.New(gossip.Options{
			Listen: c.Bus.Listen,
			Topic:  c.Bus.Topic,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}
}
