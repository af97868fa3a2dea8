// Package discovery advertises and finds relay brokers on the LAN over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"bitruisseau/p2p-media/pkg/logger"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type of a relay broker
	ServiceType = "_bitruisseau._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// MetaTopic is the TXT key carrying the topic a relay serves
	MetaTopic = "topic"
)

// ErrNoRelay is returned by LookupRelay when nothing answered in time.
var ErrNoRelay = errors.New("no relay broker found on the local network")

// ServiceInfo is one discovered relay broker
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addr returns host:port for the first advertised IPv4 address.
func (s *ServiceInfo) Addr() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

// Advertiser broadcasts a relay broker
type Advertiser struct {
	server *zeroconf.Server
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the service. An empty instanceName defaults to one derived from the host name.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "bitruisseau-relay"
		} else {
			instanceName = fmt.Sprintf("bitruisseau-relay-%s", hostname)
		}
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, encodeTXT(meta), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	logger.Sugar.Infof("[Discovery] advertising relay: instance=%s port=%d", instanceName, port)
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Resolver browses for relay brokers
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse streams discovered services until ctx is cancelled.
// Entries without an IPv4 address are skipped.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := fromEntry(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered relay: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

// LookupRelay returns the address of the first relay serving topic.
// Relays that do not advertise a topic match any.
func LookupRelay(ctx context.Context, topic string) (string, error) {
	r, err := NewResolver()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	for info := range ch {
		if matchesTopic(info, topic) {
			return info.Addr(), nil
		}
	}
	return "", ErrNoRelay
}

func matchesTopic(info *ServiceInfo, topic string) bool {
	t, ok := info.Meta[MetaTopic]
	return !ok || topic == "" || t == topic
}

func fromEntry(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         decodeTXT(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	return info
}

func encodeTXT(meta map[string]string) []string {
	records := make([]string, 0, len(meta))
	for k, v := range meta {
		records = append(records, k+"="+v)
	}
	sort.Strings(records)
	return records
}

func decodeTXT(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		if k, v, ok := strings.Cut(record, "="); ok {
			meta[k] = v
		}
	}
	return meta
}
