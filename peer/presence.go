package peer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"
)

// PeerInfo is one entry of the presence directory.
type PeerInfo struct {
	ID        string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Presence tracks which peers announced themselves online.
// Entries never expire: a peer that disappears stays listed until restart.
type Presence struct {
	self    string
	publish publishFunc
	metrics *monitor.Metrics

	mu    sync.RWMutex
	peers map[string]*PeerInfo // lower-cased id -> info
}

func newPresence(self string, publish publishFunc, metrics *monitor.Metrics) *Presence {
	return &Presence{
		self:    self,
		publish: publish,
		metrics: metrics,
		peers:   make(map[string]*PeerInfo),
	}
}

// AnnouncePresence broadcasts that this node is online.
func (p *Presence) AnnouncePresence(ctx context.Context) error {
	return p.publish(ctx, &protocol.Envelope{
		Recipient: protocol.BroadcastRecipient,
		Sender:    p.self,
		Action:    protocol.ActionOnline,
	})
}

// RequestPresence asks every node to announce itself again.
func (p *Presence) RequestPresence(ctx context.Context) error {
	return p.publish(ctx, &protocol.Envelope{
		Recipient: protocol.BroadcastRecipient,
		Sender:    p.self,
		Action:    protocol.ActionAskOnline,
	})
}

// ListPeers returns the ids of known peers, never including self.
func (p *Presence) ListPeers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.peers))
	for _, info := range p.peers {
		ids = append(ids, info.ID)
	}
	return ids
}

// Peers returns a snapshot of the directory sorted by id.
func (p *Presence) Peers() []PeerInfo {
	p.mu.RLock()
	out := make([]PeerInfo, 0, len(p.peers))
	for _, info := range p.peers {
		out = append(out, *info)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].ID) < strings.ToLower(out[j].ID)
	})
	return out
}

func (p *Presence) markOnline(id string) {
	if id == "" || strings.EqualFold(id, p.self) {
		return
	}
	key := strings.ToLower(id)
	now := time.Now()

	p.mu.Lock()
	info, ok := p.peers[key]
	if !ok {
		info = &PeerInfo{ID: id, FirstSeen: now}
		p.peers[key] = info
	}
	info.LastSeen = now
	count := len(p.peers)
	p.mu.Unlock()

	if !ok {
		logger.Sugar.Infof("[Presence] peer online: id=%s", id)
		p.metrics.PeersOnline.Set(float64(count))
	}
}

func (p *Presence) handle(ctx context.Context, env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionAskOnline:
		if err := p.AnnouncePresence(ctx); err != nil {
			logger.Sugar.Warnf("[Presence] re-announce failed: asked_by=%s err=%v", env.Sender, err)
		}
	case protocol.ActionOnline:
		p.markOnline(env.Sender)
	}
}
