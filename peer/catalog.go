package peer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"
)

// CatalogExchange requests remote catalogs and serves the local one.
type CatalogExchange struct {
	self       string
	publish    publishFunc
	provider   CatalogProvider
	timeout    time.Duration
	maxPayload int
	metrics    *monitor.Metrics

	mu       sync.RWMutex
	catalogs map[string][]protocol.SongDescriptor // lower-cased peer id -> last catalog

	waiters *waitTable[[]protocol.SongDescriptor]
}

func newCatalogExchange(self string, publish publishFunc, provider CatalogProvider, o *options) *CatalogExchange {
	return &CatalogExchange{
		self:       self,
		publish:    publish,
		provider:   provider,
		timeout:    o.catalogTimeout,
		maxPayload: o.maxPayload,
		metrics:    o.metrics,
		catalogs:   make(map[string][]protocol.SongDescriptor),
		waiters:    newWaitTable[[]protocol.SongDescriptor](),
	}
}

// RequestCatalog asks peerID for its catalog and waits for the reply.
// A missing reply is not an error: the result is empty once the timeout
// elapses, or as soon as a newer request for the same peer supersedes this one.
func (c *CatalogExchange) RequestCatalog(ctx context.Context, peerID string) ([]protocol.SongDescriptor, error) {
	key := strings.ToLower(peerID)
	w, release := c.waiters.register(key)
	defer release()

	err := c.publish(ctx, &protocol.Envelope{
		Recipient: peerID,
		Sender:    c.self,
		Action:    protocol.ActionAskCatalog,
	})
	if err != nil {
		return nil, fmt.Errorf("ask catalog of %s: %w", peerID, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case songs := <-w.ch:
		logger.Sugar.Infof("[Catalog] received catalog: peer=%s songs=%d", peerID, len(songs))
		return cloneSongs(songs), nil
	case <-w.superseded:
		logger.Sugar.Debugf("[Catalog] request superseded: peer=%s", peerID)
		return []protocol.SongDescriptor{}, nil
	case <-timer.C:
		c.metrics.CatalogTimeouts.Inc()
		logger.Sugar.Warnf("[Catalog] no catalog reply: peer=%s timeout=%s", peerID, c.timeout)
		return []protocol.SongDescriptor{}, nil
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
}

// Cached returns the last catalog received from peerID.
func (c *CatalogExchange) Cached(peerID string) ([]protocol.SongDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	songs, ok := c.catalogs[strings.ToLower(peerID)]
	if !ok {
		return nil, false
	}
	return cloneSongs(songs), true
}

// CachedPeers returns how many peers have a stored catalog.
func (c *CatalogExchange) CachedPeers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.catalogs)
}

// PendingCount returns the number of outstanding catalog requests.
func (c *CatalogExchange) PendingCount() int {
	return c.waiters.len()
}

// receive replaces the stored catalog of the sender wholesale and wakes its waiter.
func (c *CatalogExchange) receive(env *protocol.Envelope) {
	songs := cloneSongs(env.SongList)
	key := strings.ToLower(env.Sender)

	c.mu.Lock()
	c.catalogs[key] = songs
	c.mu.Unlock()

	if !c.waiters.deliver(key, songs) {
		logger.Sugar.Debugf("[Catalog] stored unsolicited catalog: peer=%s songs=%d", env.Sender, len(songs))
	}
}

// serve publishes the full local catalog to requester in one envelope.
func (c *CatalogExchange) serve(ctx context.Context, requester string) {
	songs, err := c.provider.ListDescriptors()
	if err != nil {
		logger.Sugar.Errorf("[Catalog] cannot list local library: requester=%s err=%v", requester, err)
		return
	}
	if songs == nil {
		songs = []protocol.SongDescriptor{}
	}

	env := &protocol.Envelope{
		Recipient: requester,
		Sender:    c.self,
		Action:    protocol.ActionSendCatalog,
		SongList:  songs,
	}

	// The catalog is never split; large libraries can exceed what the broker accepts.
	if c.maxPayload > 0 {
		if data, err := protocol.Encode(env); err == nil && len(data) > c.maxPayload {
			logger.Sugar.Warnf("[Catalog] catalog payload exceeds limit: bytes=%d limit=%d songs=%d",
				len(data), c.maxPayload, len(songs))
		}
	}

	if err := c.publish(ctx, env); err != nil {
		logger.Sugar.Errorf("[Catalog] send catalog failed: requester=%s err=%v", requester, err)
		return
	}
	logger.Sugar.Infof("[Catalog] sent catalog: requester=%s songs=%d", requester, len(songs))
}

func cloneSongs(in []protocol.SongDescriptor) []protocol.SongDescriptor {
	out := make([]protocol.SongDescriptor, len(in))
	for i, s := range in {
		s.Featuring = append([]string(nil), s.Featuring...)
		out[i] = s
	}
	return out
}
