package main

import (
	"context"
	"errors"
	"fmt"

	"bitruisseau/p2p-media/peer"
	"bitruisseau/p2p-media/pkg/config"
	"bitruisseau/p2p-media/pkg/library"
	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"

	"golang.org/x/sync/errgroup"
)

// app is a started node plus the local library it shares.
type app struct {
	node *peer.Node
	lib  *library.Library
	cfg  *config.Config
}

// startApp opens the library, connects the configured bus and starts the node.
func startApp(ctx context.Context, c *config.Config) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	lib, err := library.Open(library.Options{
		Dir:        c.Library.Dir,
		Extensions: c.Library.Extensions,
		HashCache:  c.Library.HashCache,
	})
	if err != nil {
		return nil, err
	}

	bus, err := newBus(c)
	if err != nil {
		_ = lib.Close()
		return nil, err
	}

	node := peer.NewNode(c.Node.Name, bus, lib,
		peer.WithCatalogTimeout(c.Protocol.CatalogTimeout),
		peer.WithChunkTimeout(c.Protocol.ChunkTimeout),
		peer.WithChunkSize(c.Protocol.ChunkSize),
		peer.WithMaxPayload(c.Bus.MaxPayload),
		peer.WithMetrics(monitor.Global),
		peer.WithImportHook(func(path string) {
			if err := lib.Refresh(); err != nil {
				logger.Sugar.Warnf("[Library] rescan after import failed: path=%s err=%v", path, err)
			}
		}),
	)
	if err := node.Start(ctx); err != nil {
		_ = node.Close()
		_ = lib.Close()
		return nil, err
	}
	return &app{node: node, lib: lib, cfg: c}, nil
}

// runBackground serves metrics and the periodic runtime log until ctx ends.
func (a *app) runBackground(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := monitor.Serve(ctx, a.cfg.Metrics.Addr); err != nil {
				logger.Sugar.Errorf("[Metrics] metrics server failed: addr=%s err=%v", a.cfg.Metrics.Addr, err)
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}
	if a.cfg.Metrics.LogInterval > 0 {
		g.Go(func() error {
			monitor.Global.LogPeriodic(ctx, a.cfg.Metrics.LogInterval)
			return nil
		})
	}
	return g
}

func (a *app) Close() error {
	return errors.Join(a.node.Close(), a.lib.Close())
}

// findSong fetches the catalog of peerID and picks the song with hash.
func (a *app) findSong(ctx context.Context, peerID, hash string) (protocol.SongDescriptor, error) {
	songs, err := a.node.Catalogs().RequestCatalog(ctx, peerID)
	if err != nil {
		return protocol.SongDescriptor{}, err
	}
	if len(songs) == 0 {
		return protocol.SongDescriptor{}, fmt.Errorf("peer %s returned no catalog", peerID)
	}
	for _, song := range songs {
		if protocol.SameHash(song.Hash, hash) {
			return song, nil
		}
	}
	return protocol.SongDescriptor{}, fmt.Errorf("peer %s has no song with hash %s", peerID, hash)
}
