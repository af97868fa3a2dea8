// Package library is the local media folder a node shares: it scans the
// folder, hashes every media file and serves byte ranges by content hash.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bitruisseau/p2p-media/peer"
	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/protocol"
)

// DefaultExtensions are the media types picked up by a scan.
var DefaultExtensions = []string{".mp3", ".wav", ".flac", ".ogg"}

// ErrNotFound is returned by OpenForRead for an unknown hash.
var ErrNotFound = errors.New("no local file with that hash")

const unknownArtist = "Unknown"

type Options struct {
	Dir        string
	Extensions []string
	// HashCache is the pebble directory used to skip rehashing unchanged files; empty disables it.
	HashCache string
}

// Library implements peer.CatalogProvider over a folder.
type Library struct {
	dir   string
	exts  map[string]struct{}
	cache *HashCache

	mu     sync.RWMutex
	songs  []protocol.SongDescriptor
	byHash map[string]string // normalized hash -> path
}

var _ peer.CatalogProvider = (*Library)(nil)

// Open prepares the library and runs a first scan.
func Open(opts Options) (*Library, error) {
	if opts.Dir == "" {
		return nil, errors.New("library directory is empty")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("library directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library directory %s is not a directory", opts.Dir)
	}

	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	l := &Library{
		dir:    opts.Dir,
		exts:   make(map[string]struct{}, len(exts)),
		byHash: make(map[string]string),
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		l.exts[e] = struct{}{}
	}

	if opts.HashCache != "" {
		if l.cache, err = OpenHashCache(opts.HashCache); err != nil {
			return nil, err
		}
	}

	if err := l.Refresh(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Library) Dir() string { return l.dir }

// Refresh rescans the folder and replaces the catalog.
func (l *Library) Refresh() error {
	start := time.Now()
	var songs []protocol.SongDescriptor
	byHash := make(map[string]string)
	seen := make(map[string]struct{})
	var hashed int

	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Sugar.Warnf("[Library] skipping unreadable entry: path=%s err=%v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if _, ok := l.exts[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Sugar.Warnf("[Library] cannot stat: path=%s err=%v", path, err)
			return nil
		}
		hash, fresh, err := l.hashOf(path, info)
		if err != nil {
			logger.Sugar.Warnf("[Library] cannot hash: path=%s err=%v", path, err)
			return nil
		}
		if fresh {
			hashed++
		}
		seen[path] = struct{}{}

		songs = append(songs, describe(path, info, hash))
		byHash[protocol.NormalizeHash(hash)] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", l.dir, err)
	}

	sort.Slice(songs, func(i, j int) bool { return songs[i].Path < songs[j].Path })

	l.mu.Lock()
	l.songs = songs
	l.byHash = byHash
	l.mu.Unlock()

	if l.cache != nil {
		if n, err := l.cache.Prune(seen); err != nil {
			logger.Sugar.Warnf("[Library] hash cache prune failed: err=%v", err)
		} else if n > 0 {
			logger.Sugar.Debugf("[Library] pruned hash cache: entries=%d", n)
		}
	}

	logger.Sugar.Infof("[Library] scanned: dir=%s songs=%d hashed=%d took=%s",
		l.dir, len(songs), hashed, time.Since(start).Round(time.Millisecond))
	return nil
}

// hashOf returns the digest of path, from the cache when it is still valid.
// fresh reports whether the file had to be read.
func (l *Library) hashOf(path string, info fs.FileInfo) (hash string, fresh bool, err error) {
	if l.cache != nil {
		if h, ok := l.cache.Lookup(path, info.Size(), info.ModTime()); ok {
			return h, false, nil
		}
	}
	h, err := protocol.HashFile(path)
	if err != nil {
		return "", false, err
	}
	if l.cache != nil {
		if err := l.cache.Store(path, info.Size(), info.ModTime(), h); err != nil {
			logger.Sugar.Warnf("[Library] hash cache write failed: path=%s err=%v", path, err)
		}
	}
	return h, true, nil
}

func describe(path string, info fs.FileInfo, hash string) protocol.SongDescriptor {
	ext := filepath.Ext(path)
	return protocol.SongDescriptor{
		Path:      path,
		Title:     strings.TrimSuffix(filepath.Base(path), ext),
		Artist:    unknownArtist,
		Year:      info.ModTime().Year(),
		SizeBytes: info.Size(),
		Featuring: []string{},
		Hash:      hash,
		Extension: ext,
	}
}

// ListDescriptors returns the catalog from the last scan.
func (l *Library) ListDescriptors() ([]protocol.SongDescriptor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]protocol.SongDescriptor(nil), l.songs...), nil
}

// Lookup finds a scanned song by hash.
func (l *Library) Lookup(hash string) (protocol.SongDescriptor, bool) {
	key := protocol.NormalizeHash(hash)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.songs {
		if protocol.NormalizeHash(s.Hash) == key {
			return s, true
		}
	}
	return protocol.SongDescriptor{}, false
}

// OpenForRead opens the file whose content hash matches hash.
func (l *Library) OpenForRead(hash string) (peer.MediaReader, error) {
	l.mu.RLock()
	path, ok := l.byHash[protocol.NormalizeHash(hash)]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mediaFile{File: f, size: info.Size()}, nil
}

// Close releases the hash cache.
func (l *Library) Close() error {
	if l.cache != nil {
		return l.cache.Close()
	}
	return nil
}

type mediaFile struct {
	*os.File
	size int64
}

func (m *mediaFile) Size() int64 { return m.size }
