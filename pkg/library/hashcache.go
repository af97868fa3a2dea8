package library

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitruisseau/p2p-media/pkg/logger"

	"github.com/cockroachdb/pebble"
)

// HashCache remembers file digests keyed by path. An entry is only valid
// while the file keeps the size and modification time it was hashed with.
type HashCache struct {
	db   *pebble.DB
	path string
}

// OpenHashCache opens (or creates) the pebble database at path.
func OpenHashCache(path string) (*HashCache, error) {
	db, err := pebble.Open(path, &pebble.Options{Logger: pebbleLogger{}})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	logger.Sugar.Infof("[Library] hash cache opened: path=%s", path)
	return &HashCache{db: db, path: path}, nil
}

// Lookup returns the cached digest of file if size and modTime still match.
func (c *HashCache) Lookup(file string, size int64, modTime time.Time) (string, bool) {
	data, closer, err := c.db.Get([]byte(file))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			logger.Sugar.Warnf("[Library] hash cache read failed: file=%s err=%v", file, err)
		}
		return "", false
	}
	defer closer.Close()

	parts := strings.SplitN(string(data), "|", 3)
	if len(parts) != 3 {
		return "", false
	}
	cachedSize, err1 := strconv.ParseInt(parts[0], 10, 64)
	cachedMod, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || cachedSize != size || cachedMod != modTime.UnixNano() {
		return "", false
	}
	return parts[2], true
}

// Store records the digest of file as of size and modTime.
func (c *HashCache) Store(file string, size int64, modTime time.Time, hash string) error {
	value := fmt.Sprintf("%d|%d|%s", size, modTime.UnixNano(), hash)
	if err := c.db.Set([]byte(file), []byte(value), pebble.NoSync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Prune deletes entries for files not in keep.
func (c *HashCache) Prune(keep map[string]struct{}) (int, error) {
	iter, err := c.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}

	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if _, ok := keep[string(iter.Key())]; !ok {
			stale = append(stale, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	for _, k := range stale {
		if err := batch.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Close flushes and closes the database.
func (c *HashCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// pebbleLogger routes pebble's own logging to the global logger.
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	logger.Sugar.Debugf("[Pebble] "+format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	logger.Sugar.Errorf("[Pebble] "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	logger.Sugar.Fatalf("[Pebble] "+format, args...)
}
