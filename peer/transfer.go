package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bitruisseau/p2p-media/pkg/logger"
	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"

	"github.com/google/uuid"
)

const partSuffix = ".part"

// Transfer imports remote files chunk by chunk and serves local ones.
type Transfer struct {
	self       string
	publish    publishFunc
	provider   CatalogProvider
	chunkSize  int64
	maxServe   int64 // largest range served in one sendMedia, 0 for no limit
	timeout    time.Duration
	metrics    *monitor.Metrics
	onImported func(path string)

	waiters *waitTable[*protocol.Envelope]

	locksMu sync.Mutex
	locks   map[string]*pathLock
}

// pathLock serialises imports targeting the same final path.
type pathLock struct {
	sem  chan struct{}
	refs int
}

func newTransfer(self string, publish publishFunc, provider CatalogProvider, o *options) *Transfer {
	return &Transfer{
		self:       self,
		publish:    publish,
		provider:   provider,
		chunkSize:  o.chunkSize,
		maxServe:   servedLimit(o.maxPayload),
		timeout:    o.chunkTimeout,
		metrics:    o.metrics,
		onImported: o.onImported,
		waiters:    newWaitTable[*protocol.Envelope](),
		locks:      make(map[string]*pathLock),
	}
}

// PendingCount returns the number of chunk requests awaiting a reply.
func (t *Transfer) PendingCount() int {
	return t.waiters.len()
}

// Import downloads song from peerID into destDir and returns the final path.
// If a file with the derived name already exists it is returned as is and
// nothing is requested. The content only appears under its final name after
// its SHA-256 matches song.Hash. progress may be nil.
func (t *Transfer) Import(ctx context.Context, song protocol.SongDescriptor, peerID, destDir string, progress ProgressObserver) (string, error) {
	if err := validateImport(song, peerID, destDir); err != nil {
		return "", err
	}

	finalPath := filepath.Join(destDir, FileNameFor(song))
	present, err := fileExists(finalPath)
	if err != nil {
		return "", err
	}
	if present {
		logger.Sugar.Infof("[Transfer] already present, skipping: path=%s", finalPath)
		return finalPath, nil
	}

	unlock, err := t.lockPath(ctx, finalPath)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Another import of the same path may have finished while we waited.
	if present, err = fileExists(finalPath); err != nil {
		return "", err
	}
	if present {
		return finalPath, nil
	}

	logger.Sugar.Infof("[Transfer] import started: peer=%s title=%q size=%d hash=%s",
		peerID, song.Title, song.SizeBytes, song.Hash)

	start := time.Now()
	if err := t.download(ctx, song, peerID, finalPath, progress); err != nil {
		t.metrics.Imports.WithLabelValues(resultOf(err)).Inc()
		logger.Sugar.Errorf("[Transfer] import failed: peer=%s title=%q err=%v", peerID, song.Title, err)
		return "", err
	}

	t.metrics.Imports.WithLabelValues("ok").Inc()
	t.metrics.RecordTransfer(song.SizeBytes, time.Since(start))
	logger.Sugar.Infof("[Transfer] import finished: path=%s", finalPath)

	if t.onImported != nil {
		t.onImported(finalPath)
	}
	return finalPath, nil
}

func (t *Transfer) download(ctx context.Context, song protocol.SongDescriptor, peerID, finalPath string, progress ProgressObserver) error {
	tmpPath := finalPath + partSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			f.Close()
		}
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Sugar.Warnf("[Transfer] cannot remove temp file: path=%s err=%v", tmpPath, err)
		}
	}()

	chunks, _ := progress.(ChunkObserver)
	report(progress, 0)

	size := song.SizeBytes
	var offset int64
	for index := 0; offset < size; index++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		end := min(offset+t.chunkSize, size) - 1
		if chunks != nil {
			chunks.ChunkStarted(index, offset, end)
		}

		data, err := t.fetchChunk(ctx, peerID, song.Hash, offset, end)
		if err != nil {
			if chunks != nil {
				chunks.ChunkFailed(index)
			}
			return err
		}

		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		offset += int64(len(data))

		if chunks != nil {
			chunks.ChunkReceived(index, len(data))
		}
		report(progress, percent(offset, size))
	}

	if err := f.Close(); err != nil {
		closed = true
		return fmt.Errorf("close temp file: %w", err)
	}
	closed = true

	sum, err := protocol.HashFile(tmpPath)
	if err != nil {
		return fmt.Errorf("hash temp file: %w", err)
	}
	if !protocol.SameHash(sum, song.Hash) {
		return fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, protocol.NormalizeHash(song.Hash), protocol.NormalizeHash(sum))
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	report(progress, 100)
	return nil
}

// fetchChunk requests bytes [start, end] of hash from peerID and validates the reply.
func (t *Transfer) fetchChunk(ctx context.Context, peerID, hash string, start, end int64) ([]byte, error) {
	reply, err := t.askChunk(ctx, peerID, hash, start, end)
	if err != nil {
		return nil, err
	}

	if reply.StartByte == nil || *reply.StartByte != start {
		got := "none"
		if reply.StartByte != nil {
			got = fmt.Sprint(*reply.StartByte)
		}
		return nil, fmt.Errorf("%w: chunk out of sequence: expected start %d, got %s", ErrProtocol, start, got)
	}
	if len(reply.SongData) == 0 {
		return nil, fmt.Errorf("%w: empty chunk at %d", ErrProtocol, start)
	}
	if want := end - start + 1; int64(len(reply.SongData)) > want {
		return nil, fmt.Errorf("%w: chunk at %d carries %d bytes, asked for %d", ErrProtocol, start, len(reply.SongData), want)
	}
	return reply.SongData, nil
}

func (t *Transfer) askChunk(ctx context.Context, peerID, hash string, start, end int64) (*protocol.Envelope, error) {
	requestID := uuid.NewString()
	w, release := t.waiters.register(requestID)
	defer release()

	err := t.publish(ctx, &protocol.Envelope{
		Recipient: peerID,
		Sender:    t.self,
		Action:    protocol.ActionAskMedia,
		Hash:      hash,
		StartByte: protocol.Int64(start),
		EndByte:   protocol.Int64(end),
		RequestId: requestID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("ask media: %w", err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no sendMedia for bytes %d-%d from %s within %s", ErrTimeout, start, end, peerID, t.timeout)
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
}

// receive hands a sendMedia reply to its waiter. Replies nobody waits for
// (late, duplicated or unsolicited) are dropped.
func (t *Transfer) receive(env *protocol.Envelope) {
	if env.RequestId == "" || !t.waiters.deliver(env.RequestId, env) {
		t.metrics.EnvelopesDropped.WithLabelValues("unsolicited").Inc()
		logger.Sugar.Debugf("[Transfer] dropped unsolicited sendMedia: sender=%s request_id=%s", env.Sender, env.RequestId)
	}
}

// serve answers an askMedia request with the requested byte range of a local file.
// Requests that are incomplete, unknown or out of range are dropped.
func (t *Transfer) serve(ctx context.Context, env *protocol.Envelope) {
	if env.Hash == "" || env.RequestId == "" || env.StartByte == nil || env.EndByte == nil {
		logger.Sugar.Debugf("[Transfer] dropped incomplete askMedia: sender=%s", env.Sender)
		return
	}

	media, err := t.provider.OpenForRead(env.Hash)
	if err != nil {
		logger.Sugar.Debugf("[Transfer] askMedia for unknown file: sender=%s hash=%s err=%v", env.Sender, env.Hash, err)
		return
	}
	defer media.Close()

	start, end := *env.StartByte, *env.EndByte
	size := media.Size()
	if start < 0 {
		start = 0
	}
	if start >= size {
		return
	}
	if end >= size {
		end = size - 1
	}
	if end < start {
		return
	}
	if t.maxServe > 0 && end-start+1 > t.maxServe {
		logger.Sugar.Debugf("[Transfer] shrinking oversized askMedia: sender=%s start=%d end=%d limit=%d",
			env.Sender, start, end, t.maxServe)
		end = start + t.maxServe - 1
	}

	buf := make([]byte, end-start+1)
	n, err := media.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Sugar.Errorf("[Transfer] read failed: hash=%s start=%d err=%v", env.Hash, start, err)
		return
	}
	if n <= 0 {
		return
	}
	buf = buf[:n]
	end = start + int64(n) - 1

	err = t.publish(ctx, &protocol.Envelope{
		Recipient: env.Sender,
		Sender:    t.self,
		Action:    protocol.ActionSendMedia,
		Hash:      env.Hash,
		StartByte: protocol.Int64(start),
		EndByte:   protocol.Int64(end),
		SongData:  buf,
		RequestId: env.RequestId,
	})
	if err != nil {
		logger.Sugar.Errorf("[Transfer] send chunk failed: requester=%s start=%d err=%v", env.Sender, start, err)
		return
	}
	t.metrics.ChunksServed.Inc()
	t.metrics.BytesServed.Add(float64(n))
}

// lockPath waits until no other import targets path. The returned func releases it.
func (t *Transfer) lockPath(ctx context.Context, path string) (func(), error) {
	t.locksMu.Lock()
	l, ok := t.locks[path]
	if !ok {
		l = &pathLock{sem: make(chan struct{}, 1)}
		t.locks[path] = l
	}
	l.refs++
	t.locksMu.Unlock()

	done := func() {
		t.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, path)
		}
		t.locksMu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			done()
		}, nil
	case <-ctx.Done():
		done()
		return nil, cancelled(ctx.Err())
	}
}

// FileNameFor derives the local file name of song from its title and extension.
func FileNameFor(song protocol.SongDescriptor) string {
	title := sanitizeName(strings.TrimSpace(song.Title))
	if title == "" {
		title = "song"
	}
	ext := sanitizeName(strings.TrimSpace(song.Extension))
	switch {
	case ext == "":
		ext = ".bin"
	case !strings.HasPrefix(ext, "."):
		ext = "." + ext
	}
	return title + ext
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, s)
}

func validateImport(song protocol.SongDescriptor, peerID, destDir string) error {
	if peerID == "" {
		return fmt.Errorf("%w: empty source peer", ErrConfiguration)
	}
	if destDir == "" {
		return fmt.Errorf("%w: empty destination directory", ErrConfiguration)
	}
	info, err := os.Stat(destDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: destination %s is not a directory", ErrConfiguration, destDir)
	}
	if song.SizeBytes <= 0 {
		return fmt.Errorf("%w: song %q has no size", ErrConfiguration, song.Title)
	}
	if strings.TrimSpace(song.Hash) == "" {
		return fmt.Errorf("%w: song %q has no hash", ErrConfiguration, song.Title)
	}
	return nil
}

// fileExists reports whether a regular file is at path. Anything else
// under that name is a configuration error.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat %s: %w", path, err)
	case !info.Mode().IsRegular():
		return false, fmt.Errorf("%w: %s exists and is not a regular file", ErrConfiguration, path)
	}
	return true, nil
}

// servedLimit is the raw byte count whose base64 form fits in maxPayload.
func servedLimit(maxPayload int) int64 {
	if maxPayload <= 0 {
		return 0
	}
	return max(int64(maxPayload/4*3), 1)
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

func report(p ProgressObserver, pct int) {
	if p != nil {
		p.Report(pct)
	}
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "error"
	}
}
