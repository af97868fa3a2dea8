package peer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"
	"bitruisseau/p2p-media/pkg/transport/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunk = 1024

// mediaRig is a source node "bravo" serving one song and an importing node "alpha".
type mediaRig struct {
	hub     *memory.Hub
	song    protocol.SongDescriptor
	data    []byte
	alpha   *Node
	metrics *monitor.Metrics

	asks    atomic.Int32
	rewrite func(env *protocol.Envelope) (*protocol.Envelope, bool) // applied to sendMedia
}

func newMediaRig(t *testing.T, size int, opts ...Option) *mediaRig {
	t.Helper()
	r := &mediaRig{hub: memory.NewHub(), metrics: monitor.New(prometheus.NewRegistry())}
	r.data = sampleData(size)
	lib := newMemProvider()
	r.song = lib.add("Night Drive", r.data)

	r.hub.SetInterceptor(func(from string, p []byte) ([]byte, bool) {
		env, err := protocol.Decode(p)
		if err != nil {
			return p, true
		}
		switch env.Action {
		case protocol.ActionAskMedia:
			r.asks.Add(1)
		case protocol.ActionSendMedia:
			if r.rewrite != nil {
				out, ok := r.rewrite(env)
				if !ok {
					return nil, false
				}
				data, err := protocol.Encode(out)
				if err != nil {
					return p, true
				}
				return data, true
			}
		}
		return p, true
	})

	newTestNode(t, r.hub, "bravo", lib)
	opts = append([]Option{WithChunkSize(testChunk), WithMetrics(r.metrics)}, opts...)
	r.alpha = newTestNode(t, r.hub, "alpha", nil, opts...)

	// Wait for the presence exchange so later publications are the test's own.
	require.Eventually(t, func() bool {
		return len(r.alpha.Presence().ListPeers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return r
}

func (r *mediaRig) importTo(ctx context.Context, dir string, progress ProgressObserver) (string, error) {
	return r.alpha.Transfers().Import(ctx, r.song, "bravo", dir, progress)
}

func assertNoPartFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+partSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestImportRoundTrip(t *testing.T) {
	size := 3*testChunk + 100
	r := newMediaRig(t, size)
	dir := t.TempDir()

	var mu sync.Mutex
	var reported []int
	progress := ProgressFunc(func(p int) {
		mu.Lock()
		reported = append(reported, p)
		mu.Unlock()
	})

	path, err := r.importTo(context.Background(), dir, progress)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Night Drive.mp3"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, r.data, got)
	assert.Equal(t, int32((size+testChunk-1)/testChunk), r.asks.Load())
	assertNoPartFiles(t, dir)

	mu.Lock()
	assert.Equal(t, 0, reported[0])
	assert.Equal(t, 100, reported[len(reported)-1])
	assert.IsNonDecreasing(t, reported)
	mu.Unlock()

	assert.Zero(t, r.alpha.Transfers().PendingCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Imports.WithLabelValues("ok")))
	assert.Equal(t, float64(size), testutil.ToFloat64(r.metrics.ImportedBytes))
}

func TestImportExactMultipleOfChunk(t *testing.T) {
	r := newMediaRig(t, 2*testChunk)
	path, err := r.importTo(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, r.data, got)
	assert.Equal(t, int32(2), r.asks.Load())
}

func TestImportIsIdempotent(t *testing.T) {
	r := newMediaRig(t, testChunk+1)
	dir := t.TempDir()

	first, err := r.importTo(context.Background(), dir, nil)
	require.NoError(t, err)
	before := r.asks.Load()

	second, err := r.importTo(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, r.asks.Load())
}

func TestImportRejectsCorruptedChunk(t *testing.T) {
	r := newMediaRig(t, 2*testChunk+10)
	var corrupted atomic.Bool
	r.rewrite = func(env *protocol.Envelope) (*protocol.Envelope, bool) {
		if corrupted.CompareAndSwap(false, true) {
			env.SongData[0] ^= 0xFF
		}
		return env, true
	}
	dir := t.TempDir()

	_, err := r.importTo(context.Background(), dir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, ErrProtocol)

	assert.NoFileExists(t, filepath.Join(dir, FileNameFor(r.song)))
	assertNoPartFiles(t, dir)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Imports.WithLabelValues("integrity")))
}

func TestImportRejectsOutOfOrderChunk(t *testing.T) {
	r := newMediaRig(t, 3*testChunk)
	r.rewrite = func(env *protocol.Envelope) (*protocol.Envelope, bool) {
		if *env.StartByte == testChunk {
			env.StartByte = protocol.Int64(testChunk + 1)
		}
		return env, true
	}
	dir := t.TempDir()

	_, err := r.importTo(context.Background(), dir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, int32(2), r.asks.Load())

	assert.NoFileExists(t, filepath.Join(dir, FileNameFor(r.song)))
	assertNoPartFiles(t, dir)
}

func TestImportRejectsEmptyAndOversizedChunks(t *testing.T) {
	cases := map[string]func(env *protocol.Envelope){
		"empty": func(env *protocol.Envelope) { env.SongData = nil },
		"oversized": func(env *protocol.Envelope) {
			env.SongData = append(env.SongData, 1, 2, 3)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := newMediaRig(t, 2*testChunk)
			r.rewrite = func(env *protocol.Envelope) (*protocol.Envelope, bool) {
				mutate(env)
				return env, true
			}
			dir := t.TempDir()

			_, err := r.importTo(context.Background(), dir, nil)
			assert.ErrorIs(t, err, ErrProtocol)
			assertNoPartFiles(t, dir)
		})
	}
}

func TestImportChunkTimeout(t *testing.T) {
	r := newMediaRig(t, testChunk, WithChunkTimeout(200*time.Millisecond))
	r.rewrite = func(*protocol.Envelope) (*protocol.Envelope, bool) { return nil, false }
	dir := t.TempDir()

	start := time.Now()
	_, err := r.importTo(context.Background(), dir, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), r.asks.Load())
	assert.Zero(t, r.alpha.Transfers().PendingCount())
	assertNoPartFiles(t, dir)
}

func TestImportCancelled(t *testing.T) {
	r := newMediaRig(t, testChunk, WithChunkTimeout(10*time.Second))
	r.rewrite = func(*protocol.Envelope) (*protocol.Envelope, bool) { return nil, false }
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := r.importTo(ctx, dir, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Zero(t, r.alpha.Transfers().PendingCount())
	assertNoPartFiles(t, dir)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Imports.WithLabelValues("cancelled")))
}

func TestImportConfigurationErrors(t *testing.T) {
	r := newMediaRig(t, 10)
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	noSize := r.song
	noSize.SizeBytes = 0
	noHash := r.song
	noHash.Hash = " "

	cases := []struct {
		name string
		song protocol.SongDescriptor
		peer string
		dir  string
	}{
		{"missing dir", r.song, "bravo", filepath.Join(dir, "nope")},
		{"file as dir", r.song, "bravo", file},
		{"empty dir", r.song, "bravo", ""},
		{"no size", noSize, "bravo", dir},
		{"no hash", noHash, "bravo", dir},
		{"no peer", r.song, "", dir},
	}

	published := r.hub.Published()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.alpha.Transfers().Import(context.Background(), tc.song, tc.peer, tc.dir, nil)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
	assert.Equal(t, published, r.hub.Published())
}

func TestConcurrentImportsOfSamePathDownloadOnce(t *testing.T) {
	size := 4*testChunk + 3
	r := newMediaRig(t, size)
	dir := t.TempDir()

	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = r.importTo(context.Background(), dir, nil)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, paths[0], paths[1])
	assert.Equal(t, int32(5), r.asks.Load())
}

func TestImportHookAndTracker(t *testing.T) {
	hooked := make(chan string, 1)
	r := newMediaRig(t, 2*testChunk+1, WithImportHook(func(path string) { hooked <- path }))
	tracker := NewImportTracker(r.song.Title, "bravo", r.song.SizeBytes, testChunk)

	path, err := r.importTo(context.Background(), t.TempDir(), tracker)
	require.NoError(t, err)

	select {
	case got := <-hooked:
		assert.Equal(t, path, got)
	default:
		t.Fatal("import hook not called")
	}

	received, total, _, failed := tracker.GetProgress()
	assert.Equal(t, 3, received)
	assert.Equal(t, 3, total)
	assert.Zero(t, failed)
	assert.Equal(t, 100, tracker.Percent())
	assert.True(t, tracker.IsComplete())
	state, ok := tracker.GetChunkStatus(2)
	require.True(t, ok)
	assert.Equal(t, ChunkCompleted, state)
}

func TestUnsolicitedSendMediaDropped(t *testing.T) {
	hub := memory.NewHub()
	m := monitor.New(prometheus.NewRegistry())
	n := NewNode("alpha", hub.NewBus("alpha"), newMemProvider(), WithMetrics(m))

	n.HandleMessage(encode(t, &protocol.Envelope{
		Recipient: "alpha",
		Sender:    "bravo",
		Action:    protocol.ActionSendMedia,
		StartByte: protocol.Int64(0),
		EndByte:   protocol.Int64(2),
		SongData:  []byte{1, 2, 3},
		RequestId: "never-asked",
	}))

	assert.Zero(t, n.Transfers().PendingCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesDropped.WithLabelValues("unsolicited")))
}

func TestServeMediaClampsRange(t *testing.T) {
	hub := memory.NewHub()
	lib := newMemProvider()
	data := sampleData(100)
	song := lib.add("Short", data)

	replies := make(chan *protocol.Envelope, 4)
	hub.SetInterceptor(func(from string, p []byte) ([]byte, bool) {
		if env, err := protocol.Decode(p); err == nil && env.Action == protocol.ActionSendMedia {
			replies <- env
		}
		return p, true
	})
	b := newTestNode(t, hub, "bravo", lib)

	ask := func(start, end int64) {
		b.HandleMessage(encode(t, &protocol.Envelope{
			Recipient: "bravo", Sender: "alpha", Action: protocol.ActionAskMedia,
			Hash: song.Hash, StartByte: protocol.Int64(start), EndByte: protocol.Int64(end), RequestId: "r1",
		}))
	}

	ask(90, 500)
	select {
	case env := <-replies:
		assert.Equal(t, "alpha", env.Recipient)
		assert.Equal(t, "r1", env.RequestId)
		assert.Equal(t, int64(90), *env.StartByte)
		assert.Equal(t, int64(99), *env.EndByte)
		assert.Equal(t, data[90:], env.SongData)
	case <-time.After(time.Second):
		t.Fatal("no sendMedia reply")
	}

	ask(-5, 3)
	env := <-replies
	assert.Equal(t, int64(0), *env.StartByte)
	assert.Equal(t, data[:4], env.SongData)

	ask(100, 200) // past end of file
	ask(50, 40)   // inverted
	select {
	case env := <-replies:
		t.Fatalf("unexpected reply for %d-%d", *env.StartByte, *env.EndByte)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServeMediaCapsOversizedRange(t *testing.T) {
	hub := memory.NewHub()
	lib := newMemProvider()
	data := sampleData(10000)
	song := lib.add("Long", data)

	replies := make(chan *protocol.Envelope, 1)
	hub.SetInterceptor(func(from string, p []byte) ([]byte, bool) {
		if env, err := protocol.Decode(p); err == nil && env.Action == protocol.ActionSendMedia {
			replies <- env
		}
		return p, true
	})
	b := newTestNode(t, hub, "bravo", lib, WithMaxPayload(4096))

	b.HandleMessage(encode(t, &protocol.Envelope{
		Recipient: "bravo", Sender: "alpha", Action: protocol.ActionAskMedia,
		Hash: song.Hash, StartByte: protocol.Int64(0), EndByte: protocol.Int64(9999), RequestId: "r1",
	}))

	select {
	case env := <-replies:
		assert.Equal(t, int64(0), *env.StartByte)
		assert.Equal(t, int64(3071), *env.EndByte)
		assert.Equal(t, data[:3072], env.SongData)
	case <-time.After(time.Second):
		t.Fatal("no sendMedia reply")
	}
}

func TestImportFromSourceWithSmallPayloadLimit(t *testing.T) {
	hub := memory.NewHub()
	lib := newMemProvider()
	data := sampleData(3000)
	song := lib.add("Night Drive", data)

	var served atomic.Int32
	hub.SetInterceptor(func(from string, p []byte) ([]byte, bool) {
		if env, err := protocol.Decode(p); err == nil && env.Action == protocol.ActionSendMedia {
			served.Add(1)
		}
		return p, true
	})
	// 1024 bytes of payload carry 768 raw bytes, less than one requested chunk.
	newTestNode(t, hub, "bravo", lib, WithMaxPayload(1024))
	alpha := newTestNode(t, hub, "alpha", nil, WithChunkSize(testChunk))

	path, err := alpha.Transfers().Import(context.Background(), song, "bravo", t.TempDir(), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(4), served.Load())
}

func TestImportRejectsDirectoryAtDestinationName(t *testing.T) {
	r := newMediaRig(t, 10)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, FileNameFor(r.song)), 0o755))

	published := r.hub.Published()
	_, err := r.importTo(context.Background(), dir, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, published, r.hub.Published())
	assert.Zero(t, r.asks.Load())
}

func TestFileNameFor(t *testing.T) {
	cases := []struct {
		title, ext, want string
	}{
		{"Night Drive", ".mp3", "Night Drive.mp3"},
		{"AC/DC: Live?", ".flac", "AC_DC_ Live_.flac"},
		{"", ".mp3", "song.mp3"},
		{"  ", "", "song.bin"},
		{"Tab\there", "ogg", "Tab_here.ogg"},
		{"../escape", "/x", ".._escape._x"},
	}
	for _, tc := range cases {
		got := FileNameFor(protocol.SongDescriptor{Title: tc.title, Extension: tc.ext})
		assert.Equal(t, tc.want, got, "title=%q ext=%q", tc.title, tc.ext)
	}
}
