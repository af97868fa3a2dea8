package relay

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"bitruisseau/p2p-media/peer"
	"bitruisseau/p2p-media/pkg/monitor"
	"bitruisseau/p2p-media/pkg/protocol"
	relaybus "bitruisseau/p2p-media/pkg/transport/relay"
	"bitruisseau/p2p-media/pkg/transport/tcp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, timeout time.Duration) *Server {
	t.Helper()
	s := NewServer(Options{Listen: "127.0.0.1:0", PeerTimeout: timeout})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func connectBus(t *testing.T, s *Server) *relaybus.Bus {
	t.Helper()
	b := relaybus.New(relaybus.Options{Addr: s.Addr(), Heartbeat: 100 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRelayFansOutToEveryClient(t *testing.T) {
	s := startServer(t, time.Minute)

	var mu sync.Mutex
	got := map[string][]string{}
	buses := map[string]*relaybus.Bus{}
	for _, name := range []string{"a", "b"} {
		name := name
		b := connectBus(t, s)
		b.OnMessage(func(p []byte) {
			mu.Lock()
			got[name] = append(got[name], string(p))
			mu.Unlock()
		})
		require.NoError(t, b.Connect(context.Background()))
		buses[name] = b
	}
	require.Eventually(t, func() bool { return len(s.GetPeersList()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, buses["a"].Publish(context.Background(), []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 1 && len(got["b"]) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, got["b"])
	assert.Equal(t, int64(1), s.Relayed())
	assert.Contains(t, s.GetStatus(), "Connected Clients: 2")
}

func TestRelayBusReconnectsAfterRelayRestart(t *testing.T) {
	s := startServer(t, time.Minute)

	var mu sync.Mutex
	var got []string
	b := connectBus(t, s)
	b.OnMessage(func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})
	require.NoError(t, b.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(s.GetPeersList()) == 1 }, 2*time.Second, 10*time.Millisecond)

	addr := s.Addr()
	s.Stop()

	restarted := NewServer(Options{Listen: addr, PeerTimeout: time.Minute})
	require.NoError(t, restarted.Start())
	t.Cleanup(restarted.Stop)

	// Publishing fails until the bus has noticed the loss and dialled again.
	require.Eventually(t, func() bool {
		if err := b.Publish(context.Background(), []byte("again")); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range got {
			if p == "again" {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)
	assert.Len(t, restarted.GetPeersList(), 1)
}

func TestRelayExpiresSilentClients(t *testing.T) {
	s := startServer(t, 200*time.Millisecond)

	// A raw connection never sends heartbeats.
	trans := tcp.NewTCPTransport("")
	defer trans.Close()
	_, err := trans.Dial(s.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.GetPeersList()) == 1 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(s.GetPeersList()) == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestRelayKeepsHeartbeatingClients(t *testing.T) {
	s := startServer(t, 300*time.Millisecond)
	b := connectBus(t, s)
	require.NoError(t, b.Connect(context.Background()))

	time.Sleep(time.Second)
	assert.Len(t, s.GetPeersList(), 1)
}

func TestNodesImportThroughRelay(t *testing.T) {
	s := startServer(t, time.Minute)

	lib := newStaticLibrary([]byte("relay carried bytes, more than one chunk of them"))
	newNode := func(name string, provider peer.CatalogProvider) *peer.Node {
		b := connectBus(t, s)
		n := peer.NewNode(name, b, provider,
			peer.WithChunkSize(16),
			peer.WithMetrics(monitor.New(prometheus.NewRegistry())))
		require.NoError(t, n.Start(context.Background()))
		return n
	}
	newNode("bravo", lib)
	alpha := newNode("alpha", newStaticLibrary(nil))

	require.Eventually(t, func() bool {
		return len(alpha.Presence().ListPeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	songs, err := alpha.Catalogs().RequestCatalog(context.Background(), "bravo")
	require.NoError(t, err)
	require.Len(t, songs, 1)

	dir := t.TempDir()
	path, err := alpha.Transfers().Import(context.Background(), songs[0], "bravo", dir, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, lib.data, got)
}

// staticLibrary serves at most one in-memory song.
type staticLibrary struct {
	data []byte
	song protocol.SongDescriptor
}

func newStaticLibrary(data []byte) *staticLibrary {
	l := &staticLibrary{data: data}
	if data != nil {
		sum, _ := protocol.HashReader(bytes.NewReader(data))
		l.song = protocol.SongDescriptor{Title: "Relayed", Hash: sum, SizeBytes: int64(len(data)), Extension: ".ogg"}
	}
	return l
}

func (l *staticLibrary) ListDescriptors() ([]protocol.SongDescriptor, error) {
	if l.data == nil {
		return nil, nil
	}
	return []protocol.SongDescriptor{l.song}, nil
}

type readerMedia struct{ *bytes.Reader }

func (readerMedia) Close() error { return nil }

func (l *staticLibrary) OpenForRead(hash string) (peer.MediaReader, error) {
	if l.data == nil || !protocol.SameHash(hash, l.song.Hash) {
		return nil, errors.New("not found")
	}
	return readerMedia{bytes.NewReader(l.data)}, nil
}
