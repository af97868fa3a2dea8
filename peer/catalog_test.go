package peer

import (
	"context"
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

func TestRequestCatalogRoundTrip(t *testing.T) {
	hub := memory.NewHub()
	lib := newMemProvider()
	one := lib.add("One", sampleData(10))
	two := lib.add("Two", sampleData(20))
	newTestNode(t, hub, "bravo", lib)
	a := newTestNode(t, hub, "alpha", nil)

	songs, err := a.Catalogs().RequestCatalog(context.Background(), "bravo")
	require.NoError(t, err)
	assert.Equal(t, []protocol.SongDescriptor{one, two}, songs)

	cached, ok := a.Catalogs().Cached("BRAVO")
	require.True(t, ok)
	assert.Equal(t, songs, cached)
	assert.Zero(t, a.Catalogs().PendingCount())
}

func TestRequestCatalogSecondRequestSupersedesFirst(t *testing.T) {
	hub := memory.NewHub()
	lib := newMemProvider()
	lib.add("One", sampleData(10))
	newTestNode(t, hub, "bravo", lib)
	a := newTestNode(t, hub, "alpha", nil, WithCatalogTimeout(10*time.Second))

	// The first askCatalog never reaches bravo, so only the second is answered.
	var asks atomic.Int32
	hub.SetInterceptor(func(from string, p []byte) ([]byte, bool) {
		if env, err := protocol.Decode(p); err == nil && env.Action == protocol.ActionAskCatalog {
			if asks.Add(1) == 1 {
				return nil, false
			}
		}
		return p, true
	})

	type result struct {
		songs   []protocol.SongDescriptor
		err     error
		elapsed time.Duration
	}
	first := make(chan result, 1)
	go func() {
		start := time.Now()
		songs, err := a.Catalogs().RequestCatalog(context.Background(), "bravo")
		first <- result{songs, err, time.Since(start)}
	}()
	require.Eventually(t, func() bool { return asks.Load() == 1 }, time.Second, 5*time.Millisecond)

	songs, err := a.Catalogs().RequestCatalog(context.Background(), "bravo")
	require.NoError(t, err)
	assert.Len(t, songs, 1)

	select {
	case r := <-first:
		require.NoError(t, r.err)
		assert.Empty(t, r.songs)
		assert.Less(t, r.elapsed, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("first request was not released")
	}
	assert.Zero(t, a.Catalogs().PendingCount())
}

func TestRequestCatalogTimeoutReturnsEmpty(t *testing.T) {
	hub := memory.NewHub()
	m := monitor.New(prometheus.NewRegistry())
	a := newTestNode(t, hub, "alpha", nil, WithCatalogTimeout(200*time.Millisecond), WithMetrics(m))

	start := time.Now()
	songs, err := a.Catalogs().RequestCatalog(context.Background(), "ghost")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.NotNil(t, songs)
	assert.Empty(t, songs)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, a.Catalogs().PendingCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogTimeouts))
}

func TestRequestCatalogCancelled(t *testing.T) {
	hub := memory.NewHub()
	a := newTestNode(t, hub, "alpha", nil, WithCatalogTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := a.Catalogs().RequestCatalog(ctx, "ghost")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Zero(t, a.Catalogs().PendingCount())
}

func TestSendCatalogReplacesWholesale(t *testing.T) {
	hub := memory.NewHub()
	n := NewNode("alpha", hub.NewBus("alpha"), newMemProvider(), WithMetrics(monitor.New(prometheus.NewRegistry())))

	send := func(titles ...string) {
		list := make([]protocol.SongDescriptor, 0, len(titles))
		for _, title := range titles {
			list = append(list, protocol.SongDescriptor{Title: title, Hash: "aa", SizeBytes: 1})
		}
		n.HandleMessage(encode(t, &protocol.Envelope{
			Recipient: "alpha", Sender: "bravo", Action: protocol.ActionSendCatalog, SongList: list,
		}))
	}

	send("One", "Two")
	send("Three")

	cached, ok := n.Catalogs().Cached("bravo")
	require.True(t, ok)
	require.Len(t, cached, 1)
	assert.Equal(t, "Three", cached[0].Title)
	assert.Zero(t, n.Catalogs().PendingCount())
}

func TestServeCatalogEmptyLibrary(t *testing.T) {
	hub := memory.NewHub()
	newTestNode(t, hub, "bravo", nil)
	a := newTestNode(t, hub, "alpha", nil, WithCatalogTimeout(2*time.Second))

	start := time.Now()
	songs, err := a.Catalogs().RequestCatalog(context.Background(), "bravo")
	require.NoError(t, err)
	assert.Empty(t, songs)
	assert.Less(t, time.Since(start), time.Second)

	_, ok := a.Catalogs().Cached("bravo")
	assert.True(t, ok)
}
