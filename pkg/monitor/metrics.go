package monitor

import (
	"context"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"bitruisseau/p2p-media/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds protocol and transfer metrics for one node
type Metrics struct {
	EnvelopesReceived *prometheus.CounterVec // by action
	EnvelopesSent     *prometheus.CounterVec // by action
	EnvelopesDropped  *prometheus.CounterVec // by reason
	ChunksServed      prometheus.Counter
	BytesServed       prometheus.Counter
	Imports           *prometheus.CounterVec // by result
	ImportedBytes     prometheus.Counter
	PeersOnline       prometheus.Gauge
	CatalogTimeouts   prometheus.Counter

	// Running totals for the periodic log line
	transferBytes int64
	transferCount int64
	serverStart   time.Time
}

// Global is the process-wide instance registered on the default registry.
var Global = New(prometheus.DefaultRegisterer)

// New creates and registers the metrics on reg; nil means the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pmedia_envelopes_received_total",
			Help: "Envelopes accepted by the dispatcher",
		}, []string{"action"}),
		EnvelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pmedia_envelopes_sent_total",
			Help: "Envelopes published on the bus",
		}, []string{"action"}),
		EnvelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pmedia_envelopes_dropped_total",
			Help: "Inbound envelopes dropped before handling",
		}, []string{"reason"}),
		ChunksServed: f.NewCounter(prometheus.CounterOpts{
			Name: "p2pmedia_chunks_served_total",
			Help: "Media chunks sent in reply to askMedia",
		}),
		BytesServed: f.NewCounter(prometheus.CounterOpts{
			Name: "p2pmedia_bytes_served_total",
			Help: "Raw media bytes sent in reply to askMedia",
		}),
		Imports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pmedia_imports_total",
			Help: "Finished imports by result",
		}, []string{"result"}),
		ImportedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "p2pmedia_imported_bytes_total",
			Help: "Bytes of successfully imported files",
		}),
		PeersOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "p2pmedia_peers_online",
			Help: "Peers currently listed by the presence directory",
		}),
		CatalogTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "p2pmedia_catalog_timeouts_total",
			Help: "Catalog requests that got no reply in time",
		}),
		serverStart: time.Now(),
	}
}

// RecordTransfer records a completed import
func (m *Metrics) RecordTransfer(bytes int64, duration time.Duration) {
	atomic.AddInt64(&m.transferBytes, bytes)
	atomic.AddInt64(&m.transferCount, 1)
	m.ImportedBytes.Add(float64(bytes))

	var speed float64
	if duration > 0 {
		speed = float64(bytes) / duration.Seconds() / 1024 / 1024
	}

	logger.Sugar.Infof("[Transfer] Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		bytes/1024, duration.Seconds(), speed)
}

// LogPeriodic logs runtime metrics at the specified interval until ctx ends
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		elapsed := time.Since(m.serverStart).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&m.transferBytes)) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Imports=%d",
			runtime.NumGoroutine(),
			ms.HeapAlloc/1024/1024,
			ms.HeapSys/1024/1024,
			throughput,
			atomic.LoadInt64(&m.transferCount),
		)
	}
}

// Serve exposes the default gatherer on addr at /metrics until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Sugar.Infof("[Metrics] serving prometheus metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
