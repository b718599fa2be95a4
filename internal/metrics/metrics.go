// Package metrics exposes the engine's internal counters and gauges
// (window size, inflight bytes, retransmits, RTT, throughput) over HTTP for
// a Prometheus-compatible scraper. The teacher's own
// internal/server/observability package hand-rolls a JSON dashboard API for
// human operators; this repository's domain is a transport engine embedded
// in two CLIs rather than a long-running operator-facing service, so a
// scrape endpoint a standard monitoring stack already understands is the
// better fit — see DESIGN.md for the full comparison.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the sender and receiver engines update.
// Both roles share the same set; a given process only ever touches the
// subset relevant to it.
type Registry struct {
	reg *prometheus.Registry

	WindowSize      prometheus.Gauge
	InflightBytes   prometheus.Gauge
	InflightChunks  prometheus.Gauge
	ChunkSize       prometheus.Gauge
	RTTMilliseconds prometheus.Gauge
	FillRateBytes   prometheus.Gauge
	Retransmits     prometheus.Counter
	FramingErrors   prometheus.Counter
	DecryptFailures prometheus.Counter
	ChunksSent      prometheus.Counter
	ChunksReceived  prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Throughput      prometheus.Gauge // bytes/sec, sampled by the caller
}

// New builds a Registry with all metrics registered under the "dropwire"
// namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		WindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "window_size", Help: "Current dynamic congestion window size (chunks).",
		}),
		InflightBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "inflight_bytes", Help: "Bytes sent but not yet cumulatively acknowledged.",
		}),
		InflightChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "inflight_chunks", Help: "Chunks sent but not yet cumulatively acknowledged.",
		}),
		ChunkSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "chunk_size_bytes", Help: "Current adaptive chunk size in bytes.",
		}),
		RTTMilliseconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "rtt_milliseconds", Help: "Most recent RTT sample in milliseconds.",
		}),
		FillRateBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "fill_rate_bytes_per_sec", Help: "Current token bucket fill rate.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "retransmits_total", Help: "Total chunk retransmissions.",
		}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "framing_errors_total", Help: "Total framing/checksum errors observed.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "decrypt_failures_total", Help: "Total AEAD authentication failures.",
		}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "chunks_sent_total", Help: "Total data chunks sent.",
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "chunks_received_total", Help: "Total data chunks received (including duplicates).",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "bytes_sent_total", Help: "Total plaintext bytes sent.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire", Name: "bytes_received_total", Help: "Total plaintext bytes persisted.",
		}),
		Throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire", Name: "throughput_bytes_per_sec", Help: "Most recently sampled throughput.",
		}),
	}
	reg.MustRegister(
		r.WindowSize, r.InflightBytes, r.InflightChunks, r.ChunkSize,
		r.RTTMilliseconds, r.FillRateBytes, r.Retransmits, r.FramingErrors,
		r.DecryptFailures, r.ChunksSent, r.ChunksReceived, r.BytesSent,
		r.BytesReceived, r.Throughput,
	)
	return r
}

// Server wraps an http.Server exposing /metrics for scraping.
type Server struct {
	httpServer *http.Server
}

// Serve starts a background HTTP server exposing r's metrics at
// GET /metrics on listen (e.g. "127.0.0.1:9848").
func (r *Registry) Serve(listen string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &Server{httpServer: &http.Server{Addr: listen, Handler: mux, ReadTimeout: 5 * time.Second}}
	go func() {
		if err := srv.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics: server error: %v\n", err)
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
