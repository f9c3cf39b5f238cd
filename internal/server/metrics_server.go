package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes GET /metrics in Prometheus text format. No other
// routes are served.
type MetricsServer struct {
	server *http.Server
	log    *slog.Logger
}

// NewMetricsServer builds the metrics HTTP server for the given registry.
func NewMetricsServer(addr string, metrics *Metrics, logger *slog.Logger) *MetricsServer {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.With("component", "metrics"),
	}
}

// Handler exposes the route table for tests and external mounting.
func (m *MetricsServer) Handler() http.Handler {
	return m.server.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (m *MetricsServer) Run() error {
	m.log.Info("metrics server starting", "address", m.server.Addr)
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown winds the server down gracefully.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
