// Package metrics exposes Prometheus instrumentation for the clone
// orchestration service and serves it on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsCreated counts clone sessions created, by mode.
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clone_sessions_created_total",
		Help: "Number of clone sessions created",
	}, []string{"mode"})

	// SessionsFinished counts sessions reaching a terminal state, by status.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clone_sessions_finished_total",
		Help: "Number of clone sessions reaching a terminal state",
	}, []string{"status"})

	// CertificatesIssued counts session leaf certificates issued, by role.
	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clone_certificates_issued_total",
		Help: "Number of session certificates issued by the CA",
	}, []string{"role"})

	// StagingBytesReserved totals bytes reserved across staging allocations.
	StagingBytesReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clone_staging_bytes_reserved_total",
		Help: "Bytes reserved for staging allocations",
	})

	// StagingReleases counts released staging allocations.
	StagingReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clone_staging_releases_total",
		Help: "Number of staging allocations released",
	})

	// EventsDropped counts events dropped due to slow subscribers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clone_events_dropped_total",
		Help: "Number of events dropped because a subscriber could not keep up",
	})

	// EventsPublished counts events delivered to subscribers.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clone_events_published_total",
		Help: "Number of events delivered to subscribers",
	})
)

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name listening on addr.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
