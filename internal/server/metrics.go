package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reason labels for messagesRejected.
const (
	RejectTooLarge     = "too_large"
	RejectInvalidJSON  = "invalid_json"
	RejectRateLimit    = "rate_limit"
	RejectUnauthorized = "unauthorized"
	RejectForbidden    = "forbidden"
)

// Metrics bundles every counter, gauge, and histogram the node exports.
// The registry is created once at startup and passed by reference; nothing
// registers against the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsCurrent    prometheus.Gauge
	SessionsCurrent       prometheus.Gauge
	SessionsExpired       *prometheus.CounterVec
	MessagesTotal         *prometheus.CounterVec
	MessagesRejected      *prometheus.CounterVec
	InvalidJSON           prometheus.Counter
	InvalidJSONSuppressed prometheus.Counter
	RateLimitViolations   *prometheus.CounterVec
	AuthFailures          prometheus.Counter
	KeyReloads            *prometheus.CounterVec
	ActiveKeys            prometheus.Gauge
	OversizeMessages      prometheus.Counter
	CapacityRejections    prometheus.Counter
	JanitorSweep          prometheus.Histogram
	TraceEntries          prometheus.Counter
	TraceWriteFailures    prometheus.Counter
}

// NewMetrics builds a fresh registry and registers the node's metrics on
// it under the "ltp" namespace.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ConnectionsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ltp",
			Name:      "connections_current",
			Help:      "Open client connections",
		}),
		SessionsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ltp",
			Name:      "sessions_current",
			Help:      "Live sessions in the store",
		}),
		SessionsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "sessions_expired_total",
			Help:      "Sessions removed, by reason",
		}, []string{"reason"}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "messages_total",
			Help:      "Accepted inbound frames, by type",
		}, []string{"type"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "messages_rejected_total",
			Help:      "Rejected inbound frames, by reason",
		}, []string{"reason"}),
		InvalidJSON: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "invalid_json_total",
			Help:      "Frames that failed to decode",
		}),
		InvalidJSONSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "invalid_json_suppressed_total",
			Help:      "Decode warnings dropped by the per-connection log throttle",
		}),
		RateLimitViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "rate_limit_violations_total",
			Help:      "Rate limiter denials, by scope",
		}, []string{"scope"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "auth_failures_total",
			Help:      "Rejected credentials",
		}),
		KeyReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "key_reload_total",
			Help:      "Key table reload attempts, by result",
		}, []string{"result"}),
		ActiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ltp",
			Name:      "active_keys",
			Help:      "Identities in the loaded key table",
		}),
		OversizeMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "oversize_messages_total",
			Help:      "Frames over the size cap",
		}),
		CapacityRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "capacity_rejections_total",
			Help:      "Connections refused at the connection cap",
		}),
		JanitorSweep: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ltp",
			Name:      "janitor_sweep_seconds",
			Help:      "TTL sweep duration",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		}),
		TraceEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "trace_entries_total",
			Help:      "Entries appended to the trace log",
		}),
		TraceWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ltp",
			Name:      "trace_write_failures_total",
			Help:      "Trace log writes that failed",
		}),
	}
}

// Registry returns the registry all node metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// KeyReloadHook adapts the metrics to the auth registry's reload hook.
func (m *Metrics) KeyReloadHook() func(ok bool, active int) {
	return func(ok bool, active int) {
		result := "success"
		if !ok {
			result = "failure"
		}
		m.KeyReloads.WithLabelValues(result).Inc()
		m.ActiveKeys.Set(float64(active))
	}
}
