package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
)

// Metrics holds the Prometheus series recorded for Conduit calls.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec

	revisionPublic *prometheus.GaugeVec
	configReloads  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_requests_total",
				Help: "Total number of Conduit calls by method and HTTP status code",
			},
			[]string{"method", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_request_duration_seconds",
				Help:    "Conduit call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total number of failed Conduit calls by method and error kind",
			},
			[]string{"method", "kind"},
		),

		revisionPublic: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_revision_public",
				Help: "Visibility of watched revisions (1=public, 0=restricted)",
			},
			[]string{"revision"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phab_probe_config_reloads_total",
				Help: "Total number of configuration reloads applied by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.revisionPublic,
		m.configReloads,
	)

	return m
}

// ObserveCall records one finished call. It has the signature expected by
// conduit.WithObserver.
func (m *Metrics) ObserveCall(info conduit.CallInfo) {
	status := "none"
	if info.StatusCode != 0 {
		status = strconv.Itoa(info.StatusCode)
	}
	m.requestsTotal.WithLabelValues(info.Method, status).Inc()
	m.requestDuration.WithLabelValues(info.Method).Observe(info.Duration.Seconds())
	if info.Err != nil {
		m.errorsTotal.WithLabelValues(info.Method, conduit.ErrorKind(info.Err)).Inc()
	}
}

// SetRevisionPublic updates the visibility gauge for revision D<id>.
func (m *Metrics) SetRevisionPublic(id int64, public bool) {
	value := 0.0
	if public {
		value = 1.0
	}
	m.revisionPublic.WithLabelValues("D" + strconv.FormatInt(id, 10)).Set(value)
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
