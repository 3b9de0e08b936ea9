// Package metrics holds the Prometheus collectors shared by the sync client,
// the mediator and the realtime subscriber. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "annosync"

type Metrics struct {
	registry *prometheus.Registry

	syncRequests   *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	syncRetries    *prometheus.CounterVec
	mediatorOps    *prometheus.CounterVec
	feedAnomalies  prometheus.Counter
	realtimeEvents *prometheus.CounterVec
	sessions       prometheus.Gauge
}

// New builds the collectors on a private registry, so tests can create as
// many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_requests_total",
			Help:      "Requests sent to the remote annotation service.",
		}, []string{"op", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_request_duration_seconds",
			Help:      "Latency of remote annotation service requests including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		syncRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_retries_total",
			Help:      "Retried attempts against the remote annotation service.",
		}, []string{"op"}),
		mediatorOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mediator_operations_total",
			Help:      "Mediator operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		feedAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_anomalies_total",
			Help:      "Recoverable oddities found while decoding feeds.",
		}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime annotation events by action and outcome.",
		}, []string{"action", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Sessions currently hosted.",
		}),
	}
	m.registry.MustRegister(
		m.syncRequests,
		m.syncDuration,
		m.syncRetries,
		m.mediatorOps,
		m.feedAnomalies,
		m.realtimeEvents,
		m.sessions,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSync(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(op, outcome(err)).Inc()
	m.syncDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SyncRetry(op string) {
	if m == nil {
		return
	}
	m.syncRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) MediatorOp(op string, err error) {
	if m == nil {
		return
	}
	m.mediatorOps.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) FeedAnomalies(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.feedAnomalies.Add(float64(n))
}

func (m *Metrics) RealtimeEvent(action string, err error) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(action, outcome(err)).Inc()
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
