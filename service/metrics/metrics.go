// Package metrics exposes the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	Labels prometheus.Labels
}

type Metrics struct {
	publishes   *prometheus.CounterVec
	deltas      *prometheus.CounterVec
	snapshots   prometheus.Counter
	evicted     prometheus.Counter
	dropped     *prometheus.CounterVec
	frames      *prometheus.CounterVec
	connections prometheus.Gauge
	records     prometheus.Gauge
	subs        prometheus.Gauge
	latency     prometheus.Histogram
}

func New(o Options) *Metrics {
	return &Metrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "presence_publishes_total",
			Help:        "Position updates by outcome.",
			ConstLabels: o.Labels,
		}, []string{"result"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "presence_deltas_total",
			Help:        "Deltas enqueued to subscribers by op.",
			ConstLabels: o.Labels,
		}, []string{"op"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "presence_snapshots_total",
			Help:        "Full snapshots enqueued.",
			ConstLabels: o.Labels,
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "presence_stale_evictions_total",
			Help:        "Records removed by the staleness sweep.",
			ConstLabels: o.Labels,
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "presence_dropped_total",
			Help:        "Work dropped because a queue was full.",
			ConstLabels: o.Labels,
		}, []string{"queue"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "presence_gateway_frames_total",
			Help:        "Frames read from clients by type.",
			ConstLabels: o.Labels,
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "presence_connections",
			Help:        "Attached connections.",
			ConstLabels: o.Labels,
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "presence_records",
			Help:        "Live presence records.",
			ConstLabels: o.Labels,
		}),
		subs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "presence_subscriptions",
			Help:        "Active subscriptions.",
			ConstLabels: o.Labels,
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "presence_publish_seconds",
			Help:        "Publish including fan-out.",
			ConstLabels: o.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
	}
}

func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.publishes, m.deltas, m.snapshots, m.evicted, m.dropped,
		m.frames, m.connections, m.records, m.subs, m.latency)
}

// Handler serves r in the OpenMetrics format.
func Handler(r *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{
		Registry:          r,
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) Publish(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
	m.latency.Observe(took.Seconds())
}

func (m *Metrics) Delta(op string) {
	if m == nil {
		return
	}
	m.deltas.WithLabelValues(op).Inc()
}

func (m *Metrics) Snapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) Dropped(queue string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(queue).Inc()
}

func (m *Metrics) Frame(t string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(t).Inc()
}

// Sizes sets the connection, record and subscription gauges.
func (m *Metrics) Sizes(conns, records, subs int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(conns))
	m.records.Set(float64(records))
	m.subs.Set(float64(subs))
}
