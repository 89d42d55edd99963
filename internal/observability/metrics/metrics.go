package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postbot"

// Metrics holds the Prometheus collectors of the bot.
//
// A nil *Metrics is valid; every method is a no-op on it.
type Metrics struct {
	reg *prometheus.Registry

	// Ingest
	AttachmentsSaved *prometheus.CounterVec // kind
	PostsScheduled   prometheus.Counter
	IngestRejected   *prometheus.CounterVec // reason
	SlotOverflow     prometheus.Counter
	SlotDaysAhead    prometheus.Histogram

	// Publisher
	PostsPublished   prometheus.Counter
	PostsDropped     prometheus.Counter
	DeliveryFailures *prometheus.CounterVec // step
	PublishCycles    *prometheus.CounterVec // status
	QueueDepth       prometheus.Gauge
	DeliveryDuration prometheus.Histogram

	// Housekeeping
	MediaPruned prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry together
// with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		AttachmentsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "attachments_saved_total",
			Help: "Attachments downloaded into the media store.",
		}, []string{"kind"}),
		PostsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "posts_scheduled_total",
			Help: "Submissions committed to the schedule.",
		}),
		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "rejected_total",
			Help: "Submissions that were not scheduled.",
		}, []string{"reason"}),
		SlotOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "overflow_total",
			Help: "Allocations that fell back to the window end.",
		}),
		SlotDaysAhead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "days_ahead",
			Help:    "How many windows past today an allocated slot lies in.",
			Buckets: []float64{0, 1, 2, 3, 5, 7},
		}),
		PostsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "posts_published_total",
			Help: "Posts delivered to the channel.",
		}),
		PostsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "posts_dropped_total",
			Help: "Due posts removed without delivery because an asset was missing.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "delivery_failures_total",
			Help: "Failed sends, retried on the next cycle.",
		}, []string{"step"}),
		PublishCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "cycles_total",
			Help: "Publish loop iterations.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "queue_depth",
			Help: "Posts still waiting after the last cycle.",
		}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "delivery_seconds",
			Help:    "Time spent delivering one post.",
			Buckets: prometheus.DefBuckets,
		}),
		MediaPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "groups_pruned_total",
			Help: "Orphan attachment groups removed by the prune job.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AttachmentsSaved, m.PostsScheduled, m.IngestRejected, m.SlotOverflow, m.SlotDaysAhead,
		m.PostsPublished, m.PostsDropped, m.DeliveryFailures, m.PublishCycles, m.QueueDepth, m.DeliveryDuration,
		m.MediaPruned,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) AttachmentSaved(kind string) {
	if m == nil {
		return
	}
	m.AttachmentsSaved.WithLabelValues(kind).Inc()
}

func (m *Metrics) Scheduled(daysAhead int, overflow bool) {
	if m == nil {
		return
	}
	m.PostsScheduled.Inc()
	m.SlotDaysAhead.Observe(float64(daysAhead))
	if overflow {
		m.SlotOverflow.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.IngestRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Published(seconds float64) {
	if m == nil {
		return
	}
	m.PostsPublished.Inc()
	m.DeliveryDuration.Observe(seconds)
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.PostsDropped.Inc()
}

func (m *Metrics) DeliveryFailed(step string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) Cycle(status string, pending int) {
	if m == nil {
		return
	}
	m.PublishCycles.WithLabelValues(status).Inc()
	if pending >= 0 {
		m.QueueDepth.Set(float64(pending))
	}
}

func (m *Metrics) Pruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MediaPruned.Add(float64(n))
}
