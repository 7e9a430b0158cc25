// Package metrics exposes engine activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/adamavenir/threadline/internal/connstate"
	"github.com/adamavenir/threadline/internal/outbox"
	"github.com/adamavenir/threadline/internal/receipts"
	"github.com/adamavenir/threadline/internal/uploads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadline"

// Metrics holds every collector on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	outboxEnqueued  prometheus.Counter
	outboxDelivered prometheus.Counter
	outboxFailures  *prometheus.CounterVec
	outboxDepth     *prometheus.GaugeVec

	uploadBytes    prometheus.Counter
	uploadJobs     *prometheus.CounterVec
	uploadsRunning prometheus.Gauge
	uploadsPending prometheus.Gauge

	receiptFlushes *prometheus.CounterVec
	receiptIDs     *prometheus.CounterVec

	reactions *prometheus.CounterVec

	connState       *prometheus.GaugeVec
	connTransitions *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		outboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "enqueued_total",
			Help: "Messages accepted into the outbox.",
		}),
		outboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "delivered_total",
			Help: "Outbox entries confirmed by the server.",
		}),
		outboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "failures_total",
			Help: "Failed delivery attempts by kind.",
		}, []string{"kind"}),
		outboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "entries",
			Help: "Outbox entries by state.",
		}, []string{"state"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "uploads", Name: "bytes_total",
			Help: "Bytes acknowledged by the upload endpoint.",
		}),
		uploadJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "uploads", Name: "jobs_total",
			Help: "Finished upload jobs by outcome.",
		}, []string{"outcome"}),
		uploadsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "uploads", Name: "running",
			Help: "Upload jobs transferring now.",
		}),
		uploadsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "uploads", Name: "pending",
			Help: "Upload jobs waiting for a slot.",
		}),
		receiptFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receipts", Name: "flushes_total",
			Help: "Receipt batch flushes by kind and result.",
		}, []string{"kind", "result"}),
		receiptIDs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receipts", Name: "ids_total",
			Help: "Message ids sent in receipt batches.",
		}, []string{"kind"}),
		reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactions", Name: "total",
			Help: "Reaction toggles by outcome.",
		}, []string{"outcome"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "1 for the current connection state.",
		}, []string{"state"}),
		connTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "transitions_total",
			Help: "Connection state changes by target state.",
		}, []string{"to"}),
	}
	m.Registry.MustRegister(
		m.outboxEnqueued, m.outboxDelivered, m.outboxFailures, m.outboxDepth,
		m.uploadBytes, m.uploadJobs, m.uploadsRunning, m.uploadsPending,
		m.receiptFlushes, m.receiptIDs,
		m.reactions,
		m.connState, m.connTransitions,
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Outbox returns an observer for the outbox manager.
func (m *Metrics) Outbox() outbox.Observer { return outboxObserver{m} }

type outboxObserver struct{ m *Metrics }

func (o outboxObserver) Enqueued()  { o.m.outboxEnqueued.Inc() }
func (o outboxObserver) Delivered() { o.m.outboxDelivered.Inc() }

func (o outboxObserver) Failed(permanent bool) {
	kind := "transient"
	if permanent {
		kind = "permanent"
	}
	o.m.outboxFailures.WithLabelValues(kind).Inc()
}

func (o outboxObserver) Depth(queued, inFlight, scheduled int) {
	o.m.outboxDepth.WithLabelValues(string(outbox.StateQueued)).Set(float64(queued))
	o.m.outboxDepth.WithLabelValues(string(outbox.StateInFlight)).Set(float64(inFlight))
	o.m.outboxDepth.WithLabelValues(string(outbox.StateScheduled)).Set(float64(scheduled))
}

// Uploads returns an observer for the upload manager.
func (m *Metrics) Uploads() uploads.Observer { return uploadObserver{m} }

type uploadObserver struct{ m *Metrics }

func (u uploadObserver) ChunkSent(n int)            { u.m.uploadBytes.Add(float64(n)) }
func (u uploadObserver) JobFinished(outcome string) { u.m.uploadJobs.WithLabelValues(outcome).Inc() }

func (u uploadObserver) QueueDepth(running, pending int) {
	u.m.uploadsRunning.Set(float64(running))
	u.m.uploadsPending.Set(float64(pending))
}

// Receipts records one receipt flush.
func (m *Metrics) Receipts(kind receipts.Kind, ids int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.receiptFlushes.WithLabelValues(string(kind), result).Inc()
	if err == nil {
		m.receiptIDs.WithLabelValues(string(kind)).Add(float64(ids))
	}
}

// Reaction records one reaction outcome.
func (m *Metrics) Reaction(outcome string) {
	m.reactions.WithLabelValues(outcome).Inc()
}

var connStates = []connstate.State{
	connstate.Connecting, connstate.Connected, connstate.Reconnecting, connstate.Offline, connstate.Error,
}

// Connection records a state change. Subscribe it to a connstate.Machine.
func (m *Metrics) Connection(_, to connstate.State) {
	for _, s := range connStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.connState.WithLabelValues(string(s)).Set(v)
	}
	m.connTransitions.WithLabelValues(string(to)).Inc()
}
