// Package metricsvc exposes sync and remote store counters to Prometheus.
package metricsvc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
	syncer "github.com/trezcool/rollcall/core/sync"
)

type Metrics struct {
	reg *prometheus.Registry

	writes     *prometheus.CounterVec
	pushes     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	pulled     *prometheus.CounterVec
}

var (
	_ remote.Observer = (*Metrics)(nil)
	_ syncer.Observer = (*Metrics)(nil)
)

// New registers the collectors on a fresh registry, with the Go and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rollcall"
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "writes_total",
			Help:      "Writes decided by the remote store, by operation and outcome.",
		}, []string{"op", "outcome"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Queued mutations pushed, by operation and outcome.",
		}, []string{"op", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Mutations waiting in the outbound queue.",
		}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulled_records_total",
			Help:      "Local records changed by pulls.",
		}, []string{"change"}),
	}
	m.reg.MustRegister(
		m.writes, m.pushes, m.queueDepth, m.pulled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) WriteAccepted(op record.Op) {
	m.writes.WithLabelValues(string(op), "accepted").Inc()
}

func (m *Metrics) WriteRejected(op record.Op, kind core.Kind) {
	m.writes.WithLabelValues(string(op), string(kind)).Inc()
}

func (m *Metrics) PushAccepted(op record.Op) {
	m.pushes.WithLabelValues(string(op), "accepted").Inc()
}

func (m *Metrics) PushFailed(op record.Op, kind core.Kind) {
	m.pushes.WithLabelValues(string(op), string(kind)).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Pulled(updated, removed int) {
	m.pulled.WithLabelValues("updated").Add(float64(updated))
	m.pulled.WithLabelValues("removed").Add(float64(removed))
}
