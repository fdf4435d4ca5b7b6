package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	DispatchesTotal *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DispatchWaitMS  *prometheus.HistogramVec
	ExecutionMS     *prometheus.HistogramVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_dispatches_total",
			Help: "Queue items dispatched, by outcome",
		}, []string{"queue", "model", "status"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelgate_queue_depth",
			Help: "Pending items per queue",
		}, []string{"queue"}),
		DispatchWaitMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_dispatch_wait_ms",
			Help:    "Time items spent queued before dispatch, in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"queue"}),
		ExecutionMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_execution_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"queue", "model"}),
	}
	reg.MustRegister(m.DispatchesTotal, m.QueueDepth, m.DispatchWaitMS, m.ExecutionMS)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
