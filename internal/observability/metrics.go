package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry. All methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	broadcastJobs     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	completions       *prometheus.CounterVec
	completionLatency prometheus.Histogram
	ticks             *prometheus.CounterVec
	storeOps          *prometheus.CounterVec
	commands          *prometheus.CounterVec
	ingested          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		broadcastJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_broadcast_jobs_total",
			Help: "Broadcast jobs by trigger.",
		}, []string{"trigger"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_deliveries_total",
			Help: "Per-subscriber delivery attempts by result.",
		}, []string{"result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_completions_total",
			Help: "Completion requests by role and result.",
		}, []string{"role", "result"}),
		completionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carbonbot_completion_latency_seconds",
			Help:    "Completion service latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_ticks_total",
			Help: "Scheduled ticks by result.",
		}, []string{"result"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_store_ops_total",
			Help: "Store operations by op and result.",
		}, []string{"op", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_commands_total",
			Help: "Handled chat commands.",
		}, []string{"command"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonbot_ingested_records_total",
			Help: "Externally ingested records by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.broadcastJobs, m.deliveries, m.completions, m.completionLatency,
		m.ticks, m.storeOps, m.commands, m.ingested,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
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
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) BroadcastJob(trigger string) {
	if m == nil {
		return
	}
	m.broadcastJobs.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Delivery(err error) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Completion(role string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(role, result(err)).Inc()
	m.completionLatency.Observe(took.Seconds())
}

// Tick records a tick outcome: "ok", "store_error", "skipped".
func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

// StoreOp matches storage.OpObserver.
func (m *Metrics) StoreOp(op string, err error, _ time.Duration) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

// Ingested records an ingestion outcome: "ok", "invalid", "store_error".
func (m *Metrics) Ingested(outcome string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(outcome).Inc()
}
