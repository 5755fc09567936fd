package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is what the coordinator components report into. A nil *Metrics is
// safe to use so tests don't have to wire a registry.
type Service interface {
	RecordTerminalStatus(chainID uint64, status string)
	SetActiveWatchers(n int)
	SetQueueDepth(n int)
	RecordRequestHandled(method, outcome string)
}

type Metrics struct {
	registry        *prometheus.Registry
	terminalStatus  *prometheus.CounterVec
	activeWatchers  prometheus.Gauge
	queueDepth      prometheus.Gauge
	requestsHandled *prometheus.CounterVec
}

var _ Service = (*Metrics)(nil)

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		terminalStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "watcher",
				Name:      "terminal_status_total",
				Help:      "Total number of terminal transaction statuses by chain and status",
			},
			[]string{"chain", "status"},
		),
		activeWatchers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coordinator",
				Subsystem: "watcher",
				Name:      "active_watch_tasks",
				Help:      "Number of currently running watch tasks",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coordinator",
				Subsystem: "pairing",
				Name:      "pending_requests",
				Help:      "Number of signing requests awaiting approval",
			},
		),
		requestsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "pairing",
				Name:      "requests_handled_total",
				Help:      "Total number of inbound pairing requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
	}

	registry.MustRegister(m.terminalStatus, m.activeWatchers, m.queueDepth, m.requestsHandled)
	return m
}

func (m *Metrics) RecordTerminalStatus(chainID uint64, status string) {
	if m == nil {
		return
	}
	m.terminalStatus.WithLabelValues(strconv.FormatUint(chainID, 10), status).Inc()
}

func (m *Metrics) SetActiveWatchers(n int) {
	if m == nil {
		return
	}
	m.activeWatchers.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordRequestHandled(method, outcome string) {
	if m == nil {
		return
	}
	m.requestsHandled.WithLabelValues(method, outcome).Inc()
}

// Handler serves the registry for the metrics port.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
