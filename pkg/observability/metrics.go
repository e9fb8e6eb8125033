package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Metrics holds the collectors of one process, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	clientsConnected prometheus.Gauge
	actions          *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	kernelEvents     *prometheus.CounterVec
	saves            *prometheus.CounterVec
	slowClients      prometheus.Counter
}

// New creates the collectors and registers them, along with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open notebook sessions",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of clients registered across all sessions",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Client actions processed, by action name and result code",
		}, []string{"action", "code"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Time spent running an action through the processor pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"action"}),
		kernelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_events_total",
			Help:      "Events received from kernels, by kind",
		}, []string{"kind"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notebook_saves_total",
			Help:      "Notebook saves, by result",
		}, []string{"result"}),
		slowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_client_disconnects_total",
			Help:      "Clients disconnected because their send buffer was full",
		}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.clientsConnected,
		m.actions,
		m.actionDuration,
		m.kernelEvents,
		m.saves,
		m.slowClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) ClientRegistered() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

// ClientUnregistered records a client leaving. slow marks a forced disconnect.
func (m *Metrics) ClientUnregistered(slow bool) {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
	if slow {
		m.slowClients.Inc()
	}
}

// ActionProcessed records one pass through the pipeline. code is "ok" or a wire error code.
func (m *Metrics) ActionProcessed(action, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, code).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) KernelEvent(kind string) {
	if m == nil {
		return
	}
	m.kernelEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotebookSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saves.WithLabelValues(result).Inc()
}
