package rack

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the supervisor's Prometheus collectors, registered on a
// private registry so tests can create supervisors freely.
type Metrics struct {
	reg *prometheus.Registry

	HotplugEvents  *prometheus.CounterVec
	FlapsDetected  prometheus.Counter
	Recoveries     *prometheus.CounterVec
	ProxyStarts    *prometheus.CounterVec
	RunningProxies prometheus.Gauge
}

// NewMetrics builds and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		HotplugEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labrack_hotplug_events_total",
			Help: "Hotplug notifications accepted, by action.",
		}, []string{"action"}),
		FlapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labrack_flaps_detected_total",
			Help: "Flap-threshold crossings.",
		}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labrack_recoveries_total",
			Help: "Recovery sequences, by outcome.",
		}, []string{"outcome"}),
		ProxyStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labrack_proxy_starts_total",
			Help: "Proxy child launches, by result.",
		}, []string{"result"}),
		RunningProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labrack_running_proxies",
			Help: "Proxy children currently alive and accepting.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		m.HotplugEvents, m.FlapsDetected, m.Recoveries, m.ProxyStarts, m.RunningProxies,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
