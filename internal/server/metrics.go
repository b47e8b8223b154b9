package server

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the controller's Prometheus instruments on a private
// registry so tests can construct isolated instances.
type Metrics struct {
	registry *prom.Registry

	OperationsTotal *prom.CounterVec
	FlashBytesTotal prom.Counter
	FlashInFlight   prom.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prom.NewRegistry()}
	m.OperationsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "diskforge_operations_total",
		Help: "Orchestrator operations by type and outcome.",
	}, []string{"operation", "outcome"})
	m.FlashBytesTotal = prom.NewCounter(prom.CounterOpts{
		Name: "diskforge_flash_bytes_total",
		Help: "Bytes written to target devices by completed flashes.",
	})
	m.FlashInFlight = prom.NewGauge(prom.GaugeOpts{
		Name: "diskforge_flash_in_flight",
		Help: "Flash operations currently running.",
	})
	m.registry.MustRegister(m.OperationsTotal, m.FlashBytesTotal, m.FlashInFlight)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(operation string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
}
