// Package metrics exposes forwarding counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fwdbot/internal/dispatch"
)

// Metrics owns its registry so tests and multiple instances never collide
// on the global one.
type Metrics struct {
	reg *prometheus.Registry

	Outcomes       *prometheus.CounterVec
	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	SkippedTicks   prometheus.Counter
	ActiveJobs     prometheus.Gauge
	Clients        prometheus.Gauge
	PendingRetries prometheus.Gauge
	Cooldowns      prometheus.GaugeFunc
}

// New registers every collector. cooldowns, when set, reports the number of
// destinations currently cooling down.
func New(cooldowns func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwdbot_send_outcomes_total",
				Help: "Send attempts by outcome",
			},
			[]string{"outcome"},
		),
		Cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwdbot_dispatch_cycles_total",
				Help: "Dispatch cycles by result",
			},
			[]string{"result"},
		),
		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fwdbot_dispatch_cycle_duration_seconds",
				Help:    "Wall time of one dispatch cycle main pass",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		SkippedTicks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fwdbot_skipped_ticks_total",
				Help: "Ticks skipped because the previous cycle was still running",
			},
		),
		ActiveJobs: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fwdbot_active_jobs",
				Help: "Tenants with an installed forwarding job",
			},
		),
		Clients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fwdbot_connected_clients",
				Help: "Connected tenant clients",
			},
		),
		PendingRetries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fwdbot_pending_retries",
				Help: "Retry chains waiting for a cooldown to expire",
			},
		),
	}
	if cooldowns != nil {
		m.Cooldowns = f.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "fwdbot_cooling_destinations",
				Help: "Destinations with an unexpired cooldown",
			},
			func() float64 { return float64(cooldowns()) },
		)
	}
	return m
}

// Outcome implements dispatch.Observer.
func (m *Metrics) Outcome(kind dispatch.OutcomeKind) {
	m.Outcomes.WithLabelValues(kind.String()).Inc()
}

// CycleDone implements dispatch.Observer.
func (m *Metrics) CycleDone(r dispatch.Report) {
	result := "ok"
	switch {
	case r.Err != nil:
		result = "error"
	case r.Cancelled:
		result = "cancelled"
	}
	m.Cycles.WithLabelValues(result).Inc()
	if r.Err == nil && !r.FinishedAt.IsZero() {
		m.CycleDuration.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	}
}

// RetryPending implements dispatch.Observer.
func (m *Metrics) RetryPending(delta int) {
	m.PendingRetries.Add(float64(delta))
}

func (m *Metrics) SetClients(n int) { m.Clients.Set(float64(n)) }

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
