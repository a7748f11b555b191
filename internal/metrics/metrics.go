// Package metrics exposes settler and oracle outcomes as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

const namespace = "roundkeeper"

var phases = []domain.RoundPhase{
	domain.PhaseReady,
	domain.PhaseActive,
	domain.PhaseExpiredUnsettled,
	domain.PhaseExpiredSettled,
	domain.PhaseUnknown,
}

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	ready        prometheus.Gauge
	total        prometheus.Gauge
	phase        *prometheus.GaugeVec
	actions      *prometheus.CounterVec
	batches      *prometheus.CounterVec
	oracle       *prometheus.CounterVec
	prices       *prometheus.GaugeVec
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Settler ticks by result (ok, failed, skipped).",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Wall time of a settler tick.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "markets_ready",
			Help: "Markets ready for a new round after the last tick.",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "markets_total",
			Help: "Markets tracked by the settler.",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "market_phase",
			Help: "1 for the phase each market was in at the last tick.",
		}, []string{"symbol", "phase"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_total",
			Help: "Round transactions by action and result.",
		}, []string{"action", "result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_total",
			Help: "createBatchRounds attempts by result.",
		}, []string{"result"}),
		oracle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "oracle_updates_total",
			Help: "Oracle price pushes by result and price source.",
		}, []string{"result", "source"}),
		prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "oracle_price_usd",
			Help: "Last price pushed to the oracle.",
		}, []string{"symbol"}),
	}

	m.reg.MustRegister(
		m.ticks, m.tickDuration, m.ready, m.total, m.phase,
		m.actions, m.batches, m.oracle, m.prices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// HandleTick records a finished tick. It never fails.
func (m *Metrics) HandleTick(_ context.Context, r domain.TickReport) error {
	switch {
	case r.Skipped != "":
		m.ticks.WithLabelValues("skipped").Inc()
		return nil
	case len(r.Failures()) > 0:
		m.ticks.WithLabelValues("failed").Inc()
	default:
		m.ticks.WithLabelValues("ok").Inc()
	}
	m.tickDuration.Observe(r.Duration().Seconds())
	m.ready.Set(float64(r.Ready))
	m.total.Set(float64(r.Total))

	for _, mr := range r.Markets {
		for _, p := range phases {
			v := 0.0
			if p == mr.Phase {
				v = 1
			}
			m.phase.WithLabelValues(mr.Symbol, string(p)).Set(v)
		}
		for _, a := range mr.Actions {
			m.actions.WithLabelValues(string(a.Action), result(a.OK())).Inc()
		}
	}
	if r.Batch != nil {
		m.batches.WithLabelValues(result(r.Batch.OK())).Inc()
	}
	return nil
}

// HandleOracle records an oracle update.
func (m *Metrics) HandleOracle(_ context.Context, up domain.OracleUpdate) {
	res := result(up.OK())
	if up.Skipped != "" {
		res = "skipped"
	}
	m.oracle.WithLabelValues(res, string(up.Source)).Inc()
	if !up.OK() {
		return
	}
	for sym, p := range up.Prices {
		if v, err := strconv.ParseFloat(p, 64); err == nil {
			m.prices.WithLabelValues(sym).Set(v)
		}
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
