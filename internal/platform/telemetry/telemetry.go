// Package telemetry exposes Prometheus metrics for the documentation engine:
// accepted snapshot mutations, broadcast fan-out, and ledger activity.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	MutationsTotal    *prometheus.CounterVec
	MutationDuration  *prometheus.HistogramVec
	BroadcastsTotal   prometheus.Counter
	BroadcastDrops    prometheus.Counter
	LedgerCommits     prometheus.Counter
	LedgerRollbacks   prometheus.Counter
	ActiveSubscribers prometheus.GaugeFunc
}

// New builds and registers the metric set. subscriberCount reports the
// current number of live bus clients.
func New(subscriberCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		registry: reg,
		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opchart_snapshot_mutations_total",
			Help: "Accepted snapshot mutations by channel and operation.",
		}, []string{"channel", "op"}),
		MutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opchart_snapshot_mutation_seconds",
			Help:    "Latency of snapshot read-modify-write cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opchart_broadcasts_total",
			Help: "Events delivered to bus subscribers.",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opchart_broadcast_drops_total",
			Help: "Events dropped because a subscriber's buffer was full.",
		}),
		LedgerCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opchart_ledger_commits_total",
			Help: "Inventory commits signed.",
		}),
		LedgerRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opchart_ledger_rollbacks_total",
			Help: "Inventory commits rolled back.",
		}),
		ActiveSubscribers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "opchart_bus_subscribers",
			Help: "Currently connected bus clients.",
		}, func() float64 { return float64(subscriberCount()) }),
	}

	reg.MustRegister(m.MutationsTotal, m.MutationDuration, m.BroadcastsTotal,
		m.BroadcastDrops, m.LedgerCommits, m.LedgerRollbacks, m.ActiveSubscribers)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
