// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Mutations         *prometheus.CounterVec
	DecryptFailures   prometheus.Counter
	HydratedRecords   *prometheus.CounterVec
	HydrationFailures *prometheus.CounterVec
	QueueResults      *prometheus.CounterVec
	PendingWrites     prometheus.Gauge
	RealtimeConnected prometheus.Gauge
	PollActive        prometheus.Gauge
	State             *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gophsync_mutations_total",
			Help: "Remote and local mutations by origin and apply outcome",
		}, []string{"origin", "outcome"}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gophsync_decrypt_failures_total",
			Help: "In-transit payloads that failed to decrypt",
		}),
		HydratedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gophsync_hydrated_records_total",
			Help: "Records written during hydration by tier",
		}, []string{"tier"}),
		HydrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gophsync_hydration_failures_total",
			Help: "Tables that failed to hydrate by tier",
		}, []string{"tier"}),
		QueueResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gophsync_queue_results_total",
			Help: "Offline queue flush results by kind",
		}, []string{"result"}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gophsync_pending_writes",
			Help: "Local writes waiting to be delivered",
		}),
		RealtimeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gophsync_realtime_connected",
			Help: "1 while the real-time channel is subscribed",
		}),
		PollActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gophsync_poll_active",
			Help: "1 while the polling channel is promoted",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gophsync_state",
			Help: "1 for the current session state",
		}, []string{"state"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Mutations, m.DecryptFailures, m.HydratedRecords, m.HydrationFailures,
		m.QueueResults, m.PendingWrites, m.RealtimeConnected, m.PollActive, m.State,
	)
	return m
}

// NewNop returns metrics registered with a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string, all ...string) {
	for _, s := range all {
		m.State.WithLabelValues(s).Set(0)
	}
	m.State.WithLabelValues(state).Set(1)
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

func (m *Metrics) SetRealtimeConnected(v bool) { boolGauge(m.RealtimeConnected, v) }

func (m *Metrics) SetPollActive(v bool) { boolGauge(m.PollActive, v) }
