package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"bridgesim/internal/event"
)

var statusValue = map[string]float64{"active": 0, "degraded": 1, "halted": 2}

// PromObserver exports collector input as Prometheus series on its own
// registry so concurrent runners never share collectors.
type PromObserver struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	transfers *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	status    *prometheus.GaugeVec
}

// NewPromObserver registers the bridgesim series on a fresh registry.
func NewPromObserver() *PromObserver {
	p := &PromObserver{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgesim",
			Name:      "events_total",
			Help:      "Observed simulation rows by component and kind.",
		}, []string{"component", "kind"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgesim",
			Name:      "transfers_finished_total",
			Help:      "Finished transfers by bridge and outcome.",
		}, []string{"bridge", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridgesim",
			Name:      "transfer_latency_seconds",
			Help:      "Simulated initiated-to-complete latency.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"bridge"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridgesim",
			Name:      "bridge_status",
			Help:      "Bridge status: 0 active, 1 degraded, 2 halted.",
		}, []string{"bridge"}),
	}
	p.registry.MustRegister(p.events, p.transfers, p.latency, p.status)
	return p
}

// Registry returns the registry to expose over HTTP.
func (p *PromObserver) Registry() *prometheus.Registry { return p.registry }

// ObserveRow implements Observer.
func (p *PromObserver) ObserveRow(r event.Row) {
	p.events.WithLabelValues(string(r.Component), r.Kind).Inc()
	if r.Kind == event.KindBridgeStatus {
		if v, ok := statusValue[r.To]; ok {
			p.status.WithLabelValues(r.Bridge).Set(v)
		}
	}
}

// ObserveTransfer implements Observer.
func (p *PromObserver) ObserveTransfer(bridge, outcome string, seconds float64) {
	p.transfers.WithLabelValues(bridge, outcome).Inc()
	if outcome == "complete" {
		p.latency.WithLabelValues(bridge).Observe(seconds)
	}
}
