// Package metrics exposes prometheus collectors for the configuration server,
// the dedup store and the publisher. Collectors are owned by a Metrics value
// registered on an explicit registry, never on the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all failsafe collectors.
type Metrics struct {
	Probes      *prometheus.CounterVec
	Failovers   *prometheus.CounterVec
	Votes       *prometheus.CounterVec
	Unhealthy   *prometheus.CounterVec
	Publishes   *prometheus.CounterVec
	DeadServers prometheus.Gauge
	Messages    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil registerer
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "probes_total",
			Help:      "Store node probes by observed role.",
		}, []string{"system", "role"}),
		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "failovers_total",
			Help:      "Failover procedures by outcome.",
		}, []string{"system", "outcome"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "votes_total",
			Help:      "Watcher messages received by kind.",
		}, []string{"system", "kind"}),
		Unhealthy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "unhealthy_nodes_total",
			Help:      "Store nodes marked unhealthy after repeated failed probes.",
		}, []string{"node"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "publishes_total",
			Help:      "Publish calls by mode and result.",
		}, []string{"mode", "result"}),
		DeadServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "failsafe",
			Name:      "publisher_dead_servers",
			Help:      "Broker servers currently quarantined.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "messages_processed_total",
			Help:      "Processed messages by resulting status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Probes, m.Failovers, m.Votes, m.Unhealthy, m.Publishes, m.DeadServers, m.Messages)
	}
	return m
}

// OrNew returns m, or an unregistered Metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
