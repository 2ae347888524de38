// Package metrics defines the Prometheus collectors of the sync server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collabd"

type Metrics struct {
	Connections     prometheus.Gauge
	Documents       prometheus.Gauge
	Updates         *prometheus.CounterVec
	Saves           *prometheus.CounterVec
	Published       *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	RemoteReceived  *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	Terminated      *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections attached to a document.",
		}),
		Documents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_loaded",
			Help:      "Documents with a live in-memory replica.",
		}),
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Document updates that changed a replica, by origin.",
		}, []string{"origin"}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot saves, by trigger and result.",
		}, []string{"trigger", "result"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_published_total",
			Help:      "Messages published to the broker, by channel topic.",
		}, []string{"topic"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_publish_failures_total",
			Help:      "Failed broker publishes, by channel topic.",
		}, []string{"topic"}),
		RemoteReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_received_total",
			Help:      "Broker messages received, by channel topic and outcome.",
		}, []string{"topic", "outcome"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound client messages dropped, by reason.",
		}, []string{"reason"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_rejected_total",
			Help:      "Connection upgrades rejected before attach, by reason.",
		}, []string{"reason"}),
		Terminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_terminated_total",
			Help:      "Connections closed by the server, by reason.",
		}, []string{"reason"}),
	}
}

// Discard returns collectors registered nowhere, for tests and tools.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
