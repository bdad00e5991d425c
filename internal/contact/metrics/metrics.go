package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for identity reconciliation.
type Metrics struct {
	Identifications *prometheus.CounterVec
	ContactsCreated prometheus.Counter
	ClustersMerged  prometheus.Counter
	TxConflicts     prometheus.Counter
}

// New creates and registers all reconciliation metrics on the default
// registry. Call once per process; tests pass a nil *Metrics instead.
func New() *Metrics {
	return &Metrics{
		Identifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_identifications_total",
			Help: "Identify calls by reconciliation outcome",
		}, []string{"outcome"}),
		ContactsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idlink_contacts_created_total",
			Help: "Total contact rows created",
		}),
		ClustersMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idlink_clusters_merged_total",
			Help: "Total merge events between previously separate clusters",
		}),
		TxConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idlink_tx_conflicts_total",
			Help: "Identify transactions retried after a serialization conflict",
		}),
	}
}
