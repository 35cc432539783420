package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the counters exported by the service. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	SyncPushed          *prometheus.CounterVec
	SyncTransportErrors *prometheus.CounterVec
	SyncConflicts       *prometheus.CounterVec
	PruneErrors         prometheus.Counter
	PrunedReadings      prometheus.Counter
	AlertsRaised        *prometheus.CounterVec
	MigrationsApplied   prometheus.Counter
}

// New registers all counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SyncPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmsync_sync_pushed_total",
			Help: "Records pushed to the remote authority, by entity and result.",
		}, []string{"entity", "result"}),
		SyncTransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmsync_sync_transport_errors_total",
			Help: "Push or pull calls that failed at the transport level.",
		}, []string{"entity"}),
		SyncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmsync_sync_conflicts_total",
			Help: "Remote records that disagreed with local state.",
		}, []string{"entity"}),
		PruneErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmsync_retention_prune_errors_total",
			Help: "Failed retention prune runs.",
		}),
		PrunedReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmsync_retention_pruned_readings_total",
			Help: "Sensor readings removed by retention pruning.",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmsync_alerts_raised_total",
			Help: "Alerts raised by condition type.",
		}, []string{"type"}),
		MigrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmsync_migrations_applied_total",
			Help: "Schema migration steps applied since start.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SyncPushed,
		m.SyncTransportErrors,
		m.SyncConflicts,
		m.PruneErrors,
		m.PrunedReadings,
		m.AlertsRaised,
		m.MigrationsApplied,
	)
	return m
}
