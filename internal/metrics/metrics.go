// Package metrics defines the Prometheus collectors for the reconcile loop.
// They live in a standalone package so the reconcile, stack, and webhook
// packages can share them without import cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_reconcile_cycles_total",
		Help: "Completed reconciliation cycles",
	})

	CyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_reconcile_cycles_skipped_total",
		Help: "Cycles skipped because the repository revision did not change",
	})

	SyncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_repo_sync_errors_total",
		Help: "Repository sync failures (aborted cycles)",
	})

	ResolutionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_stack_resolution_errors_total",
		Help: "Stack records skipped during desired-state resolution",
	})

	DeploysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_stack_deploys_total",
		Help: "Successful stack deploy operations",
	})

	DeployFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_stack_deploy_failures_total",
		Help: "Failed stack deploy operations",
	})

	RemovesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_stack_removes_total",
		Help: "Successful stack remove operations",
	})

	RemoveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsyncd_stack_remove_failures_total",
		Help: "Failed stack remove operations",
	})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmsyncd_reconcile_cycle_duration_seconds",
		Help:    "Wall-clock duration of one reconciliation cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	ManagedStacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swarmsyncd_managed_stacks",
		Help: "Stacks named in the current desired-state snapshot",
	})

	EnabledStacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swarmsyncd_enabled_stacks",
		Help: "Enabled stacks in the current desired-state snapshot",
	})
)

// Register registers all collectors on the given registry, or the default
// registry if nil. Double registration is tolerated.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	collectors := []prometheus.Collector{
		CyclesTotal,
		CyclesSkipped,
		SyncErrors,
		ResolutionErrors,
		DeploysTotal,
		DeployFailures,
		RemovesTotal,
		RemoveFailures,
		CycleDuration,
		ManagedStacks,
		EnabledStacks,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
