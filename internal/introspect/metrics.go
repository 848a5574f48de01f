package introspect

import (
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the counters/gauges SPEC_FULL.md §2 wires into
// `internal/introspect`, registered the way alertmanager's
// cluster.Peer.register does: GaugeFunc closures for live state that
// has nowhere else to be incremented from, plain Counters for events
// this package is itself told about.
type Metrics struct {
	barrierWaitsTotal prometheus.Counter
}

// NewMetrics builds and registers groupd's metrics against reg.
// groups reports the live Group set; barrierPending, if non-nil,
// backs the groupd_barrier_waits_active gauge (barrier waits currently
// outstanding). The monotonic groupd_barrier_waits_total counter is
// separate and moves only through IncBarrierWait.
func NewMetrics(groups *registry.Registry, barrierPending func() int, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		barrierWaitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupd_barrier_waits_total",
			Help: "Total number of barrier waits started by this daemon instance.",
		}),
	}

	groupsTotal := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "groupd_groups_total",
		Help: "Number of groups currently known to this daemon.",
	}, func() float64 {
		return float64(len(groups.All()))
	})

	eventsPending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "groupd_events_pending",
		Help: "Total number of queued events across all groups.",
	}, func() float64 {
		var n int
		for _, g := range groups.All() {
			n += len(g.Queue)
		}
		return float64(n)
	})

	recoverySetsActive := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "groupd_recovery_sets_active",
		Help: "Number of distinct Recovery Sets currently in progress.",
	}, func() float64 {
		seen := make(map[*registry.RecoverySet]struct{})
		for _, g := range groups.All() {
			if g.Recovery != nil {
				seen[g.Recovery] = struct{}{}
			}
		}
		return float64(len(seen))
	})

	if barrierPending != nil {
		barrierWaitsActive := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "groupd_barrier_waits_active",
			Help: "Number of barrier waits currently outstanding.",
		}, func() float64 {
			return float64(barrierPending())
		})
		reg.MustRegister(barrierWaitsActive)
	}

	reg.MustRegister(groupsTotal, eventsPending, recoverySetsActive, m.barrierWaitsTotal)
	return m
}

// IncBarrierWait records that a new barrier wait was started (spec.md
// §4.5). Nothing in the daemon calls it, so groupd_barrier_waits_total
// counts only the waits a caller of this method reports.
func (m *Metrics) IncBarrierWait() {
	m.barrierWaitsTotal.Inc()
}
