package introspect

import (
	"testing"

	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		metric := mf.GetMetric()[0]
		if g := metric.GetGauge(); g != nil {
			return g.GetValue()
		}
		return metric.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestMetricsReportsGroupsEventsAndRecoverySets(t *testing.T) {
	reg := registry.New(1)
	gA, err := reg.Create(0, "a", 0)
	require.NoError(t, err)
	gB, err := reg.Create(1, "b", 0)
	require.NoError(t, err)

	gA.Queue = []*registry.Event{{ID: 1}, {ID: 2}}
	set := &registry.RecoverySet{ID: 1}
	gA.Recovery = set
	gB.Recovery = set

	promReg := prometheus.NewRegistry()
	m := NewMetrics(reg, func() int { return 3 }, promReg)
	require.NotNil(t, m)

	require.Equal(t, float64(2), gatherValue(t, promReg, "groupd_groups_total"))
	require.Equal(t, float64(2), gatherValue(t, promReg, "groupd_events_pending"))
	require.Equal(t, float64(1), gatherValue(t, promReg, "groupd_recovery_sets_active"))
	require.Equal(t, float64(3), gatherValue(t, promReg, "groupd_barrier_waits_active"))
	require.Equal(t, float64(0), testutil.ToFloat64(counterFor(m)))

	m.IncBarrierWait()
	require.Equal(t, float64(1), testutil.ToFloat64(counterFor(m)))
}

func counterFor(m *Metrics) prometheus.Counter {
	return m.barrierWaitsTotal
}

func TestMetricsOmitsBarrierWaitsActiveGaugeWhenNoCallbackGiven(t *testing.T) {
	reg := registry.New(1)
	promReg := prometheus.NewRegistry()
	NewMetrics(reg, nil, promReg)

	mfs, err := promReg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		require.NotEqual(t, "groupd_barrier_waits_active", mf.GetName())
	}
}
