package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaohao-creator/turbocore/pubsub"
	"github.com/gaohao-creator/turbocore/threadpool"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Pools: []threadpool.Stats{
			{Name: "call_to_thread", Cap: 200, Running: 3, Idle: 1, Busy: 2, Queued: 4},
		},
		Schedulers: []SchedulerStats{
			{Name: "fast", Jobs: 2},
			{Name: "slow", Jobs: 5},
		},
		Slots: []threadpool.SlotStats{
			{Type: "misc", Current: 3, Max: 10},
		},
		Bus:            pubsub.Stats{Topics: 2, Subscriptions: 3, Pending: 1},
		Daemons:        4,
		ErrorsReported: 7,
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector("", testSnapshot)

	expected := `
# HELP turbocore_pool_workers Workers of the pool by state.
# TYPE turbocore_pool_workers gauge
turbocore_pool_workers{pool="call_to_thread",state="busy"} 2
turbocore_pool_workers{pool="call_to_thread",state="idle"} 1
turbocore_pool_workers{pool="call_to_thread",state="running"} 3
# HELP turbocore_scheduler_jobs Jobs waiting on the scheduler.
# TYPE turbocore_scheduler_jobs gauge
turbocore_scheduler_jobs{scheduler="fast"} 2
turbocore_scheduler_jobs{scheduler="slow"} 5
# HELP turbocore_errors_reported_total Errors reported by background work.
# TYPE turbocore_errors_reported_total counter
turbocore_errors_reported_total 7
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"turbocore_pool_workers", "turbocore_scheduler_jobs", "turbocore_errors_reported_total"))

	// 5 pool series, 2 scheduler series, 2 slot series, 3 bus, daemons, errors
	assert.Equal(t, 14, testutil.CollectAndCount(c))
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	_, err := Register(reg, "app", testSnapshot)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "app_slots_in_use")
	assert.Contains(t, names, "app_pubsub_pending")

	_, err = Register(reg, "app", testSnapshot)
	assert.Error(t, err, "registering the same collector twice fails")
}
