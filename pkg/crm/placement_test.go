package crm

import (
	"testing"

	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/scheduler"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/stretchr/testify/require"
)

func allOnline(nodes ...types.Node) map[types.Node]bool {
	out := make(map[types.Node]bool, len(nodes))
	for _, n := range nodes {
		out[n] = true
	}
	return out
}

func TestSelectServiceNodeRespectsRestrictedGroupPriority(t *testing.T) {
	groups := map[string]types.Group{
		"g1": {Name: "g1", Restricted: true, Nodes: map[types.Node]int{"n1": 2, "n2": 1, "n3": 1}},
	}
	sched := scheduler.New(scheduler.Basic)
	sched.AddNode("n1", scheduler.NodeResources{})
	sched.AddNode("n2", scheduler.NodeResources{})
	sched.AddNode("n3", scheduler.NodeResources{})

	cd := types.ServiceConfig{Group: "g1"}
	sd := &types.ServiceState{}

	picked, ok := selectServiceNode(groups, sched, allOnline("n1", "n2", "n3"), cd, sd, types.PreferenceBestScore, "n2")
	require.True(t, ok)
	require.Equal(t, types.Node("n1"), picked) // highest priority wins
}

func TestSelectServiceNodeRestrictedExcludesUnlistedNodes(t *testing.T) {
	groups := map[string]types.Group{
		"g1": {Name: "g1", Restricted: true, Nodes: map[types.Node]int{"n1": 0}},
	}
	sched := scheduler.New(scheduler.Basic)
	sched.AddNode("n1", scheduler.NodeResources{})
	sched.AddNode("n2", scheduler.NodeResources{})

	cd := types.ServiceConfig{Group: "g1"}
	sd := &types.ServiceState{}

	picked, ok := selectServiceNode(groups, sched, allOnline("n1", "n2"), cd, sd, types.PreferenceBestScore, "n1")
	require.True(t, ok)
	require.Equal(t, types.Node("n1"), picked)
}

func TestSelectServiceNodeNoFailbackStaysPut(t *testing.T) {
	groups := map[string]types.Group{
		"g1": {Name: "g1", NoFailback: true, Nodes: map[types.Node]int{"n1": 2, "n2": 1}},
	}
	sched := scheduler.New(scheduler.Basic)
	sched.AddNode("n1", scheduler.NodeResources{})
	sched.AddNode("n2", scheduler.NodeResources{})

	cd := types.ServiceConfig{Group: "g1"}
	sd := &types.ServiceState{}

	// Currently on n2 (lower priority); nofailback must keep it there
	// rather than move it back to n1 once n1 becomes available again.
	picked, ok := selectServiceNode(groups, sched, allOnline("n1", "n2"), cd, sd, types.PreferenceNone, "n2")
	require.True(t, ok)
	require.Equal(t, types.Node("n2"), picked)
}

func TestSelectServiceNodeMaintenanceNodeWins(t *testing.T) {
	sched := scheduler.New(scheduler.Basic)
	sched.AddNode("n1", scheduler.NodeResources{})
	sched.AddNode("n2", scheduler.NodeResources{})

	cd := types.ServiceConfig{}
	sd := &types.ServiceState{MaintenanceNode: "n2"}

	picked, ok := selectServiceNode(nil, sched, allOnline("n1", "n2"), cd, sd, types.PreferenceBestScore, "n1")
	require.True(t, ok)
	require.Equal(t, types.Node("n2"), picked)
}

func TestSelectServiceNodeTryNextExcludesFailedNodes(t *testing.T) {
	sched := scheduler.New(scheduler.Basic)
	sched.AddNode("n1", scheduler.NodeResources{})
	sched.AddNode("n2", scheduler.NodeResources{})

	cd := types.ServiceConfig{}
	sd := &types.ServiceState{FailedNodes: []types.Node{"n1"}}

	picked, ok := selectServiceNode(nil, sched, allOnline("n1", "n2"), cd, sd, types.PreferenceTryNext, "n1")
	require.True(t, ok)
	require.Equal(t, types.Node("n2"), picked)
}

func TestSelectServiceNodeNoOnlineNodesFails(t *testing.T) {
	sched := scheduler.New(scheduler.Basic)
	cd := types.ServiceConfig{}
	sd := &types.ServiceState{}

	_, ok := selectServiceNode(nil, sched, map[types.Node]bool{}, cd, sd, types.PreferenceBestScore, "n1")
	require.False(t, ok)
}

func TestSchedulerModeFromConfig(t *testing.T) {
	require.Equal(t, scheduler.Static, schedulerModeFromConfig(config.DatacenterConfig{SchedulerMode: config.SchedulerStatic}))
	require.Equal(t, scheduler.Basic, schedulerModeFromConfig(config.DatacenterConfig{SchedulerMode: config.SchedulerBasic}))
}
