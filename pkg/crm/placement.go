package crm

import (
	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/scheduler"
	"github.com/cuemby/aegis/pkg/types"
)

// priorityUniverse is the synthetic priority assigned to online nodes
// outside an unrestricted group's explicit node list (§4.5 step 2).
const priorityUniverse = -1

// effectiveGroup resolves cd.Group against groups, falling back to a
// synthetic unrestricted group spanning every online node when the
// service names no group or an unknown one (§4.5 step 1).
func effectiveGroup(groups map[string]types.Group, cd types.ServiceConfig, online map[types.Node]bool) types.Group {
	if cd.Group != "" {
		if g, ok := groups[cd.Group]; ok {
			return g
		}
	}
	nodes := make(map[types.Node]int, len(online))
	for n, isOnline := range online {
		if isOnline {
			nodes[n] = 0
		}
	}
	return types.Group{Name: "", Nodes: nodes, Restricted: false, NoFailback: false}
}

// priorityGroups builds pri_groups[pri] -> online nodes at that
// priority, adding every other online node at priorityUniverse when
// the group is unrestricted (§4.5 step 2).
func priorityGroups(g types.Group, online map[types.Node]bool) map[int][]types.Node {
	out := make(map[int][]types.Node)
	listed := make(map[types.Node]bool, len(g.Nodes))

	for node, pri := range g.Nodes {
		listed[node] = true
		if !online[node] {
			continue
		}
		out[pri] = append(out[pri], node)
	}

	if !g.Restricted {
		for node, isOnline := range online {
			if !isOnline || listed[node] {
				continue
			}
			out[priorityUniverse] = append(out[priorityUniverse], node)
		}
	}

	return out
}

// topPriority returns the highest priority key present in pri that has
// at least one node, and its node list.
func topPriority(pri map[int][]types.Node) (int, []types.Node, bool) {
	best, found := 0, false
	for p, nodes := range pri {
		if len(nodes) == 0 {
			continue
		}
		if !found || p > best {
			best = p
			found = true
		}
	}
	if !found {
		return 0, nil, false
	}
	return best, pri[best], true
}

func removeNodes(nodes []types.Node, remove func(types.Node) bool) []types.Node {
	out := nodes[:0:0]
	for _, n := range nodes {
		if !remove(n) {
			out = append(out, n)
		}
	}
	return out
}

func containsNode(nodes []types.Node, target types.Node) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}

// selectServiceNode implements §4.5's select_service_node: given the
// group catalog, current scheduler usage, a service's config/state, and
// a placement preference, it picks the node the service should run on
// next, or reports that no decision can be made this tick.
func selectServiceNode(
	groups map[string]types.Group,
	sched *scheduler.Scheduler,
	online map[types.Node]bool,
	cd types.ServiceConfig,
	sd *types.ServiceState,
	pref types.Preference,
	currentNode types.Node,
) (types.Node, bool) {
	eg := effectiveGroup(groups, cd, online)
	pri := priorityGroups(eg, online)

	_, topPri, ok := topPriority(pri)
	if !ok {
		return "", false
	}

	if pref == types.PreferenceTryNext {
		topPri = removeNodes(topPri, sd.HasFailed)
		if len(topPri) == 0 {
			return "", false
		}
	}

	if sd.MaintenanceNode != "" && containsNode(topPri, sd.MaintenanceNode) {
		return sd.MaintenanceNode, true
	}

	if pref == types.PreferenceNone {
		if eg.NoFailback {
			if _, inGroup := eg.Nodes[currentNode]; inGroup {
				return currentNode, true
			}
		}
		if containsNode(topPri, currentNode) {
			return currentNode, true
		}
	}

	scores := sched.ScoreNodesToStartService(topPri, currentNode)
	ranked := scheduler.RankByScore(scores)
	if len(ranked) == 0 {
		return "", false
	}

	if pref == types.PreferenceTryNext {
		for i, n := range ranked {
			if n == currentNode {
				return ranked[(i+1)%len(ranked)], true
			}
		}
	}

	return ranked[0], true
}

// schedulerModeFromConfig maps the config's datacenter scheduler mode
// to the scheduler package's Mode, defaulting to basic.
func schedulerModeFromConfig(dc config.DatacenterConfig) scheduler.Mode {
	if dc.SchedulerMode == config.SchedulerStatic {
		return scheduler.Static
	}
	return scheduler.Basic
}
