// Package scheduler implements C6: the pluggable usage scheduler that
// scores candidate nodes for service placement — a basic service-count
// score, and a static CPU/memory-weighted score that fails closed to
// basic when stats are unavailable (§4.4).
package scheduler

import (
	"sort"

	"github.com/cuemby/aegis/pkg/types"
)

// Mode selects the scoring strategy.
type Mode string

const (
	Basic  Mode = "basic"
	Static Mode = "static"
)

// NodeResources is a node's static resource profile, used by Static
// scoring.
type NodeResources struct {
	CPUs     float64
	MemoryMB float64
}

// ServiceDemand is a service's static resource footprint, used by
// Static scoring.
type ServiceDemand struct {
	MaxCPU   float64
	MemoryMB float64
}

// nodeUsage accumulates per-node load across one scheduling pass.
type nodeUsage struct {
	serviceCount int
	cpuDemand    float64
	memDemand    float64
}

// Scheduler accumulates per-node usage for one CRM tick and scores
// candidate nodes to place a service. recompute_online_node_usage (§4.4)
// corresponds to calling Reset followed by AddNode/AddServiceUsage for
// every online node and currently-placed service: counters are never
// incremental across ticks.
type Scheduler struct {
	mode      Mode
	resources map[types.Node]NodeResources
	usage     map[types.Node]*nodeUsage
}

// New returns a scheduler in the given mode. mode is validated by the
// caller against config.SchedulerMode; an unrecognized mode behaves as
// Basic.
func New(mode Mode) *Scheduler {
	return &Scheduler{
		mode:      mode,
		resources: make(map[types.Node]NodeResources),
		usage:     make(map[types.Node]*nodeUsage),
	}
}

// Reset clears all accumulated usage, the first step of
// recompute_online_node_usage at the top of each CRM loop iteration and
// after every state change (§4.4).
func (s *Scheduler) Reset() {
	s.usage = make(map[types.Node]*nodeUsage)
}

// AddNode registers an online node as a scheduling candidate, with its
// static resource profile for Static mode (ignored in Basic mode).
func (s *Scheduler) AddNode(n types.Node, res NodeResources) {
	if _, ok := s.usage[n]; !ok {
		s.usage[n] = &nodeUsage{}
	}
	s.resources[n] = res
}

// AddServiceUsage charges sid's demand against node, for every service
// currently accounted to it (add_service_usage_to_node, §4.4). demand
// is ignored in Basic mode.
func (s *Scheduler) AddServiceUsage(node types.Node, sid types.ServiceID, demand ServiceDemand) {
	u, ok := s.usage[node]
	if !ok {
		u = &nodeUsage{}
		s.usage[node] = u
	}
	u.serviceCount++
	u.cpuDemand += demand.MaxCPU
	u.memDemand += demand.MemoryMB
}

// Score computes this node's placement score in the scheduler's
// current mode: lower is better. Static falls back to Basic's formula
// whenever the node's resource profile is zero-valued (unavailable).
func (s *Scheduler) Score(node types.Node) float64 {
	u := s.usage[node]
	if u == nil {
		return 0
	}

	if s.mode == Static {
		res, ok := s.resources[node]
		if ok && res.CPUs > 0 && res.MemoryMB > 0 {
			cpuShare := u.cpuDemand / res.CPUs
			memShare := u.memDemand / res.MemoryMB
			return cpuShare*cpuShare + memShare*memShare
		}
		// Fails closed to basic scoring (§4.4) when static stats are
		// unavailable for this node.
	}

	return float64(u.serviceCount)
}

// ScoreNodesToStartService scores every candidate node against the
// current usage snapshot (score_nodes_to_start_service, §4.4). current
// is informational only; it does not change the scoring formula.
func (s *Scheduler) ScoreNodesToStartService(candidates []types.Node, current types.Node) map[types.Node]float64 {
	out := make(map[types.Node]float64, len(candidates))
	for _, n := range candidates {
		out[n] = s.Score(n)
	}
	return out
}

// RankByScore orders nodes by (score, node-name), the tie-break rule
// used throughout placement (§4.4, §4.5).
func RankByScore(scores map[types.Node]float64) []types.Node {
	out := make([]types.Node, 0, len(scores))
	for n := range scores {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := scores[out[i]], scores[out[j]]
		if si != sj {
			return si < sj
		}
		return out[i] < out[j]
	})
	return out
}
