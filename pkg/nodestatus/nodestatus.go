// Package nodestatus implements C5: the per-node state machine
// (online/maintenance/unknown/fence/gone) driven by cluster membership
// and LRM mode, with the fence-delay that gates when a non-online node
// becomes eligible for fencing (§4.2).
package nodestatus

import (
	"time"

	"github.com/cuemby/aegis/pkg/types"
)

// FenceDelay is the default delay (§4.2/§9) a node must be continuously
// non-online before it is eligible for fencing.
const FenceDelay = 60 * time.Second

// GoneDelay is the delay (§4.2) after which a "gone" node's entry is
// dropped entirely, once it has stayed non-online that long.
const GoneDelay = 3600 * time.Second

// Input is one node's observed membership and LRM mode for a tick.
type Input struct {
	Online bool
	Mode   types.LRMMode
}

// Tracker owns the node status map and the bookkeeping (last-online
// timestamps) needed to evaluate the fence delay.
type Tracker struct {
	states     map[types.Node]types.NodeState
	lastOnline map[types.Node]time.Time
}

// NewTracker returns an empty tracker; nodes are added on first Update.
func NewTracker() *Tracker {
	return &Tracker{
		states:     make(map[types.Node]types.NodeState),
		lastOnline: make(map[types.Node]time.Time),
	}
}

// State returns node's current status, defaulting to unknown for a
// node the tracker has never seen.
func (t *Tracker) State(node types.Node) types.NodeState {
	if s, ok := t.states[node]; ok {
		return s
	}
	return types.NodeUnknown
}

// Snapshot returns a copy of the full node status map, suitable for
// embedding in ManagerStatus.
func (t *Tracker) Snapshot() map[types.Node]types.NodeState {
	out := make(map[types.Node]types.NodeState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Update applies one tick's observations for every known node against
// the transition table in §4.2. deleted lists nodes no longer present
// in cluster membership at all ("deleted from membership").
func (t *Tracker) Update(now time.Time, seen map[types.Node]Input, deleted []types.Node, fenceDelay time.Duration) {
	if fenceDelay <= 0 {
		fenceDelay = FenceDelay
	}

	for node, in := range seen {
		t.transition(now, node, in, fenceDelay)
	}
	for _, node := range deleted {
		t.states[node] = types.NodeGone
	}

	t.reapGone(now)
}

func (t *Tracker) transition(now time.Time, node types.Node, in Input, fenceDelay time.Duration) {
	cur := t.State(node)

	if in.Online {
		t.lastOnline[node] = now
	}

	switch cur {
	case types.NodeOnline:
		switch {
		case in.Online && in.Mode == types.LRMMaintenance:
			t.states[node] = types.NodeMaintenance
		case !in.Online:
			t.states[node] = types.NodeUnknown
		default:
			t.states[node] = types.NodeOnline
		}

	case types.NodeMaintenance:
		switch {
		case in.Online && in.Mode != types.LRMMaintenance:
			t.states[node] = types.NodeOnline
		case !in.Online:
			t.states[node] = types.NodeUnknown
		default:
			t.states[node] = types.NodeMaintenance
		}

	case types.NodeUnknown:
		if in.Online {
			t.states[node] = types.NodeOnline
			return
		}
		// Stays unknown until the fence delay elapses; the CRM service
		// state machine (§4.6) is the one that promotes a service to
		// "fence" once OfflineDelayed is true — the tracker itself
		// never auto-transitions unknown → fence.

	case types.NodeFence:
		// Inert; only the fence orchestrator (C9) moves a node out of
		// fence, by reporting success back through MarkFenced.
		if in.Online {
			t.states[node] = types.NodeFence
		}

	case types.NodeGone:
		if in.Online {
			t.states[node] = types.NodeOnline
		}

	default:
		t.states[node] = types.NodeOnline
	}

	if _, ok := t.states[node]; !ok {
		t.states[node] = types.NodeUnknown
	}
}

// reapGone drops entries that have been gone for longer than GoneDelay.
func (t *Tracker) reapGone(now time.Time) {
	for node, state := range t.states {
		if state != types.NodeGone {
			continue
		}
		last, ok := t.lastOnline[node]
		if !ok || now.Sub(last) >= GoneDelay {
			delete(t.states, node)
			delete(t.lastOnline, node)
		}
	}
}

// OfflineDelayed reports whether node has been continuously non-online
// for at least delay (node_is_offline_delayed, §4.2). A node the
// tracker has never observed online counts as offline since time zero.
func (t *Tracker) OfflineDelayed(now time.Time, node types.Node, delay time.Duration) bool {
	if delay <= 0 {
		delay = FenceDelay
	}
	if t.State(node) == types.NodeOnline || t.State(node) == types.NodeMaintenance {
		return false
	}
	last, ok := t.lastOnline[node]
	if !ok {
		return true
	}
	return now.Sub(last) >= delay
}

// EnterFence transitions node into the fence state, called by the CRM
// loop when a service on it is promoted to StateFence (§4.6 invariant
// 3: a service enters fence only when its node is unknown or gone).
func (t *Tracker) EnterFence(node types.Node) {
	t.states[node] = types.NodeFence
}

// MarkFenced transitions a fenced node back to unknown on fence
// success, so recovery may proceed (§4.3).
func (t *Tracker) MarkFenced(node types.Node) {
	t.states[node] = types.NodeUnknown
}
