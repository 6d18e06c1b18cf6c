// Package crm implements C7: the Cluster Resource Manager loop — the
// elected master that owns ManagerStatus, reconciles service config
// against observed state, and drives the per-service state machine to
// fixpoint every tick (§4.6).
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/fence"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/lock"
	"github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/nodestatus"
	"github.com/cuemby/aegis/pkg/resources"
	"github.com/cuemby/aegis/pkg/scheduler"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the tunables named in §4.1/§4.2/§9.
type Config struct {
	LockLifetime     time.Duration
	FenceDelay       time.Duration
	TickInterval     time.Duration
	RebalanceOnStart bool
}

// DefaultConfig returns the documented defaults: 10s tick, 120s lock
// lifetime, 60s fence delay.
func DefaultConfig() Config {
	return Config{
		LockLifetime: lock.DefaultLifetime,
		FenceDelay:   nodestatus.FenceDelay,
		TickInterval: 10 * time.Second,
	}
}

// Manager is one node's CRM candidate. Only the instance currently
// holding ha_manager_lock acts; the rest idle until they can acquire
// it (§3 invariant 1).
type Manager struct {
	node     types.Node
	env      env.Environment
	locks    *lock.Manager
	registry *resources.Registry
	tracker  *nodestatus.Tracker
	cfg      Config
	logger   zerolog.Logger

	lease *lock.Lease
}

// NewManager builds a CRM candidate for node.
func NewManager(node types.Node, environment env.Environment, registry *resources.Registry, cfg Config) *Manager {
	if cfg.LockLifetime <= 0 {
		cfg.LockLifetime = lock.DefaultLifetime
	}
	if cfg.FenceDelay <= 0 {
		cfg.FenceDelay = nodestatus.FenceDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}

	locks := lock.NewManager(environment.Store(), environment, environment.Quorate, cfg.LockLifetime)

	return &Manager{
		node:     node,
		env:      environment,
		locks:    locks,
		registry: registry,
		tracker:  nodestatus.NewTracker(),
		cfg:      cfg,
		logger:   log.WithNode(string(node)),
	}
}

// IsMaster reports whether this candidate currently holds the manager
// lock.
func (m *Manager) IsMaster() bool {
	return m.lease != nil
}

// Run ticks the loop forever on cfg.TickInterval until ctx is
// cancelled, matching the teacher's ticker-driven reconciliation loop.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info().Msg("CRM loop started")
	for {
		start := m.env.Now()
		if err := m.Tick(ctx); err != nil {
			m.logger.Error().Err(err).Msg("CRM tick failed")
		}
		if elapsed := m.env.Now().Sub(start); elapsed > 30*time.Second {
			m.logger.Warn().Dur("elapsed", elapsed).Msg("CRM loop iteration exceeded 30s budget")
		}

		select {
		case <-ctx.Done():
			m.logger.Info().Msg("CRM loop stopped")
			return
		case <-m.env.After(m.cfg.TickInterval):
		}
	}
}

// Tick runs exactly one CRM iteration (§4.6, steps 1-10).
func (m *Manager) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoopDuration)

	// Step 1: update_cluster_state via the manager lock.
	if !m.refreshMastership() {
		return nil
	}

	if !m.env.Quorate() {
		m.logger.Warn().Msg("not quorate, aborting iteration")
		return nil
	}

	now := m.env.Now()
	membership := m.env.Membership()

	// Step 2: LRM statuses.
	lrmStatuses, err := m.readLRMStatuses()
	if err != nil {
		return fmt.Errorf("failed to read lrm statuses: %w", err)
	}

	// Step 3: node status tracker.
	seen := make(map[types.Node]nodestatus.Input, len(membership))
	var deleted []types.Node
	for node, info := range membership {
		if info.Gone {
			deleted = append(deleted, node)
			continue
		}
		mode := types.LRMActive
		if st, ok := lrmStatuses[node]; ok {
			mode = st.Mode
		}
		seen[node] = nodestatus.Input{Online: info.Online, Mode: mode}
	}
	m.tracker.Update(now, seen, deleted, m.cfg.FenceDelay)

	// Step 4: abort if the local node is not operational.
	switch m.tracker.State(m.node) {
	case types.NodeOnline, types.NodeMaintenance:
	default:
		m.logger.Warn().Str("status", string(m.tracker.State(m.node))).Msg("local node not operational, aborting iteration")
		return nil
	}

	// Step 5: scheduler mode from datacenter config.
	dc, err := m.loadDatacenterConfig()
	if err != nil {
		return fmt.Errorf("failed to load datacenter config: %w", err)
	}
	m.cfg.RebalanceOnStart = dc.RebalanceOnStart
	sched := scheduler.New(schedulerModeFromConfig(dc))

	// Step 6: service config and groups.
	rc, err := m.loadResourcesConfig()
	if err != nil {
		return fmt.Errorf("failed to load resources config: %w", err)
	}
	gc, err := m.loadGroupsConfig()
	if err != nil {
		return fmt.Errorf("failed to load groups config: %w", err)
	}
	fenceCfg, err := m.loadFenceConfig()
	if err != nil {
		return fmt.Errorf("failed to load fence config: %w", err)
	}

	status, err := m.loadManagerStatus()
	if err != nil {
		return fmt.Errorf("failed to load manager status: %w", err)
	}
	status.MasterNode = m.node
	status.NodeStatus = m.tracker.Snapshot()

	online := make(map[types.Node]bool, len(status.NodeStatus))
	for node, st := range status.NodeStatus {
		online[node] = st == types.NodeOnline
	}

	recomputeUsage(ctx, sched, online, status, m.registry)

	// Step 7: reconcile services.
	reconcileServices(rc, status, newUID)

	// Step 8: CRM command queue.
	cmdLines, err := m.readCommandQueue()
	if err != nil {
		return fmt.Errorf("failed to read command queue: %w", err)
	}
	if hasNonBlankLine(cmdLines) {
		applyCommands(cmdLines, status)
		if err := m.clearCommandQueue(); err != nil {
			return fmt.Errorf("failed to clear command queue: %w", err)
		}
	}

	// Step 9: fixed-point iteration.
	fencer := fence.New(fenceCfg, m.env.Fence(), m.locks)
	m.runFixpoint(ctx, rc, gc, sched, online, lrmStatuses, status, fencer)

	m.emitStateMetrics(status)

	// Step 10: flush_master_status.
	return m.writeManagerStatus(status)
}

// recomputeUsage implements recompute_online_node_usage (§4.4): every
// online node is registered as a scheduling candidate, and every
// currently-tracked service charges its demand against the node it
// currently occupies. When a service's driver reports static stats,
// those feed both that node's resource profile and the service's own
// demand so the static scheduler has real numbers to score against;
// a driver with no stats (or none registered) leaves the node's profile
// zero-valued, which Score's fail-closed rule degrades to basic count.
func recomputeUsage(ctx context.Context, sched *scheduler.Scheduler, online map[types.Node]bool, status *types.ManagerStatus, registry *resources.Registry) {
	sched.Reset()
	for node, isOnline := range online {
		if isOnline {
			sched.AddNode(node, scheduler.NodeResources{})
		}
	}
	for sid, sd := range status.ServiceStatus {
		demand := scheduler.ServiceDemand{}
		if driver, err := registry.DriverFor(sid); err == nil {
			stats := driver.GetStaticStats(ctx, sid.Name(), sd.Node)
			if stats.Available {
				sched.AddNode(sd.Node, scheduler.NodeResources{CPUs: stats.CPUs, MemoryMB: stats.MemoryMB})
				demand = scheduler.ServiceDemand{MaxCPU: stats.MaxCPU, MemoryMB: stats.MaxMemMB}
			}
		}
		sched.AddServiceUsage(sd.Node, sid, demand)
	}
}

// refreshMastership acquires or refreshes the manager lock. It returns
// false when this candidate is not (or is no longer) the master, in
// which case the caller must not touch ManagerStatus this tick.
func (m *Manager) refreshMastership() bool {
	if m.lease == nil {
		lease, err := m.locks.Acquire(lock.ManagerLockName, string(m.node))
		if err != nil {
			return false
		}
		m.lease = lease
		metrics.MasterElections.Inc()
		metrics.IsMaster.Set(1)
		m.logger.Info().Msg("acquired manager lock, now master")
		return true
	}

	if err := m.lease.Refresh(); err != nil {
		metrics.LockRefreshFailuresTotal.WithLabelValues(lock.ManagerLockName).Inc()
		m.logger.Warn().Err(err).Msg("lost manager lock, stepping down without writing status")
		m.lease = nil
		metrics.IsMaster.Set(0)
		return false
	}
	return true
}

func (m *Manager) emitStateMetrics(status *types.ManagerStatus) {
	counts := make(map[types.State]int)
	for _, sd := range status.ServiceStatus {
		counts[sd.State]++
	}
	for _, state := range []types.State{
		types.StateStopped, types.StateRequestStop, types.StateRequestStart,
		types.StateRequestStartBalance, types.StateStarted, types.StateFence,
		types.StateRecovery, types.StateMigrate, types.StateRelocate,
		types.StateFreeze, types.StateError,
	} {
		metrics.ServiceStateTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	nodeCounts := make(map[types.NodeState]int)
	for _, st := range status.NodeStatus {
		nodeCounts[st]++
	}
	for _, st := range []types.NodeState{
		types.NodeOnline, types.NodeMaintenance, types.NodeUnknown, types.NodeFence, types.NodeGone,
	} {
		metrics.NodeStatusTotal.WithLabelValues(string(st)).Set(float64(nodeCounts[st]))
	}
}

func newUID() string {
	return uuid.NewString()
}

func reconcileServices(rc *config.ResourcesConfig, status *types.ManagerStatus, newUID func() string) {
	for sid, cd := range rc.Services {
		if cd.State == types.ConfigIgnored {
			delete(status.ServiceStatus, sid)
			continue
		}
		if _, ok := status.ServiceStatus[sid]; ok {
			continue
		}
		initial := types.StateRequestStop
		if cd.State == types.ConfigStarted {
			initial = types.StateRequestStart
		}
		status.ServiceStatus[sid] = &types.ServiceState{
			State: initial,
			Node:  cd.Node,
			UID:   newUID(),
		}
	}

	for sid := range status.ServiceStatus {
		cd, ok := rc.Services[sid]
		if !ok || cd.State == types.ConfigIgnored {
			delete(status.ServiceStatus, sid)
		}
	}
}

func lookupLRMResult(lrmStatuses map[types.Node]*types.LRMStatus, sd *types.ServiceState) *types.LRMResult {
	st, ok := lrmStatuses[sd.Node]
	if !ok {
		return nil
	}
	res, ok := st.Results[sd.UID]
	if !ok {
		return nil
	}
	return &res
}

func lrmModeFor(lrmStatuses map[types.Node]*types.LRMStatus, node types.Node) (types.LRMMode, bool) {
	st, ok := lrmStatuses[node]
	if !ok {
		return "", false
	}
	return st.Mode, true
}

// runFixpoint repeatedly applies the per-service transitions and the
// freeze/fence cross-cutting rules until a full pass produces no change
// (§9's fixpoint iteration, §4.6 step 9).
func (m *Manager) runFixpoint(
	ctx context.Context,
	rc *config.ResourcesConfig,
	gc *config.GroupsConfig,
	sched *scheduler.Scheduler,
	online map[types.Node]bool,
	lrmStatuses map[types.Node]*types.LRMStatus,
	status *types.ManagerStatus,
	fencer *fence.Orchestrator,
) {
	tctx := &transitionContext{
		now:              m.env.Now(),
		online:           online,
		groups:           gc.Groups,
		sched:            sched,
		registry:         m.registry,
		rebalanceOnStart: m.cfg.RebalanceOnStart,
		offlineDelayed: func(node types.Node) bool {
			return m.tracker.OfflineDelayed(m.env.Now(), node, m.cfg.FenceDelay)
		},
		isMaintenance: func(node types.Node) bool {
			return m.tracker.State(node) == types.NodeMaintenance
		},
		newUID:            newUID,
		renameServiceNode: m.renameServiceNode,
	}

	for iteration := 0; iteration < 64; iteration++ {
		// Recompute usage from scratch each pass, so the state changes
		// of the previous pass are charged before placement runs again.
		recomputeUsage(ctx, sched, online, status, m.registry)
		changed := false

		for sid, sd := range status.ServiceStatus {
			cd := rc.Services[sid]
			switch sd.State {
			case types.StateStopped:
				changed = nextStateStopped(sid, cd, sd, tctx) || changed
			case types.StateRequestStart:
				changed = nextStateRequestStart(sid, cd, sd, tctx) || changed
			case types.StateStarted:
				changed = nextStateStarted(sid, cd, sd, lookupLRMResult(lrmStatuses, sd), tctx) || changed
			case types.StateRequestStartBalance, types.StateMigrate, types.StateRelocate:
				changed = nextStateInTransit(sid, cd, sd, lookupLRMResult(lrmStatuses, sd), tctx) || changed
			case types.StateRequestStop:
				changed = nextStateRequestStop(sid, cd, sd, lookupLRMResult(lrmStatuses, sd), tctx) || changed
			case types.StateFreeze:
				mode, ok := lrmModeFor(lrmStatuses, sd.Node)
				changed = nextStateFreeze(sid, cd, sd, ok && mode == types.LRMActive, tctx) || changed
			case types.StateError:
				changed = nextStateError(sid, cd, sd, tctx) || changed
			case types.StateRecovery:
				changed = nextStateRecovery(sid, cd, sd, tctx) || changed
			case types.StateFence:
				// Inert here; handled by the fencing block below.
			}
		}

		// Cross-cutting freeze entry: an LRM reporting restart mode
		// freezes every service it hosts that is in a quiescent state
		// (§4.6 S5).
		for _, sd := range status.ServiceStatus {
			if sd.State != types.StateStarted && sd.State != types.StateStopped && sd.State != types.StateRequestStop {
				continue
			}
			if mode, ok := lrmModeFor(lrmStatuses, sd.Node); ok && mode == types.LRMRestart {
				sd.State = types.StateFreeze
				changed = true
			}
		}

		// Fencing block: attempt to fence every node carrying a
		// fence-state service, advancing those services to recovery on
		// success (§4.6 step 9, §4.3).
		if m.runFenceBlock(ctx, status, fencer) {
			changed = true
		}

		if !changed {
			break
		}
	}
}

// runFenceBlock attempts one fence pass over every node currently
// carrying a service in StateFence, per §4.3/§4.6.
func (m *Manager) runFenceBlock(ctx context.Context, status *types.ManagerStatus, fencer *fence.Orchestrator) bool {
	nodes := make(map[types.Node]bool)
	for _, sd := range status.ServiceStatus {
		if sd.State == types.StateFence {
			nodes[sd.Node] = true
		}
	}
	if len(nodes) == 0 {
		return false
	}

	changed := false
	owner := fmt.Sprintf("crm-fence:%s", m.node)

	for node := range nodes {
		if m.tracker.State(node) != types.NodeFence {
			m.tracker.EnterFence(node)
			m.notifyFencing(status, node, "FENCE")
			metrics.FenceAttemptsTotal.WithLabelValues("start").Inc()
		}

		ok, err := fencer.Attempt(ctx, node, owner)
		if err != nil {
			m.logger.Error().Err(err).Str("node", string(node)).Msg("fence attempt failed")
			metrics.FenceAttemptsTotal.WithLabelValues("error").Inc()
			continue
		}
		if !ok {
			metrics.FenceAttemptsTotal.WithLabelValues("retry").Inc()
			continue
		}

		metrics.FenceAttemptsTotal.WithLabelValues("succeed").Inc()
		m.tracker.MarkFenced(node)
		status.NodeStatus[node] = types.NodeUnknown
		m.notifyFencing(status, node, "SUCCEED")

		for _, sd := range status.ServiceStatus {
			if sd.Node == node && sd.State == types.StateFence {
				sd.State = types.StateRecovery
				changed = true
			}
		}
	}

	return changed
}

func (m *Manager) notifyFencing(status *types.ManagerStatus, node types.Node, fenceStatus string) {
	var affected []types.ServiceID
	for sid, sd := range status.ServiceStatus {
		if sd.Node == node {
			affected = append(affected, sid)
		}
	}
	var nodes []types.Node
	for n := range status.NodeStatus {
		nodes = append(nodes, n)
	}

	err := m.env.Notify().NotifyFencing(env.FencingNotification{
		FencePrefix:    "ha-fence",
		FenceStatus:    fenceStatus,
		FailedNode:     node,
		MasterNode:     m.node,
		FenceTimestamp: m.env.Now(),
		Nodes:          nodes,
		Resources:      affected,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to deliver fencing notification")
	}
}

// --- KV document helpers ---

func (m *Manager) loadManagerStatus() (*types.ManagerStatus, error) {
	raw, err := m.env.Store().Get(kv.KeyManagerStatus)
	if err == kv.ErrNotFound {
		return types.NewManagerStatus(), nil
	}
	if err != nil {
		return nil, err
	}
	status := types.NewManagerStatus()
	if err := json.Unmarshal(raw, status); err != nil {
		return nil, fmt.Errorf("failed to decode manager status: %w", err)
	}
	return status, nil
}

func (m *Manager) writeManagerStatus(status *types.ManagerStatus) error {
	status.Timestamp = m.env.Now()
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode manager status: %w", err)
	}
	return m.env.Store().Put(kv.KeyManagerStatus, raw)
}

func (m *Manager) readLRMStatuses() (map[types.Node]*types.LRMStatus, error) {
	docs, err := m.env.Store().List(kv.LRMStatusPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[types.Node]*types.LRMStatus, len(docs))
	for key, raw := range docs {
		node := types.Node(strings.TrimPrefix(key, kv.LRMStatusPrefix))
		var st types.LRMStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			m.logger.Warn().Str("node", string(node)).Err(err).Msg("failed to decode lrm status, skipping")
			continue
		}
		out[node] = &st
	}
	return out, nil
}

func (m *Manager) readCommandQueue() ([]string, error) {
	raw, err := m.env.Store().Get(kv.KeyCRMCommands)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Split(string(raw), "\n"), nil
}

func hasNonBlankLine(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

func (m *Manager) clearCommandQueue() error {
	return m.env.Store().Put(kv.KeyCRMCommands, nil)
}

func (m *Manager) loadResourcesConfig() (*config.ResourcesConfig, error) {
	raw, err := m.env.Store().Get(kv.KeyResourcesConfig)
	if err == kv.ErrNotFound {
		return &config.ResourcesConfig{Services: map[types.ServiceID]types.ServiceConfig{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.ParseResources(raw)
}

// renameServiceNode implements steal_service's config rename (§4.6's
// recovery row, §5's shared-resource policy, §3 invariant 6): it
// rewrites sid's declared home node in resources.cfg under the manager
// lock's authority, retrying the compare-and-swap against concurrent
// admin CRUD until it lands or the service is already on node.
func (m *Manager) renameServiceNode(sid types.ServiceID, node types.Node) error {
	for {
		raw, err := m.env.Store().Get(kv.KeyResourcesConfig)
		if err == kv.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		rc, err := config.ParseResources(raw)
		if err != nil {
			return err
		}
		cd, ok := rc.Services[sid]
		if !ok || cd.Node == node {
			return nil
		}
		cd.Node = node
		rc.Services[sid] = cd

		ok, err = m.env.Store().CompareAndSwap(kv.KeyResourcesConfig, raw, config.MarshalResources(rc))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (m *Manager) loadGroupsConfig() (*config.GroupsConfig, error) {
	raw, err := m.env.Store().Get(kv.KeyGroupsConfig)
	if err == kv.ErrNotFound {
		return &config.GroupsConfig{Groups: map[string]types.Group{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.ParseGroups(raw)
}

func (m *Manager) loadFenceConfig() (*config.FenceConfig, error) {
	raw, err := m.env.Store().Get(kv.KeyFenceConfig)
	if err == kv.ErrNotFound {
		return &config.FenceConfig{Mode: config.FenceModeWatchdog}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.ParseFenceConfig(raw)
}

func (m *Manager) loadDatacenterConfig() (config.DatacenterConfig, error) {
	raw, err := m.env.Store().Get(kv.KeyDatacenterConfig)
	if err == kv.ErrNotFound {
		return config.DefaultDatacenterConfig(), nil
	}
	if err != nil {
		return config.DatacenterConfig{}, err
	}
	return config.ParseDatacenterConfig(raw)
}
