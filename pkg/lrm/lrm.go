// Package lrm implements C8: the per-node Local Resource Manager loop —
// agent-lock acquisition coupled to the watchdog, mode selection, and a
// bounded worker pool that executes resource-driver calls for every
// service the CRM has placed on this node (§4.8).
package lrm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/lock"
	"github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/resources"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultMaxWorkers is the documented default worker pool size (§4.8).
const DefaultMaxWorkers = 4

// SystemSignals are the externally observed inputs that drive LRM mode
// selection (§4.8): systemd shutdown/reboot jobs and an in-progress
// upgrade window. These come from outside the core (§1's external
// collaborators); SignalSource is the seam the core reads them through.
type SystemSignals struct {
	ShutdownPending bool
	Reboot          bool
	RestartPending  bool
}

// SignalSource supplies the current SystemSignals.
type SignalSource interface {
	Read() SystemSignals
}

// StaticSignalSource is a SignalSource whose signals are set through
// Set, used both
// as the production no-op default and as the scriptable source for
// tests driving shutdown/restart scenarios.
type StaticSignalSource struct {
	mu      sync.Mutex
	signals SystemSignals
}

// Set updates the signals this source reports on the next Read.
func (s *StaticSignalSource) Set(signals SystemSignals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = signals
}

func (s *StaticSignalSource) Read() SystemSignals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

// Config holds the LRM's tunables.
type Config struct {
	LockLifetime time.Duration
	TickInterval time.Duration
	MaxWorkers   int
	StopTimeout  time.Duration
}

// DefaultConfig returns the documented defaults: 10s tick, 120s lock
// lifetime, 4 workers.
func DefaultConfig() Config {
	return Config{
		LockLifetime: lock.DefaultLifetime,
		TickInterval: 10 * time.Second,
		MaxWorkers:   DefaultMaxWorkers,
		StopTimeout:  60 * time.Second,
	}
}

// Manager is one node's LRM.
type Manager struct {
	node     types.Node
	env      env.Environment
	locks    *lock.Manager
	registry *resources.Registry
	signals  SignalSource
	cfg      Config
	logger   zerolog.Logger

	lease      *lock.Lease
	wd         env.Watchdog
	anyRunning bool
}

// NewManager builds node's LRM. signals may be nil, in which case no
// shutdown, reboot or restart signal is ever reported: the LRM reports
// active mode, or maintenance mode while the CRM records a maintenance
// request for node.
func NewManager(node types.Node, environment env.Environment, registry *resources.Registry, signals SignalSource, cfg Config) *Manager {
	if cfg.LockLifetime <= 0 {
		cfg.LockLifetime = lock.DefaultLifetime
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 60 * time.Second
	}
	if signals == nil {
		signals = &StaticSignalSource{}
	}

	locks := lock.NewManager(environment.Store(), environment, environment.Quorate, cfg.LockLifetime)

	return &Manager{
		node:     node,
		env:      environment,
		locks:    locks,
		registry: registry,
		signals:  signals,
		cfg:      cfg,
		logger:   log.WithNode(string(node)),
	}
}

// Run ticks the loop forever on cfg.TickInterval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info().Msg("LRM loop started")
	for {
		if err := m.Tick(ctx); err != nil {
			m.logger.Error().Err(err).Msg("LRM tick failed")
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("LRM loop stopped")
			return
		case <-m.env.After(m.cfg.TickInterval):
		}
	}
}

// Tick runs exactly one LRM iteration (§4.8, steps 1-6).
func (m *Manager) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoopDuration)

	// Step 1: ensure agent lock held.
	if !m.refreshAgentLock() {
		if m.anyRunning {
			m.logger.Error().Msg("agent lock lost while services are running; withholding watchdog ping so the node self-fences")
			return nil
		}
		if m.wd != nil {
			_ = m.wd.Close(true)
			m.wd = nil
		}
		return nil
	}

	// Step 2: refresh watchdog.
	if err := m.ensureWatchdog(); err != nil {
		return fmt.Errorf("failed to arm watchdog: %w", err)
	}
	if err := m.wd.Ping(); err != nil {
		m.logger.Error().Err(err).Msg("watchdog ping failed")
	}

	// Step 3: mode selection.
	status, err := m.loadManagerStatus()
	if err != nil {
		return fmt.Errorf("failed to read manager status: %w", err)
	}
	maintenance := false
	if nr, ok := status.NodeRequest[m.node]; ok && nr != nil {
		maintenance = nr.Maintenance
	}
	mode := selectMode(m.signals.Read(), maintenance)

	// Steps 4-5: dispatch work and collect results.
	results, running := m.runWorkItems(ctx, status)
	m.anyRunning = running

	lrmStatus := types.NewLRMStatus(m.node)
	lrmStatus.Mode = mode
	lrmStatus.State = string(mode)
	lrmStatus.Results = results

	if err := m.writeLRMStatus(lrmStatus); err != nil {
		return fmt.Errorf("failed to write lrm status: %w", err)
	}

	// Step 6: shutdown/reboot handling.
	if mode == types.LRMShutdown {
		m.handleGracefulShutdown(status)
	}

	return nil
}

// selectMode applies the mode priority from §4.8: a reboot-bound
// shutdown reports restart (so the CRM freezes services before the
// node goes down); a plain shutdown drives the graceful-stop sequence;
// an in-progress upgrade window also reports restart; otherwise
// maintenance or active.
func selectMode(signals SystemSignals, maintenanceRequested bool) types.LRMMode {
	switch {
	case signals.ShutdownPending && signals.Reboot:
		return types.LRMRestart
	case signals.ShutdownPending:
		return types.LRMShutdown
	case signals.RestartPending:
		return types.LRMRestart
	case maintenanceRequested:
		return types.LRMMaintenance
	default:
		return types.LRMActive
	}
}

func (m *Manager) refreshAgentLock() bool {
	lockName := lock.AgentLockName(string(m.node))
	if m.lease == nil {
		lease, err := m.locks.Acquire(lockName, string(m.node))
		if err != nil {
			return false
		}
		m.lease = lease
		m.logger.Info().Msg("acquired agent lock")
		return true
	}
	if err := m.lease.Refresh(); err != nil {
		metrics.LockRefreshFailuresTotal.WithLabelValues("agent").Inc()
		m.logger.Error().Err(err).Msg("lost agent lock")
		m.lease = nil
		return false
	}
	return true
}

func (m *Manager) ensureWatchdog() error {
	if m.wd != nil {
		return nil
	}
	wd, err := m.env.NewWatchdog(m.node)
	if err != nil {
		return err
	}
	m.wd = wd
	return nil
}

// workItem is one service this node must act on this tick.
type workItem struct {
	sid types.ServiceID
	sd  *types.ServiceState
}

// localWork reports whether sd.State calls for this node to invoke a
// resource driver (§4.8 step 4): started (ensure running), request_stop
// (shut down), or the source side of a move (migrate, relocate,
// request_start_balance).
func localWork(state types.State) bool {
	switch state {
	case types.StateStarted, types.StateRequestStop, types.StateMigrate, types.StateRelocate, types.StateRequestStartBalance:
		return true
	default:
		return false
	}
}

// runWorkItems dispatches every local work item to a bounded pool of
// workers and collects their exit codes keyed by uid (§4.8 steps 4-5).
func (m *Manager) runWorkItems(ctx context.Context, status *types.ManagerStatus) (map[string]types.LRMResult, bool) {
	var items []workItem
	for sid, sd := range status.ServiceStatus {
		if sd.Node != m.node || !localWork(sd.State) {
			continue
		}
		items = append(items, workItem{sid: sid, sd: sd})
	}

	results := make(map[string]types.LRMResult, len(items))
	if len(items) == 0 {
		return results, false
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.cfg.MaxWorkers)
	running := false

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(it workItem) {
			defer wg.Done()
			defer func() { <-sem }()

			code, isRunning := m.executeWorkItem(ctx, it)

			mu.Lock()
			results[it.sd.UID] = types.LRMResult{ExitCode: code}
			if isRunning {
				running = true
			}
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	return results, running
}

// executeWorkItem invokes the resource driver for one work item.
func (m *Manager) executeWorkItem(ctx context.Context, it workItem) (types.ResultCode, bool) {
	timer := metrics.NewTimer()
	metrics.WorkerPoolActive.Inc()
	defer func() {
		metrics.WorkerPoolActive.Dec()
		timer.ObserveDuration(metrics.WorkItemDuration)
	}()

	driver, err := m.registry.DriverFor(it.sid)
	if err != nil {
		m.logger.Error().Str("sid", string(it.sid)).Err(err).Msg("no driver for service")
		metrics.WorkItemsTotal.WithLabelValues(strconv.Itoa(int(types.ExecError))).Inc()
		return types.ExecError, false
	}

	var code resources.ExitCode
	running := false

	switch it.sd.State {
	case types.StateStarted:
		code = driver.Start(ctx, it.sid.Name())
		running = code == resources.Success

	case types.StateRequestStop:
		code = driver.Shutdown(ctx, it.sid.Name(), int(it.sd.Timeout.Seconds()))

	case types.StateMigrate, types.StateRelocate, types.StateRequestStartBalance:
		code = driver.Migrate(ctx, it.sid.Name(), it.sd.Target, it.sd.State == types.StateMigrate)

	default:
		code = resources.IgnoredCode
	}

	metrics.WorkItemsTotal.WithLabelValues(strconv.Itoa(int(code))).Inc()
	return types.ResultCode(code), running
}

// handleGracefulShutdown implements §4.8 step 6's non-reboot path:
// request every locally owned started service to stop, and once none
// remain started, release the agent lock and close the watchdog
// cleanly.
func (m *Manager) handleGracefulShutdown(status *types.ManagerStatus) {
	var stopCmds []string
	anyStarted := false

	for sid, sd := range status.ServiceStatus {
		if sd.Node != m.node {
			continue
		}
		if sd.State == types.StateStarted {
			anyStarted = true
			stopCmds = append(stopCmds, fmt.Sprintf("stop %s %d", sid, int(m.cfg.StopTimeout.Seconds())))
		}
	}

	if len(stopCmds) > 0 {
		if err := m.appendCommands(stopCmds); err != nil {
			m.logger.Error().Err(err).Msg("failed to queue graceful stop commands")
		}
	}

	if anyStarted {
		return
	}

	if m.lease != nil {
		m.lease.Release()
		m.lease = nil
	}
	if m.wd != nil {
		if err := m.wd.Close(true); err != nil {
			m.logger.Error().Err(err).Msg("failed to close watchdog gracefully")
		}
		m.wd = nil
	}
	m.logger.Info().Msg("graceful shutdown complete: released agent lock and closed watchdog")
}

// appendCommands appends lines to the shared crm_commands queue under
// compare-and-swap retry, since multiple LRMs may append concurrently.
func (m *Manager) appendCommands(lines []string) error {
	for {
		cur, err := m.env.Store().Get(kv.KeyCRMCommands)
		if err == kv.ErrNotFound {
			cur = nil
		} else if err != nil {
			return err
		}

		next := string(cur)
		if next != "" && !strings.HasSuffix(next, "\n") {
			next += "\n"
		}
		next += strings.Join(lines, "\n") + "\n"

		ok, err := m.env.Store().CompareAndSwap(kv.KeyCRMCommands, cur, []byte(next))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

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

func (m *Manager) writeLRMStatus(st *types.LRMStatus) error {
	st.Timestamp = m.env.Now()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode lrm status: %w", err)
	}
	return m.env.Store().Put(kv.LRMStatusKey(m.node), raw)
}
