// Package fence implements C9: the fence orchestrator. In watchdog mode
// (the default) a node is considered fenced once its agent lock has
// been stolen; in hardware mode, configured fence-agent devices are
// grouped and dispatched with the success rule from §4.3.
package fence

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/lock"
	"github.com/cuemby/aegis/pkg/types"
)

// deviceSuccessCode is the exit code fence agents use for "already
// off", treated as success (§4.3, §6).
const deviceSuccessCode = 5

// Orchestrator attempts to fence nodes per the configured mode.
type Orchestrator struct {
	cfg    *config.FenceConfig
	runner env.FenceRunner
	locks  *lock.Manager
}

// New builds an orchestrator. cfg may be nil, in which case watchdog
// mode is assumed.
func New(cfg *config.FenceConfig, runner env.FenceRunner, locks *lock.Manager) *Orchestrator {
	return &Orchestrator{cfg: cfg, runner: runner, locks: locks}
}

func (o *Orchestrator) mode() config.FenceMode {
	if o.cfg == nil {
		return config.FenceModeWatchdog
	}
	return o.cfg.Mode
}

// Attempt tries to fence node once. It reports whether the fence
// succeeded; a false result with a nil error means "not yet fenceable,
// retry next tick" (§4.3's retry-on-failure rule), not a hard failure.
func (o *Orchestrator) Attempt(ctx context.Context, node types.Node, fencingOwner string) (bool, error) {
	switch o.mode() {
	case config.FenceModeHardware:
		return o.attemptHardware(ctx, node)
	default:
		return o.attemptWatchdog(node, fencingOwner)
	}
}

// attemptWatchdog proves liveness loss by stealing the target's agent
// lock (§4.1 invariant 5, §4.3): a live LRM refreshes that lock and
// arms the hardware watchdog, so acquiring it means the node either
// rebooted or cannot act.
func (o *Orchestrator) attemptWatchdog(node types.Node, fencingOwner string) (bool, error) {
	_, err := o.locks.Steal(lock.AgentLockName(string(node)), fencingOwner)
	if err == nil {
		return true, nil
	}
	if err == lock.ErrHeld {
		return false, nil
	}
	return false, err
}

// attemptHardware runs every configured fence group for node; a group
// succeeds only if all its devices succeed, and the overall fence
// succeeds if any group succeeds (§4.3).
func (o *Orchestrator) attemptHardware(ctx context.Context, node types.Node) (bool, error) {
	groupNames := o.cfg.PerNode[node]
	if len(groupNames) == 0 {
		return false, fmt.Errorf("fence: no fence groups configured for node %q", node)
	}

	for _, groupName := range groupNames {
		group, ok := o.cfg.Groups[groupName]
		if !ok {
			continue
		}
		if o.runGroup(ctx, node, group) {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) runGroup(ctx context.Context, node types.Node, group config.FenceGroup) bool {
	for _, deviceName := range group.Devices {
		device, ok := o.cfg.Devices[deviceName]
		if !ok {
			return false
		}
		if !o.runDevice(ctx, node, device) {
			return false
		}
	}
	return len(group.Devices) > 0
}

func (o *Orchestrator) runDevice(ctx context.Context, node types.Node, device config.FenceDevice) bool {
	timeout := time.Duration(device.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	args := append([]string{string(node)}, device.Args...)
	result := o.runner.RunDevice(ctx, device.Agent, args, timeout)
	return result.ExitCode == 0 || result.ExitCode == deviceSuccessCode
}
