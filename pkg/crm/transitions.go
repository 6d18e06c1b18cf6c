package crm

import (
	"context"
	"time"

	"github.com/cuemby/aegis/pkg/resources"
	"github.com/cuemby/aegis/pkg/scheduler"
	"github.com/cuemby/aegis/pkg/types"
)

// transitionContext carries the per-tick inputs every next_state_<X>
// function needs, so the functions themselves stay pure with respect to
// the rest of the CRM (§9's fixpoint iteration re-runs them repeatedly).
type transitionContext struct {
	now              time.Time
	online           map[types.Node]bool
	groups           map[string]types.Group
	sched            *scheduler.Scheduler
	registry         *resources.Registry
	rebalanceOnStart bool

	offlineDelayed    func(node types.Node) bool
	isMaintenance     func(node types.Node) bool
	newUID            func() string
	renameServiceNode func(sid types.ServiceID, node types.Node) error
}

// isVM reports whether sid names a VM-type service; VM recovery prefers
// migrate, CT recovery prefers relocate (§4.6).
func isVM(sid types.ServiceID) bool {
	return sid.Type() == "vm"
}

func dispatchCommand(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, ctx *transitionContext) bool {
	if len(sd.Cmd) == 0 {
		return false
	}
	verb := sd.Cmd[0]
	switch verb {
	case "migrate", "relocate":
		if len(sd.Cmd) < 2 {
			sd.Cmd = nil
			return false
		}
		target := types.Node(sd.Cmd[1])
		if !ctx.online[target] || target == sd.Node {
			sd.Cmd = nil
			return false
		}
		sd.Target = target
		sd.Cmd = nil
		sd.UID = ctx.newUID()
		if verb == "migrate" {
			sd.State = types.StateMigrate
		} else {
			sd.State = types.StateRelocate
		}
		return true
	case "stop":
		sd.Cmd = nil
		sd.State = types.StateRequestStop
		sd.UID = ctx.newUID()
		return true
	default:
		sd.Cmd = nil
		return false
	}
}

// nextStateStopped implements the "stopped" row of §4.6.
func nextStateStopped(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, ctx *transitionContext) bool {
	if len(sd.Cmd) > 0 {
		verb := sd.Cmd[0]
		if verb == "stop" {
			sd.Cmd = nil
			return true
		}
		if (verb == "migrate" || verb == "relocate") && len(sd.Cmd) >= 2 {
			target := types.Node(sd.Cmd[1])
			if ctx.online[target] && target != sd.Node {
				sd.Target = target
				sd.Cmd = nil
				sd.UID = ctx.newUID()
				if verb == "migrate" {
					sd.State = types.StateMigrate
				} else {
					sd.State = types.StateRelocate
				}
				return true
			}
		}
		sd.Cmd = nil
	}

	if ctx.offlineDelayed(sd.Node) && !ctx.isMaintenance(sd.Node) {
		sd.State = types.StateFence
		return true
	}

	if cd.State == types.ConfigStarted {
		sd.State = types.StateRequestStart
		sd.UID = ctx.newUID()
		return true
	}

	return false
}

// nextStateRequestStart implements the "request_start" row of §4.6.
func nextStateRequestStart(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, ctx *transitionContext) bool {
	if ctx.rebalanceOnStart {
		picked, ok := selectServiceNode(ctx.groups, ctx.sched, ctx.online, cd, sd, types.PreferenceBestScore, sd.Node)
		if ok && picked != sd.Node {
			sd.Target = picked
			sd.State = types.StateRequestStartBalance
			sd.UID = ctx.newUID()
			return true
		}
	}
	sd.State = types.StateStarted
	sd.UID = ctx.newUID()
	return true
}

// nextStateStarted implements the "started" row of §4.6, the busiest
// transition in the design.
func nextStateStarted(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, lrmRes *types.LRMResult, ctx *transitionContext) bool {
	if !ctx.online[sd.Node] {
		if ctx.offlineDelayed(sd.Node) {
			sd.State = types.StateFence
			return true
		}
		if ctx.isMaintenance(sd.Node) {
			changed := sd.MaintenanceNode != sd.Node
			sd.MaintenanceNode = sd.Node

			picked, ok := selectServiceNode(ctx.groups, ctx.sched, ctx.online, cd, sd, types.PreferenceNone, sd.Node)
			if ok && picked != sd.Node {
				sd.Target = picked
				sd.UID = ctx.newUID()
				if isVM(sid) {
					sd.State = types.StateMigrate
				} else {
					sd.State = types.StateRelocate
				}
				return true
			}
			return changed
		}
		return false
	}

	if sd.MaintenanceNode != "" && sd.Node == sd.MaintenanceNode && ctx.online[sd.Node] {
		sd.MaintenanceNode = ""
	}

	if cd.State == types.ConfigDisabled || cd.State == types.ConfigStopped {
		sd.State = types.StateRequestStop
		sd.UID = ctx.newUID()
		return true
	}

	if len(sd.Cmd) > 0 {
		return dispatchCommand(sid, cd, sd, ctx)
	}

	if lrmRes == nil {
		return false
	}

	switch lrmRes.ExitCode {
	case types.Success:
		changed := len(sd.FailedNodes) > 0 || !sd.Running
		sd.FailedNodes = nil
		sd.Running = true
		return changed || rebalanceInPlace(sid, cd, sd, ctx)

	case types.ExecError, types.WrongNode:
		sd.FailedNodes = append(sd.FailedNodes, sd.Node)
		if len(sd.FailedNodes) <= cd.MaxRelocate {
			picked, ok := selectServiceNode(ctx.groups, ctx.sched, ctx.online, cd, sd, types.PreferenceTryNext, sd.Node)
			if ok {
				sd.Target = picked
				sd.UID = ctx.newUID()
				if isVM(sid) {
					sd.State = types.StateMigrate
				} else {
					sd.State = types.StateRelocate
				}
				return true
			}
		}
		sd.State = types.StateError
		return true

	default:
		sd.State = types.StateError
		return true
	}
}

// rebalanceInPlace implements the tail of the "started" row: once a
// service is confirmed running, ask placement with the default
// preference and move it if a better node exists (e.g. its current
// node fell out of the effective group's priority). Otherwise it mints
// a fresh uid so the LRM is asked to report again next tick.
func rebalanceInPlace(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, ctx *transitionContext) bool {
	picked, ok := selectServiceNode(ctx.groups, ctx.sched, ctx.online, cd, sd, types.PreferenceNone, sd.Node)
	if ok && picked != sd.Node {
		sd.Target = picked
		sd.UID = ctx.newUID()
		if isVM(sid) {
			sd.State = types.StateMigrate
		} else {
			sd.State = types.StateRelocate
		}
		return true
	}
	sd.UID = ctx.newUID()
	return false
}

// nextStateInTransit implements the shared "migrate / relocate /
// request_start_balance" row of §4.6.
func nextStateInTransit(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, lrmRes *types.LRMResult, ctx *transitionContext) bool {
	if ctx.offlineDelayed(sd.Node) {
		sd.State = types.StateFence
		return true
	}

	if lrmRes == nil {
		return false
	}

	switch lrmRes.ExitCode {
	case types.Success:
		sd.Node = sd.Target
		sd.Target = ""
		if cd.State == types.ConfigDisabled || cd.State == types.ConfigStopped {
			sd.State = types.StateRequestStop
		} else {
			sd.State = types.StateStarted
		}
		sd.UID = ctx.newUID()
		return true

	case types.WrongNode:
		sd.State = types.StateError
		return true

	case types.Ignored:
		sd.Target = ""
		sd.State = types.StateStarted
		sd.UID = ctx.newUID()
		return true

	default:
		sd.UID = ctx.newUID()
		return false
	}
}

// nextStateRequestStop implements the "request_stop" row of §4.6.
func nextStateRequestStop(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, lrmRes *types.LRMResult, ctx *transitionContext) bool {
	if ctx.offlineDelayed(sd.Node) {
		sd.State = types.StateFence
		return true
	}
	if lrmRes == nil {
		return false
	}
	if lrmRes.ExitCode == types.Success {
		sd.State = types.StateStopped
		sd.Running = false
		return true
	}
	sd.State = types.StateError
	return true
}

// nextStateFreeze implements the "freeze" row of §4.6: a service held
// here by an LRM in restart mode returns based on its config once the
// LRM reports active again.
func nextStateFreeze(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, lrmActive bool, ctx *transitionContext) bool {
	if !lrmActive {
		return false
	}
	if cd.State == types.ConfigDisabled || cd.State == types.ConfigStopped {
		sd.State = types.StateRequestStop
	} else {
		sd.State = types.StateStarted
	}
	sd.UID = ctx.newUID()
	return true
}

// nextStateError implements the "error" row of §4.6: inert until the
// admin disables the service.
func nextStateError(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, ctx *transitionContext) bool {
	if cd.State != types.ConfigDisabled {
		return false
	}
	sd.FailedNodes = nil
	sd.State = types.StateStopped
	return true
}

// nextStateRecovery implements the "recovery" row of §4.6: placement
// with best-score preference, driver lock cleanup, and the
// recover_to(node) move §9 asks to be reified as an explicit operation
// rather than a scattered assignment.
func nextStateRecovery(sid types.ServiceID, cd types.ServiceConfig, sd *types.ServiceState, ctx *transitionContext) bool {
	picked, ok := selectServiceNode(ctx.groups, ctx.sched, ctx.online, cd, sd, types.PreferenceBestScore, sd.Node)
	if !ok {
		if cd.State == types.ConfigDisabled {
			sd.State = types.StateStopped
			sd.FailedNodes = nil
			return true
		}
		return false
	}

	recoverTo(sid, sd, picked, ctx)

	if cd.State == types.ConfigDisabled || cd.State == types.ConfigStopped {
		sd.State = types.StateRequestStop
	} else {
		sd.State = types.StateStarted
	}
	sd.UID = ctx.newUID()
	return true
}

// recoverTo moves sd onto node after a confirmed fence, clearing
// driver-held locks for the service on its old node and steal_service's
// config rename (§9): the service's resources.cfg section is rewritten
// under the manager lock's authority so its declared home node no
// longer points at the fenced node.
func recoverTo(sid types.ServiceID, sd *types.ServiceState, node types.Node, ctx *transitionContext) {
	if driver, err := ctx.registry.DriverFor(sid); err == nil {
		_ = driver.RemoveLocks(context.Background(), sid.Name(), nil, sd.Node)
	}
	if ctx.renameServiceNode != nil {
		_ = ctx.renameServiceNode(sid, node)
	}
	sd.Node = node
	sd.Target = ""
	sd.MaintenanceNode = ""
}
