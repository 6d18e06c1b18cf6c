// Package env is the C1 environment abstraction: one interface over
// time, the cluster KV, a watchdog channel, fence-device execution, and
// notification delivery, so the CRM and LRM loops run unmodified against
// either the real cluster or the deterministic simulator used by the
// property tests in §8.
package env

import (
	"context"
	"time"

	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/types"
)

// Clock abstracts wall-clock time so the simulator can run scripted
// scenarios (node failures, fence delays, lock expiry) without sleeping
// in real time.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Watchdog abstracts the AF_UNIX watchdog-mux socket (§6): Ping keeps
// the hardware timer armed, Close(true) closes it gracefully (writes the
// 'V' magic byte), Close(false) abandons it so the node self-fences.
type Watchdog interface {
	Ping() error
	Close(graceful bool) error
}

// FenceResult is the outcome of invoking one fence device.
type FenceResult struct {
	ExitCode int
	Err      error
}

// FenceRunner executes a configured fence-agent device against a target
// node and returns its exit status (§4.3, §6): 0 succeeds, 5 means
// "already off" and is treated as success by the caller, anything else
// is a failure.
type FenceRunner interface {
	RunDevice(ctx context.Context, agent string, args []string, timeout time.Duration) FenceResult
}

// FencingNotification is the payload delivered to the "fencing"
// notification template (§6).
type FencingNotification struct {
	FencePrefix    string
	FenceStatus    string // "FENCE" | "SUCCEED" | "FAILED"
	FailedNode     types.Node
	MasterNode     types.Node
	FenceTimestamp time.Time
	Nodes          []types.Node
	Resources      []types.ServiceID
}

// Notifier delivers notifications to whatever external sink is
// configured (email, webhook, ...). Rendering the template itself is
// out of scope (§1); only payload construction and the call site live
// in this module.
type Notifier interface {
	NotifyFencing(n FencingNotification) error
}

// MembershipInfo is what the cluster membership layer reports for a
// node on each CRM tick (§4.2's "node_info[node].online").
type MembershipInfo struct {
	Online bool
	Gone   bool // true once the node has been removed from membership
}

// Environment bundles every external capability the CRM and LRM loops
// need, so the same control-loop code runs against RealEnvironment or
// SimEnvironment.
type Environment interface {
	Clock
	Store() kv.Store
	Quorate() bool
	Membership() map[types.Node]MembershipInfo
	NewWatchdog(node types.Node) (Watchdog, error)
	Fence() FenceRunner
	Notify() Notifier
}
