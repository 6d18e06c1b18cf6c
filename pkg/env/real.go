package env

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/types"
)

// realClock is the production Clock, a thin pass-through to time.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Sleep(d time.Duration)                   { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// execFenceRunner invokes fence agents as described in §6: a process
// with argv assembled from fence config, exit 0 = success, 5 = already
// off, anything else a failure.
type execFenceRunner struct{}

func (execFenceRunner) RunDevice(ctx context.Context, agent string, args []string, timeout time.Duration) FenceResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, agent, args...)
	err := cmd.Run()
	if err == nil {
		return FenceResult{ExitCode: 0}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return FenceResult{ExitCode: exitErr.ExitCode(), Err: err}
	}
	return FenceResult{ExitCode: -1, Err: err}
}

// sockWatchdog pings the AF_UNIX watchdog-mux socket described in §6:
// a zero byte keeps the timer armed, 'V' closes it gracefully, any other
// close (or no close at all) leaves the hardware timer free to expire
// and reboot the node.
type sockWatchdog struct {
	conn net.Conn
}

// DefaultWatchdogSocket is the well-known path of the watchdog
// multiplexer (§6).
const DefaultWatchdogSocket = "/run/watchdog-mux.sock"

func dialWatchdog(path string) (*sockWatchdog, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to watchdog socket %s: %w", path, err)
	}
	return &sockWatchdog{conn: conn}, nil
}

func (w *sockWatchdog) Ping() error {
	_, err := w.conn.Write([]byte{0})
	return err
}

func (w *sockWatchdog) Close(graceful bool) error {
	if graceful {
		if _, err := w.conn.Write([]byte("V")); err != nil {
			return err
		}
	}
	return w.conn.Close()
}

// logNotifier is the default Notifier: it logs the fencing payload at
// warn/info level. Real deployments wire a template renderer (§6,
// explicitly out of scope here) behind the same interface.
type logNotifier struct{}

func (logNotifier) NotifyFencing(n FencingNotification) error {
	logger := log.WithComponent("notify")
	evt := logger.Info()
	if n.FenceStatus == "FAILED" {
		evt = logger.Warn()
	}
	evt.Str("status", n.FenceStatus).
		Str("failed_node", string(n.FailedNode)).
		Str("master_node", string(n.MasterNode)).
		Time("fence_timestamp", n.FenceTimestamp).
		Msg("fencing notification")
	return nil
}

// RealEnvironment is the production Environment backed by a BoltDB
// cluster KV. Cluster membership and quorum are read from well-known KV
// keys maintained by the cluster filesystem layer (out of scope per
// §1/§6); this environment only reads them.
type RealEnvironment struct {
	realClock
	store    kv.Store
	fence    FenceRunner
	notifier Notifier
	sockPath string
}

// RealConfig configures a RealEnvironment.
type RealConfig struct {
	Store          kv.Store
	Notifier       Notifier
	WatchdogSocket string
}

// NewRealEnvironment builds the production environment.
func NewRealEnvironment(cfg RealConfig) *RealEnvironment {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = logNotifier{}
	}
	sock := cfg.WatchdogSocket
	if sock == "" {
		sock = DefaultWatchdogSocket
	}
	return &RealEnvironment{
		store:    cfg.Store,
		fence:    execFenceRunner{},
		notifier: notifier,
		sockPath: sock,
	}
}

func (e *RealEnvironment) Store() kv.Store { return e.store }

// membershipDoc is the wire format of the "node_membership" key the
// cluster filesystem layer maintains.
type membershipDoc struct {
	Quorate bool                        `json:"quorate"`
	Nodes   map[types.Node]MembershipInfo `json:"nodes"`
}

const membershipKey = "node_membership"

func (e *RealEnvironment) readMembership() membershipDoc {
	var doc membershipDoc
	raw, err := e.store.Get(membershipKey)
	if err != nil {
		return membershipDoc{Nodes: map[types.Node]MembershipInfo{}}
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return membershipDoc{Nodes: map[types.Node]MembershipInfo{}}
	}
	if doc.Nodes == nil {
		doc.Nodes = map[types.Node]MembershipInfo{}
	}
	return doc
}

func (e *RealEnvironment) Quorate() bool {
	return e.readMembership().Quorate
}

func (e *RealEnvironment) Membership() map[types.Node]MembershipInfo {
	return e.readMembership().Nodes
}

func (e *RealEnvironment) NewWatchdog(node types.Node) (Watchdog, error) {
	return dialWatchdog(e.sockPath)
}

func (e *RealEnvironment) Fence() FenceRunner { return e.fence }

func (e *RealEnvironment) Notify() Notifier { return e.notifier }
