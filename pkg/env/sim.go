package env

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/types"
)

// SimEnvironment is the deterministic, scriptable Environment used by
// the property tests in §8: virtual time only advances when the test
// calls Advance, node membership and fence outcomes are scripted rather
// than observed, and every write lands in an in-memory Store.
//
// Production loops (CRM.Tick, LRM.Tick) never call Sleep or After
// themselves — those belong to the Run wrapper that ticks them on a
// real interval — so SimEnvironment only needs to support tests driving
// Tick directly between calls to Advance.
type SimEnvironment struct {
	mu sync.Mutex

	now        time.Time
	store      *kv.MemStore
	quorate    bool
	membership map[types.Node]MembershipInfo

	fenceScript   map[types.Node][]FenceResult // consumed in order per node
	watchdogs     map[types.Node]*simWatchdog
	notifications []FencingNotification

	waiters []simWaiter
}

type simWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewSimEnvironment returns a simulator starting at t0, quorate, with no
// nodes registered yet (call SetOnline to add them).
func NewSimEnvironment(t0 time.Time) *SimEnvironment {
	return &SimEnvironment{
		now:         t0,
		store:       kv.NewMemStore(),
		quorate:     true,
		membership:  make(map[types.Node]MembershipInfo),
		fenceScript: make(map[types.Node][]FenceResult),
		watchdogs:   make(map[types.Node]*simWatchdog),
	}
}

func (e *SimEnvironment) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *SimEnvironment) Sleep(d time.Duration) {
	e.Advance(d)
}

func (e *SimEnvironment) After(d time.Duration) <-chan time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan time.Time, 1)
	e.waiters = append(e.waiters, simWaiter{deadline: e.now.Add(d), ch: ch})
	return ch
}

// Advance moves virtual time forward by d, firing any waiter whose
// deadline has passed.
func (e *SimEnvironment) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		if !w.deadline.After(e.now) {
			w.ch <- e.now
		} else {
			remaining = append(remaining, w)
		}
	}
	e.waiters = remaining
	e.mu.Unlock()
}

func (e *SimEnvironment) Store() kv.Store { return e.store }

func (e *SimEnvironment) Quorate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quorate
}

// SetQuorate scripts the quorum predicate for partition tests.
func (e *SimEnvironment) SetQuorate(q bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quorate = q
}

func (e *SimEnvironment) Membership() map[types.Node]MembershipInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Node]MembershipInfo, len(e.membership))
	for k, v := range e.membership {
		out[k] = v
	}
	return out
}

// SetOnline scripts a node's membership state for the next tick.
func (e *SimEnvironment) SetOnline(node types.Node, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.membership[node]
	info.Online = online
	e.membership[node] = info
}

// RemoveFromMembership scripts a node dropping out of cluster
// membership entirely (§4.2's "deleted from membership" trigger).
func (e *SimEnvironment) RemoveFromMembership(node types.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.membership[node] = MembershipInfo{Online: false, Gone: true}
}

type simWatchdog struct {
	env  *SimEnvironment
	node types.Node
}

func (w *simWatchdog) Ping() error {
	w.env.mu.Lock()
	defer w.env.mu.Unlock()
	if info, ok := w.env.membership[w.node]; ok && info.Gone {
		return context.Canceled
	}
	return nil
}

func (w *simWatchdog) Close(graceful bool) error { return nil }

func (e *SimEnvironment) NewWatchdog(node types.Node) (Watchdog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wd := &simWatchdog{env: e, node: node}
	e.watchdogs[node] = wd
	return wd, nil
}

// ScriptFence queues results RunDevice will return for node, consumed
// one per call; once exhausted it keeps returning the last scripted
// result.
func (e *SimEnvironment) ScriptFence(node types.Node, results ...FenceResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fenceScript[node] = results
}

func (e *SimEnvironment) Fence() FenceRunner { return (*simFenceRunner)(e) }

type simFenceRunner SimEnvironment

func (f *simFenceRunner) RunDevice(ctx context.Context, agent string, args []string, timeout time.Duration) FenceResult {
	e := (*SimEnvironment)(f)
	e.mu.Lock()
	defer e.mu.Unlock()

	node := types.Node("")
	if len(args) > 0 {
		node = types.Node(args[0])
	}
	script := e.fenceScript[node]
	if len(script) == 0 {
		return FenceResult{ExitCode: 0}
	}
	result := script[0]
	if len(script) > 1 {
		e.fenceScript[node] = script[1:]
	}
	return result
}

func (e *SimEnvironment) Notify() Notifier { return (*simNotifier)(e) }

type simNotifier SimEnvironment

func (n *simNotifier) NotifyFencing(fn FencingNotification) error {
	e := (*SimEnvironment)(n)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifications = append(e.notifications, fn)
	return nil
}

// Notifications returns every fencing notification delivered so far, for
// test assertions.
func (e *SimEnvironment) Notifications() []FencingNotification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FencingNotification, len(e.notifications))
	copy(out, e.notifications)
	return out
}
