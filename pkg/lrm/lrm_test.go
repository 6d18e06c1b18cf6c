package lrm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/lock"
	"github.com/cuemby/aegis/pkg/resources"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	startCode resources.ExitCode
}

func (f fakeDriver) VerifyName(name string) error                       { return nil }
func (f fakeDriver) Exists(ctx context.Context, id string) (bool, error) { return true, nil }
func (f fakeDriver) Start(ctx context.Context, id string) resources.ExitCode {
	return f.startCode
}
func (f fakeDriver) Shutdown(ctx context.Context, id string, timeout int) resources.ExitCode {
	return resources.Success
}
func (f fakeDriver) Migrate(ctx context.Context, id string, target types.Node, online bool) resources.ExitCode {
	return resources.Success
}
func (f fakeDriver) CheckRunning(ctx context.Context, id string) (bool, error) { return true, nil }
func (f fakeDriver) ConfigFile(id string, node types.Node) string             { return "/etc/fake/" + id }
func (f fakeDriver) RemoveLocks(ctx context.Context, id string, locks []string, node types.Node) error {
	return nil
}
func (f fakeDriver) GetStaticStats(ctx context.Context, id string, node types.Node) resources.StaticStats {
	return resources.StaticStats{Available: true, CPUs: 2, MemoryMB: 2048}
}

func newTestRegistry(startCode resources.ExitCode) *resources.Registry {
	r := resources.NewRegistry()
	r.Register("vm", fakeDriver{startCode: startCode})
	r.Freeze()
	return r
}

func putManagerStatus(t *testing.T, e *env.SimEnvironment, status *types.ManagerStatus) {
	t.Helper()
	raw, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, e.Store().Put(kv.KeyManagerStatus, raw))
}

func readLRMStatus(t *testing.T, e *env.SimEnvironment, node types.Node) *types.LRMStatus {
	t.Helper()
	raw, err := e.Store().Get(kv.LRMStatusKey(node))
	require.NoError(t, err)
	var st types.LRMStatus
	require.NoError(t, json.Unmarshal(raw, &st))
	return &st
}

func TestSelectMode(t *testing.T) {
	cases := []struct {
		name       string
		signals    SystemSignals
		maint      bool
		wantMode   types.LRMMode
	}{
		{"active by default", SystemSignals{}, false, types.LRMActive},
		{"maintenance requested", SystemSignals{}, true, types.LRMMaintenance},
		{"shutdown pending", SystemSignals{ShutdownPending: true}, false, types.LRMShutdown},
		{"shutdown with reboot freezes instead", SystemSignals{ShutdownPending: true, Reboot: true}, false, types.LRMRestart},
		{"restart window wins over maintenance", SystemSignals{RestartPending: true}, true, types.LRMRestart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.wantMode, selectMode(tc.signals, tc.maint))
		})
	}
}

func TestTickStartsLocalServiceAndReportsResult(t *testing.T) {
	e := env.NewSimEnvironment(time.Now())
	e.SetOnline("n1", true)

	status := types.NewManagerStatus()
	status.ServiceStatus["vm:100"] = &types.ServiceState{
		State: types.StateStarted,
		Node:  "n1",
		UID:   "uid-1",
	}
	putManagerStatus(t, e, status)

	registry := newTestRegistry(resources.Success)
	mgr := NewManager("n1", e, registry, nil, DefaultConfig())

	require.NoError(t, mgr.Tick(context.Background()))

	st := readLRMStatus(t, e, "n1")
	require.Equal(t, types.LRMActive, st.Mode)
	require.Equal(t, types.Success, st.Results["uid-1"].ExitCode)
	require.True(t, mgr.anyRunning)
}

func TestTickIgnoresServicesOnOtherNodes(t *testing.T) {
	e := env.NewSimEnvironment(time.Now())
	e.SetOnline("n1", true)

	status := types.NewManagerStatus()
	status.ServiceStatus["vm:100"] = &types.ServiceState{
		State: types.StateStarted,
		Node:  "n2",
		UID:   "uid-1",
	}
	putManagerStatus(t, e, status)

	registry := newTestRegistry(resources.Success)
	mgr := NewManager("n1", e, registry, nil, DefaultConfig())

	require.NoError(t, mgr.Tick(context.Background()))

	st := readLRMStatus(t, e, "n1")
	require.Empty(t, st.Results)
}

func TestTickWithholdsWatchdogWhenLockLostWhileRunning(t *testing.T) {
	e := env.NewSimEnvironment(time.Now())
	e.SetOnline("n1", true)

	status := types.NewManagerStatus()
	status.ServiceStatus["vm:100"] = &types.ServiceState{
		State: types.StateStarted,
		Node:  "n1",
		UID:   "uid-1",
	}
	putManagerStatus(t, e, status)

	registry := newTestRegistry(resources.Success)
	mgr := NewManager("n1", e, registry, nil, DefaultConfig())
	require.NoError(t, mgr.Tick(context.Background()))
	require.True(t, mgr.anyRunning)

	// A fencing CRM steals the agent lock once the lease's lifetime has
	// elapsed without this LRM refreshing it (§4.1 invariant 5).
	e.Advance(lock.DefaultLifetime + time.Second)
	locks := lock.NewManager(e.Store(), e, e.Quorate, lock.DefaultLifetime)
	_, err := locks.Steal(lock.AgentLockName("n1"), "crm-fence:someone")
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(context.Background()))
	require.Nil(t, mgr.lease)
	// The watchdog must not have been closed gracefully: it is simply
	// abandoned so the hardware timer expires and reboots the node.
}

func TestGracefulShutdownQueuesStopCommands(t *testing.T) {
	e := env.NewSimEnvironment(time.Now())
	e.SetOnline("n1", true)

	status := types.NewManagerStatus()
	status.ServiceStatus["vm:100"] = &types.ServiceState{
		State: types.StateStarted,
		Node:  "n1",
		UID:   "uid-1",
	}
	putManagerStatus(t, e, status)

	registry := newTestRegistry(resources.Success)
	signals := &StaticSignalSource{}
	signals.Set(SystemSignals{ShutdownPending: true})

	mgr := NewManager("n1", e, registry, signals, DefaultConfig())
	require.NoError(t, mgr.Tick(context.Background()))

	raw, err := e.Store().Get(kv.KeyCRMCommands)
	require.NoError(t, err)
	require.Contains(t, string(raw), "stop vm:100")

	st := readLRMStatus(t, e, "n1")
	require.Equal(t, types.LRMShutdown, st.Mode)

	// Agent lock and watchdog are still held: the started service has
	// not yet transitioned away, so shutdown must not complete.
	require.NotNil(t, mgr.lease)
}

func TestGracefulShutdownCompletesOnceNothingIsStarted(t *testing.T) {
	e := env.NewSimEnvironment(time.Now())
	e.SetOnline("n1", true)
	putManagerStatus(t, e, types.NewManagerStatus())

	registry := newTestRegistry(resources.Success)
	signals := &StaticSignalSource{}
	signals.Set(SystemSignals{ShutdownPending: true})

	mgr := NewManager("n1", e, registry, signals, DefaultConfig())
	require.NoError(t, mgr.Tick(context.Background()))

	require.Nil(t, mgr.lease)
}

func TestTickReportsErrorExitCode(t *testing.T) {
	e := env.NewSimEnvironment(time.Now())
	e.SetOnline("n1", true)

	status := types.NewManagerStatus()
	status.ServiceStatus["vm:100"] = &types.ServiceState{
		State: types.StateStarted,
		Node:  "n1",
		UID:   "uid-err",
	}
	putManagerStatus(t, e, status)

	registry := newTestRegistry(resources.ExecError)
	mgr := NewManager("n1", e, registry, nil, DefaultConfig())
	require.NoError(t, mgr.Tick(context.Background()))

	st := readLRMStatus(t, e, "n1")
	require.Equal(t, types.ExecError, st.Results["uid-err"].ExitCode)
	require.False(t, mgr.anyRunning)
}
