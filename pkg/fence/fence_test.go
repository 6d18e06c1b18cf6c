package fence

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/lock"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time                         { return c.now }
func (c *fixedClock) Sleep(d time.Duration)                   { c.now = c.now.Add(d) }
func (c *fixedClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- c.now.Add(d); return ch }

func newLockManager() (*lock.Manager, *fixedClock) {
	clock := &fixedClock{now: time.Now()}
	return lock.NewManager(kv.NewMemStore(), clock, func() bool { return true }, lock.DefaultLifetime), clock
}

func TestWatchdogFenceSucceedsWhenAgentLockExpired(t *testing.T) {
	locks, clock := newLockManager()
	_, err := locks.Acquire(lock.AgentLockName("n1"), "n1")
	require.NoError(t, err)

	o := New(nil, nil, locks)

	clock.now = clock.now.Add(lock.DefaultLifetime + time.Second)
	ok, err := o.Attempt(context.Background(), "n1", "crm-fence:master")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWatchdogFenceRetriesWhileLockHeld(t *testing.T) {
	locks, _ := newLockManager()
	_, err := locks.Acquire(lock.AgentLockName("n1"), "n1")
	require.NoError(t, err)

	o := New(nil, nil, locks)
	ok, err := o.Attempt(context.Background(), "n1", "crm-fence:master")
	require.NoError(t, err)
	require.False(t, ok)
}

type scriptedRunner struct {
	results map[string]env.FenceResult
}

func (r *scriptedRunner) RunDevice(ctx context.Context, agent string, args []string, timeout time.Duration) env.FenceResult {
	return r.results[agent]
}

func TestHardwareFenceAllDevicesMustSucceed(t *testing.T) {
	cfg := &config.FenceConfig{
		Mode: config.FenceModeHardware,
		Devices: map[string]config.FenceDevice{
			"d1": {Agent: "fence_a"},
			"d2": {Agent: "fence_b"},
		},
		Groups: map[string]config.FenceGroup{
			"g1": {Devices: []string{"d1", "d2"}},
		},
		PerNode: map[types.Node][]string{"n1": {"g1"}},
	}
	runner := &scriptedRunner{results: map[string]env.FenceResult{
		"fence_a": {ExitCode: 0},
		"fence_b": {ExitCode: 1},
	}}
	o := New(cfg, runner, nil)

	ok, err := o.Attempt(context.Background(), "n1", "owner")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHardwareFenceSucceedsOnAlreadyOffCode(t *testing.T) {
	cfg := &config.FenceConfig{
		Mode: config.FenceModeHardware,
		Devices: map[string]config.FenceDevice{
			"d1": {Agent: "fence_a"},
		},
		Groups: map[string]config.FenceGroup{
			"g1": {Devices: []string{"d1"}},
		},
		PerNode: map[types.Node][]string{"n1": {"g1"}},
	}
	runner := &scriptedRunner{results: map[string]env.FenceResult{
		"fence_a": {ExitCode: deviceSuccessCode},
	}}
	o := New(cfg, runner, nil)

	ok, err := o.Attempt(context.Background(), "n1", "owner")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHardwareFenceOverallSucceedsIfAnyGroupSucceeds(t *testing.T) {
	cfg := &config.FenceConfig{
		Mode: config.FenceModeHardware,
		Devices: map[string]config.FenceDevice{
			"bad":  {Agent: "fence_bad"},
			"good": {Agent: "fence_good"},
		},
		Groups: map[string]config.FenceGroup{
			"g1": {Devices: []string{"bad"}},
			"g2": {Devices: []string{"good"}},
		},
		PerNode: map[types.Node][]string{"n1": {"g1", "g2"}},
	}
	runner := &scriptedRunner{results: map[string]env.FenceResult{
		"fence_bad":  {ExitCode: 1},
		"fence_good": {ExitCode: 0},
	}}
	o := New(cfg, runner, nil)

	ok, err := o.Attempt(context.Background(), "n1", "owner")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHardwareFenceNoGroupsConfiguredIsError(t *testing.T) {
	cfg := &config.FenceConfig{Mode: config.FenceModeHardware}
	o := New(cfg, &scriptedRunner{results: map[string]env.FenceResult{}}, nil)

	_, err := o.Attempt(context.Background(), "n1", "owner")
	require.Error(t, err)
}
