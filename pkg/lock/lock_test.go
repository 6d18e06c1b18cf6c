package lock

import (
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/kv"
	"github.com/stretchr/testify/require"
)

func quorate() bool { return true }

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time                         { return c.now }
func (c *fixedClock) Sleep(d time.Duration)                   { c.now = c.now.Add(d) }
func (c *fixedClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- c.now.Add(d); return ch }

func newTestManager() (*Manager, *fixedClock) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := kv.NewMemStore()
	return NewManager(store, clock, quorate, DefaultLifetime), clock
}

func TestAcquireThenAcquireByOtherFails(t *testing.T) {
	m, _ := newTestManager()

	lease, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)
	require.Equal(t, "node1", lease.owner)

	_, err = m.Acquire(ManagerLockName, "node2")
	require.ErrorIs(t, err, ErrHeld)
}

func TestAcquireSameOwnerIsIdempotent(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)

	lease2, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)
	require.Equal(t, "node1", lease2.owner)
}

func TestLockExpiresAfterLifetime(t *testing.T) {
	m, clock := newTestManager()

	_, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)

	clock.now = clock.now.Add(DefaultLifetime + time.Second)

	lease2, err := m.Acquire(ManagerLockName, "node2")
	require.NoError(t, err)
	require.Equal(t, "node2", lease2.owner)
}

func TestRefreshExtendsLifetime(t *testing.T) {
	m, clock := newTestManager()

	lease, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)

	clock.now = clock.now.Add(DefaultLifetime - time.Second)
	require.NoError(t, lease.Refresh())

	clock.now = clock.now.Add(DefaultLifetime - time.Second)
	_, err = m.Acquire(ManagerLockName, "node2")
	require.ErrorIs(t, err, ErrHeld)
}

func TestSteal(t *testing.T) {
	m, clock := newTestManager()

	_, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)

	clock.now = clock.now.Add(DefaultLifetime + time.Second)

	lease, err := m.Steal(ManagerLockName, "node2")
	require.NoError(t, err)
	require.Equal(t, "node2", lease.owner)
}

func TestReleaseFreesLockImmediately(t *testing.T) {
	m, _ := newTestManager()

	lease, err := m.Acquire(ManagerLockName, "node1")
	require.NoError(t, err)

	lease.Release()

	lease2, err := m.Acquire(ManagerLockName, "node2")
	require.NoError(t, err)
	require.Equal(t, "node2", lease2.owner)
}

func TestAgentLockName(t *testing.T) {
	require.Equal(t, "ha_agent_node1_lock", AgentLockName("node1"))
}
