// Package lock implements C2: the two named distributed locks the HA
// core relies on — the cluster-wide "ha_manager_lock" that elects the
// CRM master, and one "ha_agent_<node>_lock" per node that elects its
// LRM and doubles as the fence token (§4.1) — plus the quorum gate every
// write must pass.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/aegis/pkg/env"
	"github.com/cuemby/aegis/pkg/kv"
)

// DefaultLifetime is L from §4.1/§5: the absolute lifetime of a lock
// record, enforced by the cluster filesystem tracking last-touch time.
const DefaultLifetime = 120 * time.Second

// ErrHeld is returned by Acquire when another owner holds an unexpired
// lock.
var ErrHeld = errors.New("lock: held by another owner")

// ErrLockLost is returned by Refresh when the lease's lock record no
// longer matches what this owner last wrote — either stolen or expired
// and re-acquired by someone else.
var ErrLockLost = errors.New("lock: lost (refresh failed)")

// ErrNoQuorum is returned by Acquire/Refresh when the local node is not
// in the quorate partition: invariant 1/2 forbid any lock write without
// quorum.
var ErrNoQuorum = errors.New("lock: no quorum")

// record is the wire format of a lock entry under priv/lock/<name>.
type record struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager acquires, refreshes, and releases named locks against a
// cluster KV store, gated on quorum.
type Manager struct {
	store    kv.Store
	clock    env.Clock
	quorate  func() bool
	lifetime time.Duration
}

// NewManager builds a lock manager. quorate is consulted before every
// acquire/refresh, matching "no write is accepted without quorum" (§4.1).
func NewManager(store kv.Store, clock env.Clock, quorate func() bool, lifetime time.Duration) *Manager {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{store: store, clock: clock, quorate: quorate, lifetime: lifetime}
}

func keyFor(name string) string { return "priv/lock/" + name }

// Lease represents ownership of a named lock, returned by Acquire.
type Lease struct {
	mgr     *Manager
	name    string
	owner   string
	current record
}

// Name returns the lock's name.
func (l *Lease) Name() string { return l.name }

// ExpiresAt returns the lease's current expiry, as last refreshed.
func (l *Lease) ExpiresAt() time.Time { return l.current.ExpiresAt }

func (m *Manager) readRecord(name string) (record, []byte, bool) {
	raw, err := m.store.Get(keyFor(name))
	if err != nil {
		return record{}, nil, false
	}
	var rec record
	if jsonErr := json.Unmarshal(raw, &rec); jsonErr != nil {
		return record{}, nil, false
	}
	return rec, raw, true
}

// Acquire attempts to take ownership of name for owner. It succeeds if
// the lock is unheld or its previous holder's record has expired.
func (m *Manager) Acquire(name, owner string) (*Lease, error) {
	if !m.quorate() {
		return nil, ErrNoQuorum
	}

	cur, rawCur, exists := m.readRecord(name)
	now := m.clock.Now()
	if exists && cur.ExpiresAt.After(now) && cur.Owner != owner {
		return nil, ErrHeld
	}

	next := record{Owner: owner, ExpiresAt: now.Add(m.lifetime)}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	var want []byte
	if exists {
		want = rawCur
	}

	ok, err := m.store.CompareAndSwap(keyFor(name), want, nextRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to write lock record: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lease{mgr: m, name: name, owner: owner, current: next}, nil
}

// Steal is Acquire under a name that makes the fence orchestrator's
// intent explicit (§4.3/§4.1 invariant 5): it only ever succeeds once
// the held lock has actually expired, exactly like Acquire.
func (m *Manager) Steal(name, owner string) (*Lease, error) {
	return m.Acquire(name, owner)
}

// Refresh extends the lease's expiry by the configured lifetime. It
// fails with ErrLockLost if the stored record no longer matches what
// this lease last wrote (stolen, expired and re-acquired, or deleted).
func (l *Lease) Refresh() error {
	if !l.mgr.quorate() {
		return ErrNoQuorum
	}

	curRaw, err := json.Marshal(l.current)
	if err != nil {
		return fmt.Errorf("failed to marshal current lock record: %w", err)
	}

	next := record{Owner: l.owner, ExpiresAt: l.mgr.clock.Now().Add(l.mgr.lifetime)}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal next lock record: %w", err)
	}

	ok, err := l.mgr.store.CompareAndSwap(keyFor(l.name), curRaw, nextRaw)
	if err != nil {
		return fmt.Errorf("failed to refresh lock record: %w", err)
	}
	if !ok {
		return ErrLockLost
	}
	l.current = next
	return nil
}

// Release is best-effort (§4.1): cluster-side expiry is the source of
// truth, so a failed release is not itself an error condition the
// caller must handle specially.
func (l *Lease) Release() {
	curRaw, err := json.Marshal(l.current)
	if err != nil {
		return
	}
	_, _ = l.mgr.store.CompareAndSwap(keyFor(l.name), curRaw, nil)
}

// ManagerLockName is the cluster-wide singleton lock that elects the
// CRM master.
const ManagerLockName = "ha_manager_lock"

// AgentLockName is the per-node lock that elects a node's LRM and acts
// as its fence token.
func AgentLockName(node string) string {
	return fmt.Sprintf("ha_agent_%s_lock", node)
}
