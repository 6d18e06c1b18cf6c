// Package resources implements C3: the dynamic plugin registry that
// backs every resource-driven operation the CRM and LRM issue. Drivers
// are registered per service type ("vm", "ct", ...) at process init and
// the registry is frozen before either control loop starts (§9).
package resources

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/aegis/pkg/types"
)

// ExitCode mirrors the LRM/CRM shared exit-code contract (§4.8).
type ExitCode int

const (
	Success     ExitCode = 0
	ExecError   ExitCode = 1
	WrongNode   ExitCode = 2
	IgnoredCode ExitCode = 3
)

// StaticStats is the CPU/memory profile a driver reports for the
// static usage scheduler (§4.4); Available is false when the driver has
// no data and the scheduler must fail closed to basic scoring.
type StaticStats struct {
	Available bool
	CPUs      float64
	MemoryMB  float64
	MaxCPU    float64
	MaxMemMB  float64
}

// Driver is the capability set every resource type plugin implements
// (§6, §9): start/shutdown/migrate/check/remove-locks/stats, plus name
// validation and existence checks.
type Driver interface {
	// VerifyName reports whether name is a well-formed identifier for
	// this resource type.
	VerifyName(name string) error

	// Exists reports whether id currently has backing storage/config on
	// disk, independent of whether it is running.
	Exists(ctx context.Context, id string) (bool, error)

	// Start brings id up on the local node.
	Start(ctx context.Context, id string) ExitCode

	// Shutdown stops id, forcefully once timeout elapses.
	Shutdown(ctx context.Context, id string, timeout int) ExitCode

	// Migrate moves id to target, live if online is true.
	Migrate(ctx context.Context, id string, target types.Node, online bool) ExitCode

	// CheckRunning reports whether id is currently running locally.
	CheckRunning(ctx context.Context, id string) (bool, error)

	// ConfigFile returns the path of id's config document as seen from
	// node.
	ConfigFile(id string, node types.Node) string

	// RemoveLocks clears the named resource-internal locks held for id,
	// as part of recovery after a steal (§9's recover_to).
	RemoveLocks(ctx context.Context, id string, locks []string, node types.Node) error

	// GetStaticStats reports id's static resource footprint for
	// placement scoring (§4.4); Available=false degrades the caller to
	// basic scoring.
	GetStaticStats(ctx context.Context, id string, node types.Node) StaticStats
}

// Registry holds one Driver per resource type, frozen after Freeze is
// called so no driver is added once the control loops run; reads take
// a shared read lock.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	frozen  bool
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register binds a Driver to a resource type. It panics if called after
// Freeze, matching "registration happens at process init" (§9) — a
// driver registered after the loop starts is a programmer error, not a
// runtime condition to recover from.
func (r *Registry) Register(resourceType string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("resources: Register(%q) called after Freeze", resourceType))
	}
	r.drivers[resourceType] = d
}

// Freeze closes the registry to further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// ErrUnknownType is returned by Lookup for a resource type with no
// registered driver.
type ErrUnknownType string

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("resources: no driver registered for type %q", string(e))
}

// Lookup returns the driver registered for resourceType.
func (r *Registry) Lookup(resourceType string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[resourceType]
	if !ok {
		return nil, ErrUnknownType(resourceType)
	}
	return d, nil
}

// DriverFor resolves sid's type and looks up its driver.
func (r *Registry) DriverFor(sid types.ServiceID) (Driver, error) {
	return r.Lookup(sid.Type())
}

// Types returns every registered resource type, for diagnostics and
// CLI listing.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		out = append(out, t)
	}
	return out
}
