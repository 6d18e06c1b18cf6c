// Package config implements C4: parsing and validation of the cluster
// filesystem documents the HA core reads — the two line-oriented
// documents resources.cfg and groups.cfg, plus fence.cfg, whose
// device/group catalog is nested enough to carry as YAML, and the
// datacenter's HA-relevant settings, which are also parsed as YAML (§6).
package config

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/aegis/pkg/types"
	"gopkg.in/yaml.v3"
)

// ResourcesConfig is the parsed form of resources.cfg: one
// ServiceConfig per declared service.
type ResourcesConfig struct {
	Services map[types.ServiceID]types.ServiceConfig
}

// ParseResources parses the "<type>: <name>\n  key value\n..." format
// described in §6.
func ParseResources(data []byte) (*ResourcesConfig, error) {
	out := &ResourcesConfig{Services: make(map[types.ServiceID]types.ServiceConfig)}

	var curID types.ServiceID
	cur := types.DefaultServiceConfig()
	haveCur := false

	flush := func() error {
		if !haveCur {
			return nil
		}
		if err := validateServiceConfig(curID, cur); err != nil {
			return err
		}
		out.Services[curID] = cur
		return nil
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			// New section header: "<type>: <name>"
			if err := flush(); err != nil {
				return nil, err
			}
			parts := strings.SplitN(trimmed, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("config: resources.cfg line %d: malformed section header %q", lineNo, line)
			}
			sid := types.ServiceID(parts[0] + ":" + strings.TrimSpace(parts[1]))
			curID = sid
			cur = types.DefaultServiceConfig()
			haveCur = true
			continue
		}

		if !haveCur {
			return nil, fmt.Errorf("config: resources.cfg line %d: property outside any section", lineNo)
		}

		key, value, ok := splitKV(trimmed)
		if !ok {
			return nil, fmt.Errorf("config: resources.cfg line %d: malformed property %q", lineNo, line)
		}
		if err := applyServiceProperty(&cur, key, value); err != nil {
			return nil, fmt.Errorf("config: resources.cfg line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan resources.cfg: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return out, nil
}

func splitKV(s string) (key, value string, ok bool) {
	fields := strings.SplitN(s, " ", 2)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], strings.TrimSpace(fields[1]), true
}

func applyServiceProperty(cd *types.ServiceConfig, key, value string) error {
	switch key {
	case "node":
		cd.Node = types.Node(value)
	case "state":
		cd.State = types.ConfigState(value).Normalize()
	case "group":
		cd.Group = value
	case "failback":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid failback value %q: %w", value, err)
		}
		cd.Failback = b
	case "max_restart":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max_restart value %q: %w", value, err)
		}
		cd.MaxRestart = n
	case "max_relocate":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max_relocate value %q: %w", value, err)
		}
		cd.MaxRelocate = n
	case "comment":
		cd.Comment = value
	default:
		// Unknown properties are tolerated: forward compatibility with
		// resource-type-specific keys the core itself does not interpret.
	}
	return nil
}

func validateServiceConfig(sid types.ServiceID, cd types.ServiceConfig) error {
	if sid.Type() == "" || sid.Name() == "" {
		return fmt.Errorf("config: invalid service id %q", sid)
	}
	switch cd.State {
	case types.ConfigStarted, types.ConfigStopped, types.ConfigDisabled, types.ConfigIgnored:
	default:
		return fmt.Errorf("config: service %q: invalid state %q", sid, cd.State)
	}
	return nil
}

// MarshalResources renders rc back into the "<type>: <name>" format
// ParseResources reads, for CLI-driven CRUD (§6's CLI surface). Sections
// are emitted sorted by service id so repeated writes diff cleanly.
func MarshalResources(rc *ResourcesConfig) []byte {
	ids := make([]types.ServiceID, 0, len(rc.Services))
	for sid := range rc.Services {
		ids = append(ids, sid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for _, sid := range ids {
		cd := rc.Services[sid]
		fmt.Fprintf(&b, "%s: %s\n", sid.Type(), sid.Name())
		fmt.Fprintf(&b, "\tnode %s\n", cd.Node)
		fmt.Fprintf(&b, "\tstate %s\n", cd.State)
		if cd.Group != "" {
			fmt.Fprintf(&b, "\tgroup %s\n", cd.Group)
		}
		fmt.Fprintf(&b, "\tfailback %t\n", cd.Failback)
		fmt.Fprintf(&b, "\tmax_restart %d\n", cd.MaxRestart)
		fmt.Fprintf(&b, "\tmax_relocate %d\n", cd.MaxRelocate)
		if cd.Comment != "" {
			fmt.Fprintf(&b, "\tcomment %s\n", cd.Comment)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// GroupsConfig is the parsed form of groups.cfg.
type GroupsConfig struct {
	Groups map[string]types.Group
}

// ParseGroups parses the "group: <id>\n  nodes ...\n  restricted 0|1\n
// nofailback 0|1\n" format from §6.
func ParseGroups(data []byte) (*GroupsConfig, error) {
	out := &GroupsConfig{Groups: make(map[string]types.Group)}

	var cur types.Group
	haveCur := false

	flush := func() {
		if haveCur {
			out.Groups[cur.Name] = cur
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			flush()
			parts := strings.SplitN(trimmed, ":", 2)
			if len(parts) != 2 || strings.TrimSpace(parts[0]) != "group" {
				return nil, fmt.Errorf("config: groups.cfg line %d: malformed section header %q", lineNo, line)
			}
			cur = types.Group{Name: strings.TrimSpace(parts[1]), Nodes: make(map[types.Node]int)}
			haveCur = true
			continue
		}

		if !haveCur {
			return nil, fmt.Errorf("config: groups.cfg line %d: property outside any section", lineNo)
		}

		key, value, ok := splitKV(trimmed)
		if !ok {
			return nil, fmt.Errorf("config: groups.cfg line %d: malformed property %q", lineNo, line)
		}
		switch key {
		case "nodes":
			if err := parseGroupNodes(&cur, value); err != nil {
				return nil, fmt.Errorf("config: groups.cfg line %d: %w", lineNo, err)
			}
		case "restricted":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("config: groups.cfg line %d: invalid restricted value %q", lineNo, value)
			}
			cur.Restricted = b
		case "nofailback":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("config: groups.cfg line %d: invalid nofailback value %q", lineNo, value)
			}
			cur.NoFailback = b
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan groups.cfg: %w", err)
	}
	flush()

	return out, nil
}

// MarshalGroups renders gc back into the "group: <id>" format
// ParseGroups reads, for CLI-driven CRUD (§6's CLI surface). Groups and
// their node lists are emitted sorted so repeated writes diff cleanly.
func MarshalGroups(gc *GroupsConfig) []byte {
	names := make([]string, 0, len(gc.Groups))
	for name := range gc.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		g := gc.Groups[name]
		nodes := make([]types.Node, 0, len(g.Nodes))
		for n := range g.Nodes {
			nodes = append(nodes, n)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

		entries := make([]string, 0, len(nodes))
		for _, n := range nodes {
			entries = append(entries, fmt.Sprintf("%s:%d", n, g.Nodes[n]))
		}

		fmt.Fprintf(&b, "group: %s\n", name)
		fmt.Fprintf(&b, "\tnodes %s\n", strings.Join(entries, ","))
		fmt.Fprintf(&b, "\trestricted %t\n", g.Restricted)
		fmt.Fprintf(&b, "\tnofailback %t\n", g.NoFailback)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// parseGroupNodes parses "n1:p1,n2:p2,n3" into cur.Nodes, defaulting an
// absent priority to 0.
func parseGroupNodes(cur *types.Group, value string) error {
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		node := types.Node(parts[0])
		priority := 0
		if len(parts) == 2 {
			p, err := strconv.Atoi(parts[1])
			if err != nil {
				return fmt.Errorf("invalid priority in node entry %q: %w", entry, err)
			}
			priority = p
		}
		cur.Nodes[node] = priority
	}
	return nil
}

// FenceDevice is one configured fence-agent invocation target.
type FenceDevice struct {
	Name    string            `yaml:"name"`
	Agent   string            `yaml:"agent"`
	Args    []string          `yaml:"args"`
	Params  map[string]string `yaml:"params"`
	Timeout int               `yaml:"timeout_seconds"`
}

// FenceGroup is a set of devices that must all succeed for the group to
// succeed (§4.3).
type FenceGroup struct {
	Name    string   `yaml:"name"`
	Devices []string `yaml:"devices"`
}

// FenceMode selects the fence orchestrator's strategy (§4.3).
type FenceMode string

const (
	FenceModeWatchdog FenceMode = "watchdog"
	FenceModeHardware FenceMode = "hardware"
)

// FenceConfig is the parsed form of fence.cfg. Unlike resources.cfg and
// groups.cfg, the device/group catalog nests deeply enough that the
// core carries it as YAML rather than the flat line format.
type FenceConfig struct {
	Mode    FenceMode              `yaml:"mode"`
	Devices map[string]FenceDevice `yaml:"devices"`
	Groups  map[string]FenceGroup  `yaml:"groups"`
	// PerNode maps a node name to the ordered list of fence group names
	// tried for it.
	PerNode map[types.Node][]string `yaml:"per_node"`
}

// ParseFenceConfig parses fence.cfg as YAML and defaults Mode to
// watchdog, the spec's default (§4.3).
func ParseFenceConfig(data []byte) (*FenceConfig, error) {
	var cfg FenceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse fence.cfg: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = FenceModeWatchdog
	}
	if cfg.Mode != FenceModeWatchdog && cfg.Mode != FenceModeHardware {
		return nil, fmt.Errorf("config: fence.cfg: invalid mode %q", cfg.Mode)
	}
	return &cfg, nil
}

// SchedulerMode selects the usage scheduler's scoring strategy (§4.4).
type SchedulerMode string

const (
	SchedulerBasic  SchedulerMode = "basic"
	SchedulerStatic SchedulerMode = "static"
)

// DatacenterConfig is the subset of datacenter.cfg the HA core reads.
type DatacenterConfig struct {
	SchedulerMode       SchedulerMode `yaml:"crs.ha,omitempty"`
	RebalanceOnStart    bool          `yaml:"crs.ha-rebalance-on-start,omitempty"`
	TickInterval        int           `yaml:"ha-tick-seconds,omitempty"`
	LockLifetimeSeconds int           `yaml:"ha-lock-lifetime-seconds,omitempty"`
	FenceDelaySeconds   int           `yaml:"ha-fence-delay-seconds,omitempty"`
}

// DefaultDatacenterConfig returns the defaults named in §4.1/§4.2/§9:
// 10s tick, 120s lock lifetime, 60s fence delay, basic scheduler, no
// rebalance-on-start.
func DefaultDatacenterConfig() DatacenterConfig {
	return DatacenterConfig{
		SchedulerMode:       SchedulerBasic,
		RebalanceOnStart:    false,
		TickInterval:        10,
		LockLifetimeSeconds: 120,
		FenceDelaySeconds:   60,
	}
}

// ParseDatacenterConfig parses datacenter.cfg as YAML, applying
// DefaultDatacenterConfig for any field left unset.
func ParseDatacenterConfig(data []byte) (DatacenterConfig, error) {
	cfg := DefaultDatacenterConfig()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DatacenterConfig{}, fmt.Errorf("failed to parse datacenter.cfg: %w", err)
	}
	return cfg, nil
}
