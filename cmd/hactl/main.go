// Command hactl is the thin CLI surface named in §6: status listing,
// resource/group CRUD against the cluster filesystem's config
// documents, and the migrate/relocate/stop/node-maintenance commands
// appended to the CRM command queue. It never touches ManagerStatus
// directly — every mutation either rewrites a config document the CRM
// reads next tick, or appends a command line the CRM's command queue
// consumes (§4.7).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/kv"
	"github.com/cuemby/aegis/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	dataDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hactl",
	Short:   "Query and administer the HA control plane",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "/var/lib/aegis", "cluster KV data directory")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(relocateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(nodeCmd)

	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceAddCmd)
	serviceCmd.AddCommand(serviceSetCmd)
	serviceCmd.AddCommand(serviceRemoveCmd)

	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupSetCmd)
	groupCmd.AddCommand(groupRemoveCmd)

	nodeCmd.AddCommand(nodeMaintenanceEnableCmd)
	nodeCmd.AddCommand(nodeMaintenanceDisableCmd)

	serviceAddCmd.Flags().String("node", "", "initial node (required)")
	serviceAddCmd.Flags().String("state", string(types.ConfigStarted), "initial declared state")
	serviceAddCmd.Flags().String("group", "", "placement group")
	_ = serviceAddCmd.MarkFlagRequired("node")

	serviceSetCmd.Flags().String("node", "", "reassign the declared node")
	serviceSetCmd.Flags().String("state", "", "declared state (started, stopped, disabled, ignored)")
	serviceSetCmd.Flags().String("group", "", "placement group")
	serviceSetCmd.Flags().Int("max-relocate", -1, "max relocation attempts before error (-1 leaves unchanged)")

	groupSetCmd.Flags().StringSlice("node", nil, "node[:priority] entries, repeatable")
	groupSetCmd.Flags().Bool("restricted", false, "only listed nodes are eligible")
	groupSetCmd.Flags().Bool("nofailback", false, "stay put once moved off the preferred node")

	stopCmd.Flags().Int("timeout", 60, "graceful stop timeout in seconds")
}

func openStore() (*kv.BoltStore, error) {
	return kv.NewBoltStore(dataDir)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster node and service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		raw, err := store.Get(kv.KeyManagerStatus)
		if err == kv.ErrNotFound {
			fmt.Println("no manager status yet (no CRM has written one)")
			return nil
		}
		if err != nil {
			return err
		}
		status := types.NewManagerStatus()
		if err := json.Unmarshal(raw, status); err != nil {
			return fmt.Errorf("failed to decode manager status: %w", err)
		}

		fmt.Printf("master: %s  as of %s\n\n", status.MasterNode, status.Timestamp.Format("2006-01-02T15:04:05Z07:00"))

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTATUS")
		for _, node := range sortedNodes(status.NodeStatus) {
			fmt.Fprintf(w, "%s\t%s\n", node, status.NodeStatus[node])
		}
		w.Flush()

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE\tNODE\tRUNNING\tFAILED_NODES")
		for _, sid := range sortedServiceIDs(status.ServiceStatus) {
			sd := status.ServiceStatus[sid]
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%v\n", sid, sd.State, sd.Node, sd.Running, sd.FailedNodes)
		}
		return w.Flush()
	},
}

func sortedNodes(m map[types.Node]types.NodeState) []types.Node {
	out := make([]types.Node, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func sortedServiceIDs(m map[types.ServiceID]*types.ServiceState) []types.ServiceID {
	out := make([]types.ServiceID, 0, len(m))
	for sid := range m {
		out = append(out, sid)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// --- service CRUD ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage declared services (resources.cfg)",
}

func loadResources(store kv.Store) (*config.ResourcesConfig, error) {
	raw, err := store.Get(kv.KeyResourcesConfig)
	if err == kv.ErrNotFound {
		return &config.ResourcesConfig{Services: map[types.ServiceID]types.ServiceConfig{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.ParseResources(raw)
}

func saveResources(store kv.Store, rc *config.ResourcesConfig) error {
	return store.Put(kv.KeyResourcesConfig, config.MarshalResources(rc))
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared services",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		rc, err := loadResources(store)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tNODE\tSTATE\tGROUP")
		for sid, cd := range rc.Services {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sid, cd.Node, cd.State, cd.Group)
		}
		return w.Flush()
	},
}

var serviceAddCmd = &cobra.Command{
	Use:   "add <type:name>",
	Short: "Declare a new service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sid := types.ServiceID(args[0])
		if sid.Type() == "" || sid.Name() == "" {
			return fmt.Errorf("invalid service id %q, expected <type>:<name>", args[0])
		}
		node, _ := cmd.Flags().GetString("node")
		state, _ := cmd.Flags().GetString("state")
		group, _ := cmd.Flags().GetString("group")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		rc, err := loadResources(store)
		if err != nil {
			return err
		}
		if _, exists := rc.Services[sid]; exists {
			return fmt.Errorf("service %s already declared", sid)
		}
		cd := types.DefaultServiceConfig()
		cd.Node = types.Node(node)
		cd.State = types.ConfigState(state).Normalize()
		cd.Group = group
		rc.Services[sid] = cd
		if err := saveResources(store, rc); err != nil {
			return err
		}
		fmt.Printf("declared %s on %s (%s)\n", sid, node, cd.State)
		return nil
	},
}

var serviceSetCmd = &cobra.Command{
	Use:   "set <type:name>",
	Short: "Update a declared service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sid := types.ServiceID(args[0])
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		rc, err := loadResources(store)
		if err != nil {
			return err
		}
		cd, ok := rc.Services[sid]
		if !ok {
			return fmt.Errorf("service %s not declared", sid)
		}
		if v, _ := cmd.Flags().GetString("node"); v != "" {
			cd.Node = types.Node(v)
		}
		if v, _ := cmd.Flags().GetString("state"); v != "" {
			cd.State = types.ConfigState(v).Normalize()
		}
		if cmd.Flags().Changed("group") {
			v, _ := cmd.Flags().GetString("group")
			cd.Group = v
		}
		if v, _ := cmd.Flags().GetInt("max-relocate"); v >= 0 {
			cd.MaxRelocate = v
		}
		rc.Services[sid] = cd
		if err := saveResources(store, rc); err != nil {
			return err
		}
		fmt.Printf("updated %s: node=%s state=%s group=%s\n", sid, cd.Node, cd.State, cd.Group)
		return nil
	},
}

var serviceRemoveCmd = &cobra.Command{
	Use:   "remove <type:name>",
	Short: "Remove a declared service (ignored services bypass HA, §3 lifecycle)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sid := types.ServiceID(args[0])
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		rc, err := loadResources(store)
		if err != nil {
			return err
		}
		delete(rc.Services, sid)
		if err := saveResources(store, rc); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", sid)
		return nil
	},
}

// --- group CRUD ---

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage placement groups (groups.cfg)",
}

func loadGroups(store kv.Store) (*config.GroupsConfig, error) {
	raw, err := store.Get(kv.KeyGroupsConfig)
	if err == kv.ErrNotFound {
		return &config.GroupsConfig{Groups: map[string]types.Group{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.ParseGroups(raw)
}

func saveGroups(store kv.Store, gc *config.GroupsConfig) error {
	return store.Put(kv.KeyGroupsConfig, config.MarshalGroups(gc))
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List placement groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		gc, err := loadGroups(store)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tNODES\tRESTRICTED\tNOFAILBACK")
		for name, g := range gc.Groups {
			var nodes []string
			for n, p := range g.Nodes {
				nodes = append(nodes, fmt.Sprintf("%s:%d", n, p))
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", name, strings.Join(nodes, ","), g.Restricted, g.NoFailback)
		}
		return w.Flush()
	},
}

var groupSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or replace a placement group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		nodeFlags, _ := cmd.Flags().GetStringSlice("node")
		restricted, _ := cmd.Flags().GetBool("restricted")
		nofailback, _ := cmd.Flags().GetBool("nofailback")

		nodes := make(map[types.Node]int, len(nodeFlags))
		for _, entry := range nodeFlags {
			parts := strings.SplitN(entry, ":", 2)
			priority := 0
			if len(parts) == 2 {
				p, err := strconv.Atoi(parts[1])
				if err != nil {
					return fmt.Errorf("invalid priority in %q: %w", entry, err)
				}
				priority = p
			}
			nodes[types.Node(parts[0])] = priority
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		gc, err := loadGroups(store)
		if err != nil {
			return err
		}
		gc.Groups[name] = types.Group{Name: name, Nodes: nodes, Restricted: restricted, NoFailback: nofailback}
		if err := saveGroups(store, gc); err != nil {
			return err
		}
		fmt.Printf("group %s: %d nodes restricted=%t nofailback=%t\n", name, len(nodes), restricted, nofailback)
		return nil
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a placement group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		gc, err := loadGroups(store)
		if err != nil {
			return err
		}
		delete(gc.Groups, args[0])
		if err := saveGroups(store, gc); err != nil {
			return err
		}
		fmt.Printf("removed group %s\n", args[0])
		return nil
	},
}

// --- command queue: migrate/relocate/stop/maintenance (§4.7) ---

func appendCommand(line string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	for {
		cur, err := store.Get(kv.KeyCRMCommands)
		if err == kv.ErrNotFound {
			cur = nil
		} else if err != nil {
			return err
		}
		next := string(cur)
		if next != "" && !strings.HasSuffix(next, "\n") {
			next += "\n"
		}
		next += line + "\n"

		ok, err := store.CompareAndSwap(kv.KeyCRMCommands, cur, []byte(next))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <type:name> <node>",
	Short: "Live-migrate a service to node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := appendCommand(fmt.Sprintf("migrate %s %s", args[0], args[1])); err != nil {
			return err
		}
		fmt.Printf("queued: migrate %s %s\n", args[0], args[1])
		return nil
	},
}

var relocateCmd = &cobra.Command{
	Use:   "relocate <type:name> <node>",
	Short: "Stop-and-start relocate a service to node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := appendCommand(fmt.Sprintf("relocate %s %s", args[0], args[1])); err != nil {
			return err
		}
		fmt.Printf("queued: relocate %s %s\n", args[0], args[1])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <type:name>",
	Short: "Request a graceful stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetInt("timeout")
		if err := appendCommand(fmt.Sprintf("stop %s %d", args[0], timeout)); err != nil {
			return err
		}
		fmt.Printf("queued: stop %s %d\n", args[0], timeout)
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node maintenance commands",
}

var nodeMaintenanceEnableCmd = &cobra.Command{
	Use:   "maintenance-enable <node>",
	Short: "Put a node into maintenance, evacuating its services",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := appendCommand(fmt.Sprintf("enable-node-maintenance %s", args[0])); err != nil {
			return err
		}
		fmt.Printf("queued: enable-node-maintenance %s\n", args[0])
		return nil
	},
}

var nodeMaintenanceDisableCmd = &cobra.Command{
	Use:   "maintenance-disable <node>",
	Short: "Take a node out of maintenance, allowing services back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := appendCommand(fmt.Sprintf("disable-node-maintenance %s", args[0])); err != nil {
			return err
		}
		fmt.Printf("queued: disable-node-maintenance %s\n", args[0])
		return nil
	},
}
