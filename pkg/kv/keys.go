package kv

import "github.com/cuemby/aegis/pkg/types"

// Well-known cluster KV document paths (§6).
const (
	KeyManagerStatus    = "manager_status"
	KeyCRMCommands      = "crm_commands"
	KeyResourcesConfig  = "resources.cfg"
	KeyGroupsConfig     = "groups.cfg"
	KeyFenceConfig      = "fence.cfg"
	KeyDatacenterConfig = "datacenter.cfg"
	KeyNodeMembership   = "node_membership"
)

// LRMStatusKey returns the per-node lrm_status document path for node.
func LRMStatusKey(node types.Node) string {
	return "lrm_status/" + string(node)
}

// LRMStatusPrefix is the prefix every lrm_status/<node> key shares, for
// a List call that reads every node's status at once.
const LRMStatusPrefix = "lrm_status/"
