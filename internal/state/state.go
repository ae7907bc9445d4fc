// Package state — state.go
//
// Immutable cluster-state snapshots for eskka.
//
// A snapshot is the unit the master publishes and followers apply. It
// is treated as a value: transforms never mutate the current snapshot,
// they build a new one with a strictly larger version. The store in
// store.go is the only writer.
//
// Blocks are string markers carried on the snapshot; a node that has
// cleared its state under quorum loss carries NO_MASTER_BLOCK and
// STATE_NOT_RECOVERED_BLOCK until it re-acquires a publish from the
// leader.

package state

// Global block identifiers.
const (
	NoMasterBlock          = "NO_MASTER_BLOCK"
	StateNotRecoveredBlock = "STATE_NOT_RECOVERED_BLOCK"
)

// Node is one cluster member as recorded in a snapshot.
type Node struct {
	ID            string `json:"id"`
	Address       string `json:"address"`
	TransportAddr string `json:"transport_addr"`
	Master        bool   `json:"master"`
}

// RoutingTable assigns shards to node ids. Versioned independently of
// the enclosing snapshot so followers can keep an unchanged table.
type RoutingTable struct {
	Version int64               `json:"version"`
	Shards  map[string][]string `json:"shards,omitempty"`
}

// IndexMeta is the per-index metadata, versioned independently.
type IndexMeta struct {
	Version  int64             `json:"version"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Meta is the cluster metadata: a top-level version plus per-index
// records.
type Meta struct {
	Version int64                `json:"version"`
	Indices map[string]IndexMeta `json:"indices,omitempty"`
}

// ClusterState is one immutable snapshot.
type ClusterState struct {
	Version      int64           `json:"version"`
	MasterNodeID string          `json:"master_node_id"`
	Nodes        map[string]Node `json:"nodes,omitempty"`
	Routing      RoutingTable    `json:"routing"`
	Meta         Meta            `json:"meta"`
	Blocks       []string        `json:"blocks,omitempty"`
}

// HasBlock reports whether the snapshot carries the given block.
func (s ClusterState) HasBlock(block string) bool {
	for _, b := range s.Blocks {
		if b == block {
			return true
		}
	}
	return false
}

// Empty returns the zero snapshot carried by a node before its first
// successful state application.
func Empty() ClusterState {
	return ClusterState{
		Blocks: []string{StateNotRecoveredBlock},
	}
}

// Cleared builds the snapshot a follower installs when it loses quorum:
// routing and metadata reset, only the local node present, no master,
// and the recovery blocks set. version must be strictly larger than the
// snapshot it replaces.
func Cleared(version int64, self Node) ClusterState {
	return ClusterState{
		Version: version,
		Nodes:   map[string]Node{self.ID: self},
		Blocks:  []string{NoMasterBlock, StateNotRecoveredBlock},
	}
}

// Transition records one accepted state application.
type Transition struct {
	Source string
	Old    ClusterState
	New    ClusterState
}
