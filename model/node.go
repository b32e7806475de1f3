// Package model holds the plain topology data shared between the registry,
// the layout engine and the rendering surfaces. It has no behaviour beyond
// small accessors.
package model

import "fmt"

// NodeKind distinguishes storage nodes from client identities.
type NodeKind int

const (
	KindStorageNode NodeKind = iota
	KindClientIdentity
)

func (k NodeKind) String() string {
	switch k {
	case KindStorageNode:
		return "storage_node"
	case KindClientIdentity:
		return "client_identity"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// NodeStatus is the lifecycle state of a node.
type NodeStatus int

const (
	StatusStarting NodeStatus = iota
	StatusRunning
	StatusStopped
	StatusError
)

func (s NodeStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("NodeStatus(%d)", int(s))
	}
}

// ConnectivityStatus is the result of the last reachability test against a
// storage node.
type ConnectivityStatus int

const (
	ConnectivityUnknown ConnectivityStatus = iota
	ConnectivityTesting
	ConnectivityConnected
	ConnectivityFailed
)

func (c ConnectivityStatus) String() string {
	switch c {
	case ConnectivityUnknown:
		return "unknown"
	case ConnectivityTesting:
		return "testing"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectivityStatus(%d)", int(c))
	}
}

// Position is a point on the layout canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StorageStats summarises what a storage node currently holds.
type StorageStats struct {
	TotalKeys  int   `json:"total_keys"`
	TotalBytes int64 `json:"total_bytes"`
}

// NodeDetails is the kind-specific part of a Node. The set of
// implementations is closed: StorageNodeInfo and ClientInfo.
type NodeDetails interface {
	isNodeDetails()
}

// StorageNodeInfo is the metadata of a storage node. Endpoint and PublicKey
// are populated once the node is Running.
type StorageNodeInfo struct {
	Endpoint     string
	PublicKey    string
	Connectivity ConnectivityStatus
	Stats        *StorageStats
}

// ClientInfo is the metadata of a client identity.
type ClientInfo struct {
	PublicKey       string
	ConnectedNodeID string
}

func (*StorageNodeInfo) isNodeDetails() {}
func (*ClientInfo) isNodeDetails()      {}

// Node is a vertex of the simulated topology.
type Node struct {
	ID       string
	Name     string
	Status   NodeStatus
	Position Position
	// Err carries the last failure message when Status is StatusError.
	Err     string
	Details NodeDetails
}

// Kind derives the node kind from its details.
func (n Node) Kind() NodeKind {
	switch n.Details.(type) {
	case *ClientInfo:
		return KindClientIdentity
	default:
		return KindStorageNode
	}
}

// StorageNode returns the storage metadata when n is a storage node.
func (n Node) StorageNode() (*StorageNodeInfo, bool) {
	info, ok := n.Details.(*StorageNodeInfo)
	return info, ok && info != nil
}

// Client returns the client metadata when n is a client identity.
func (n Node) Client() (*ClientInfo, bool) {
	info, ok := n.Details.(*ClientInfo)
	return info, ok && info != nil
}

// Clone returns a deep copy so snapshots never alias store-owned details.
func (n Node) Clone() Node {
	out := n
	switch d := n.Details.(type) {
	case *StorageNodeInfo:
		if d != nil {
			cp := *d
			if d.Stats != nil {
				stats := *d.Stats
				cp.Stats = &stats
			}
			out.Details = &cp
		}
	case *ClientInfo:
		if d != nil {
			cp := *d
			out.Details = &cp
		}
	}
	return out
}

// NewStorageNode builds a Starting storage node at pos.
func NewStorageNode(id string, pos Position) Node {
	return Node{
		ID:       id,
		Name:     "Storage " + id,
		Status:   StatusStarting,
		Position: pos,
		Details:  &StorageNodeInfo{},
	}
}

// NewClientIdentity builds a Starting client identity at pos.
func NewClientIdentity(id string, pos Position) Node {
	return Node{
		ID:       id,
		Name:     "Client " + id,
		Status:   StatusStarting,
		Position: pos,
		Details:  &ClientInfo{},
	}
}
