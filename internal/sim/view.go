package sim

import (
	"github.com/signalsfoundry/netsim/kb"
	"github.com/signalsfoundry/netsim/model"
)

// NodeView is the wire form of a node shared by the gRPC and HTTP surfaces.
type NodeView struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	Status string  `json:"status"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Error  string  `json:"error,omitempty"`

	Endpoint     string              `json:"endpoint,omitempty"`
	PublicKey    string              `json:"public_key,omitempty"`
	Connectivity string              `json:"connectivity,omitempty"`
	Stats        *model.StorageStats `json:"stats,omitempty"`

	ConnectedNodeID string `json:"connected_node_id,omitempty"`
}

// EdgeView is the wire form of an edge.
type EdgeView struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// TopologyView is the wire form of a snapshot.
type TopologyView struct {
	Nodes []NodeView `json:"nodes"`
	Edges []EdgeView `json:"edges"`
}

// NewTopologyView renders a snapshot.
func NewTopologyView(snap kb.Snapshot) TopologyView {
	out := TopologyView{
		Nodes: make([]NodeView, 0, len(snap.Nodes)),
		Edges: make([]EdgeView, 0, len(snap.Edges)),
	}
	for _, n := range snap.Nodes {
		out.Nodes = append(out.Nodes, NewNodeView(n))
	}
	for _, e := range snap.Edges {
		out.Edges = append(out.Edges, EdgeView{From: e.From, To: e.To, Kind: e.Kind.String()})
	}
	return out
}

// NewNodeView renders one node.
func NewNodeView(n model.Node) NodeView {
	v := NodeView{
		ID:     n.ID,
		Name:   n.Name,
		Kind:   n.Kind().String(),
		Status: n.Status.String(),
		X:      n.Position.X,
		Y:      n.Position.Y,
		Error:  n.Err,
	}
	switch d := n.Details.(type) {
	case *model.StorageNodeInfo:
		if d != nil {
			v.Endpoint = d.Endpoint
			v.PublicKey = d.PublicKey
			v.Connectivity = d.Connectivity.String()
			v.Stats = d.Stats
		}
	case *model.ClientInfo:
		if d != nil {
			v.PublicKey = d.PublicKey
			v.ConnectedNodeID = d.ConnectedNodeID
		}
	}
	return v
}
