// Package kb is the in-memory topology store: nodes, connection edges and
// node positions. It is safe for concurrent use. The node registry is its
// only writer of lifecycle data; the layout tick writes positions only.
package kb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/netsim/model"
)

var (
	// ErrNodeExists indicates a node with the same ID is already stored.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeInvalid indicates a node failed validation.
	ErrNodeInvalid = errors.New("invalid node")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeUpdated
	EventNodeRemoved
	EventEdgeAdded
	EventEdgeRemoved
	EventCleared
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "node_added"
	case EventNodeUpdated:
		return "node_updated"
	case EventNodeRemoved:
		return "node_removed"
	case EventEdgeAdded:
		return "edge_added"
	case EventEdgeRemoved:
		return "edge_removed"
	case EventCleared:
		return "cleared"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers after a structural change. Position-only
// updates from the layout tick are not published.
type Event struct {
	Type   EventType
	NodeID string
	Edge   model.Edge
}

// Snapshot is a point-in-time copy of the topology. Callers own it.
type Snapshot struct {
	Nodes []model.Node
	Edges []model.Edge
}

// Counts summarises the store for metrics.
type Counts struct {
	StorageNodes int
	Clients      int
	Edges        int
}

// MetricsRecorder receives count updates after every structural change.
type MetricsRecorder interface {
	SetTopologyCounts(storageNodes, clients, edges int)
}

// Option customises KnowledgeBase construction.
type Option func(*KnowledgeBase)

// WithMetricsRecorder attaches an optional recorder for topology gauges.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(kb *KnowledgeBase) {
		kb.metrics = m
	}
}

// KnowledgeBase stores the topology.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes map[string]*model.Node
	// order keeps insertion order so snapshots and layout are stable.
	order []string
	edges []model.Edge

	subs    map[int]func(Event)
	nextSub int

	metrics MetricsRecorder
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase(opts ...Option) *KnowledgeBase {
	kb := &KnowledgeBase{
		nodes: make(map[string]*model.Node),
		subs:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(kb)
		}
	}
	return kb
}

// AddNode inserts a copy of n. It fails if the ID is already present.
func (kb *KnowledgeBase) AddNode(n model.Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrNodeInvalid)
	}
	kb.mu.Lock()
	if _, exists := kb.nodes[n.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	cp := n.Clone()
	kb.nodes[n.ID] = &cp
	kb.order = append(kb.order, n.ID)
	notify := kb.commitLocked(Event{Type: EventNodeAdded, NodeID: n.ID})
	kb.mu.Unlock()

	notify()
	return nil
}

// UpdateNode applies fn to the stored node under the write lock. fn must be
// fast and must not call back into the KB.
func (kb *KnowledgeBase) UpdateNode(id string, fn func(*model.Node)) error {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	fn(n)
	n.ID = id
	notify := kb.commitLocked(Event{Type: EventNodeUpdated, NodeID: id})
	kb.mu.Unlock()

	notify()
	return nil
}

// GetNode returns a copy of the node with the given ID.
func (kb *KnowledgeBase) GetNode(id string) (model.Node, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	n, ok := kb.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return n.Clone(), true
}

// RemoveNode deletes the node and every edge touching it.
func (kb *KnowledgeBase) RemoveNode(id string) error {
	kb.mu.Lock()
	if _, ok := kb.nodes[id]; !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(kb.nodes, id)
	for i, oid := range kb.order {
		if oid == id {
			kb.order = append(kb.order[:i], kb.order[i+1:]...)
			break
		}
	}
	kept := kb.edges[:0]
	for _, e := range kb.edges {
		if !e.Touches(id) {
			kept = append(kept, e)
		}
	}
	kb.edges = kept
	notify := kb.commitLocked(Event{Type: EventNodeRemoved, NodeID: id})
	kb.mu.Unlock()

	notify()
	return nil
}

// AddEdge appends e when both endpoints exist. Adding an identical edge twice
// is a no-op.
func (kb *KnowledgeBase) AddEdge(e model.Edge) error {
	kb.mu.Lock()
	for _, id := range []string{e.From, e.To} {
		if _, ok := kb.nodes[id]; !ok {
			kb.mu.Unlock()
			return fmt.Errorf("%w: edge endpoint %q", ErrNodeNotFound, id)
		}
	}
	for _, existing := range kb.edges {
		if existing == e {
			kb.mu.Unlock()
			return nil
		}
	}
	kb.edges = append(kb.edges, e)
	notify := kb.commitLocked(Event{Type: EventEdgeAdded, NodeID: e.From, Edge: e})
	kb.mu.Unlock()

	notify()
	return nil
}

// RemoveEdgesFrom drops every edge of the given kind originating at from and
// reports how many were removed.
func (kb *KnowledgeBase) RemoveEdgesFrom(from string, kind model.EdgeKind) int {
	kb.mu.Lock()
	removed := 0
	kept := kb.edges[:0]
	for _, e := range kb.edges {
		if e.From == from && e.Kind == kind {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	kb.edges = kept
	if removed == 0 {
		kb.mu.Unlock()
		return 0
	}
	notify := kb.commitLocked(Event{Type: EventEdgeRemoved, NodeID: from})
	kb.mu.Unlock()

	notify()
	return removed
}

// SetPositions writes positions that were computed from base. Unknown IDs
// are ignored. A node whose position no longer matches its entry in base was
// moved after base was taken and keeps where it is; IDs absent from base are
// written unconditionally.
func (kb *KnowledgeBase) SetPositions(base []model.Node, positions map[string]model.Position) {
	was := make(map[string]model.Position, len(base))
	for _, n := range base {
		was[n.ID] = n.Position
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	for id, pos := range positions {
		n, ok := kb.nodes[id]
		if !ok {
			continue
		}
		if prev, known := was[id]; known && prev != n.Position {
			continue
		}
		n.Position = pos
	}
}

// Snapshot copies nodes in insertion order and the edges whose endpoints both
// exist.
func (kb *KnowledgeBase) Snapshot() Snapshot {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	snap := Snapshot{
		Nodes: make([]model.Node, 0, len(kb.order)),
		Edges: make([]model.Edge, 0, len(kb.edges)),
	}
	for _, id := range kb.order {
		snap.Nodes = append(snap.Nodes, kb.nodes[id].Clone())
	}
	for _, e := range kb.edges {
		_, fromOK := kb.nodes[e.From]
		_, toOK := kb.nodes[e.To]
		if fromOK && toOK {
			snap.Edges = append(snap.Edges, e)
		}
	}
	return snap
}

// Len returns the number of stored nodes.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.nodes)
}

// Counts returns node and edge counts.
func (kb *KnowledgeBase) Counts() Counts {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.countsLocked()
}

// Clear drops every node and edge.
func (kb *KnowledgeBase) Clear() {
	kb.mu.Lock()
	kb.nodes = make(map[string]*model.Node)
	kb.order = nil
	kb.edges = nil
	notify := kb.commitLocked(Event{Type: EventCleared})
	kb.mu.Unlock()

	notify()
}

// Subscribe registers a callback for KB events. It returns an unsubscribe
// function. Callbacks run outside the lock on the mutating goroutine.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextSub
	kb.nextSub++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) countsLocked() Counts {
	var c Counts
	for _, n := range kb.nodes {
		if n.Kind() == model.KindClientIdentity {
			c.Clients++
		} else {
			c.StorageNodes++
		}
	}
	c.Edges = len(kb.edges)
	return c
}

// commitLocked captures what must happen after the lock is released: metric
// updates and subscriber notification.
func (kb *KnowledgeBase) commitLocked(ev Event) func() {
	counts := kb.countsLocked()
	subs := make([]func(Event), 0, len(kb.subs))
	for _, fn := range kb.subs {
		subs = append(subs, fn)
	}
	metrics := kb.metrics

	return func() {
		if metrics != nil {
			metrics.SetTopologyCounts(counts.StorageNodes, counts.Clients, counts.Edges)
		}
		for _, fn := range subs {
			fn(ev)
		}
	}
}
