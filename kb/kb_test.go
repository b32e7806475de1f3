package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/netsim/model"
)

func TestAddAndGetNode(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddNode(model.NewStorageNode("node-1", model.Position{X: 10, Y: 20})); err != nil {
		t.Fatalf("AddNode error: %v", err)
	}
	got, ok := store.GetNode("node-1")
	if !ok {
		t.Fatalf("GetNode(node-1) not found")
	}
	if got.Status != model.StatusStarting || got.Position.X != 10 {
		t.Fatalf("GetNode returned %#v", got)
	}
}

func TestAddNodeDuplicate(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddNode(model.NewClientIdentity("c", model.Position{})); err != nil {
		t.Fatalf("first AddNode error: %v", err)
	}
	err := store.AddNode(model.NewClientIdentity("c", model.Position{}))
	if !errors.Is(err, ErrNodeExists) {
		t.Fatalf("duplicate AddNode err = %v, want ErrNodeExists", err)
	}
}

func TestAddEdgeRequiresEndpoints(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddNode(model.NewClientIdentity("c", model.Position{})); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	err := store.AddEdge(model.Edge{From: "c", To: "missing"})
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("AddEdge err = %v, want ErrNodeNotFound", err)
	}
	if got := len(store.Snapshot().Edges); got != 0 {
		t.Fatalf("edges = %d, want 0", got)
	}
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	store := NewKnowledgeBase()
	mustAdd(t, store, model.NewStorageNode("n", model.Position{}))
	mustAdd(t, store, model.NewClientIdentity("c1", model.Position{}))
	mustAdd(t, store, model.NewClientIdentity("c2", model.Position{}))
	for _, c := range []string{"c1", "c2"} {
		if err := store.AddEdge(model.Edge{From: c, To: "n"}); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}

	if err := store.RemoveNode("n"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	snap := store.Snapshot()
	if len(snap.Nodes) != 2 || len(snap.Edges) != 0 {
		t.Fatalf("snapshot = %d nodes %d edges, want 2/0", len(snap.Nodes), len(snap.Edges))
	}
}

func TestAddEdgeIsIdempotent(t *testing.T) {
	store := NewKnowledgeBase()
	mustAdd(t, store, model.NewStorageNode("n", model.Position{}))
	mustAdd(t, store, model.NewClientIdentity("c", model.Position{}))
	e := model.Edge{From: "c", To: "n", Kind: model.EdgeConnection}
	for i := 0; i < 3; i++ {
		if err := store.AddEdge(e); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}
	if got := store.Counts().Edges; got != 1 {
		t.Fatalf("edges = %d, want 1", got)
	}
	if removed := store.RemoveEdgesFrom("c", model.EdgeConnection); removed != 1 {
		t.Fatalf("RemoveEdgesFrom = %d, want 1", removed)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewKnowledgeBase()
	mustAdd(t, store, model.NewStorageNode("n", model.Position{}))

	snap := store.Snapshot()
	info, _ := snap.Nodes[0].StorageNode()
	info.Endpoint = "mutated"
	snap.Nodes[0].Status = model.StatusError

	got, _ := store.GetNode("n")
	gotInfo, _ := got.StorageNode()
	if got.Status != model.StatusStarting || gotInfo.Endpoint != "" {
		t.Fatalf("snapshot mutation leaked into store: %#v", got)
	}
}

func TestSetPositionsIgnoresUnknownNodes(t *testing.T) {
	store := NewKnowledgeBase()
	mustAdd(t, store, model.NewStorageNode("n", model.Position{}))
	store.SetPositions(nil, map[string]model.Position{
		"n":    {X: 5, Y: 6},
		"gone": {X: 1, Y: 1},
	})
	got, _ := store.GetNode("n")
	if got.Position != (model.Position{X: 5, Y: 6}) {
		t.Fatalf("position = %+v, want {5 6}", got.Position)
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}
}

func TestSetPositionsKeepsConcurrentMove(t *testing.T) {
	store := NewKnowledgeBase()
	mustAdd(t, store, model.NewStorageNode("moved", model.Position{}))
	mustAdd(t, store, model.NewStorageNode("still", model.Position{}))
	base := store.Snapshot().Nodes

	if err := store.UpdateNode("moved", func(n *model.Node) { n.Position = model.Position{X: 9, Y: 9} }); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	store.SetPositions(base, map[string]model.Position{
		"moved": {X: 5, Y: 5},
		"still": {X: 1, Y: 2},
	})

	if got, _ := store.GetNode("moved"); got.Position != (model.Position{X: 9, Y: 9}) {
		t.Fatalf("moved position = %+v, want {9 9}", got.Position)
	}
	if got, _ := store.GetNode("still"); got.Position != (model.Position{X: 1, Y: 2}) {
		t.Fatalf("still position = %+v, want {1 2}", got.Position)
	}
}

type countRecorder struct {
	mu                      sync.Mutex
	storage, clients, edges int
}

func (c *countRecorder) SetTopologyCounts(storage, clients, edges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage, c.clients, c.edges = storage, clients, edges
}

func TestSubscribersAndMetrics(t *testing.T) {
	rec := &countRecorder{}
	store := NewKnowledgeBase(WithMetricsRecorder(rec))

	var events []EventType
	unsubscribe := store.Subscribe(func(ev Event) {
		events = append(events, ev.Type)
	})

	mustAdd(t, store, model.NewStorageNode("n", model.Position{}))
	mustAdd(t, store, model.NewClientIdentity("c", model.Position{}))
	if err := store.AddEdge(model.Edge{From: "c", To: "n"}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if rec.storage != 1 || rec.clients != 1 || rec.edges != 1 {
		t.Fatalf("recorded counts = %d/%d/%d, want 1/1/1", rec.storage, rec.clients, rec.edges)
	}

	unsubscribe()
	store.Clear()

	want := []EventType{EventNodeAdded, EventNodeAdded, EventEdgeAdded}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	if rec.storage != 0 || rec.edges != 0 {
		t.Fatalf("counts after Clear = %d/%d, want 0/0", rec.storage, rec.edges)
	}
}

func TestConcurrentWritersKeepEdgesValid(t *testing.T) {
	store := NewKnowledgeBase()
	mustAdd(t, store, model.NewStorageNode("hub", model.Position{}))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			_ = store.AddNode(model.NewClientIdentity(id, model.Position{}))
			_ = store.AddEdge(model.Edge{From: id, To: "hub"})
			if i%2 == 0 {
				_ = store.RemoveNode(id)
			}
			store.SetPositions(nil, map[string]model.Position{"hub": {X: float64(i)}})
		}(i)
	}
	wg.Wait()

	snap := store.Snapshot()
	ids := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		ids[n.ID] = true
	}
	for _, e := range snap.Edges {
		if !ids[e.From] || !ids[e.To] {
			t.Fatalf("dangling edge %+v", e)
		}
	}
	if len(snap.Edges) != 10 {
		t.Fatalf("edges = %d, want 10", len(snap.Edges))
	}
}

func mustAdd(t *testing.T, store *KnowledgeBase, n model.Node) {
	t.Helper()
	if err := store.AddNode(n); err != nil {
		t.Fatalf("AddNode(%s): %v", n.ID, err)
	}
}
