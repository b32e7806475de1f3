package layout

import (
	"fmt"
	"math"
	"testing"

	"github.com/signalsfoundry/netsim/model"
)

func TestRepulsionDecreasesWithDistance(t *testing.T) {
	distances := []float64{MinDistance, 60, 75, 100, 150, 400, 1000}
	for i := 0; i+1 < len(distances); i++ {
		d1, d2 := distances[i], distances[i+1]
		if RepulsionForce(d1) <= RepulsionForce(d2) {
			t.Fatalf("RepulsionForce(%v) = %v not greater than RepulsionForce(%v) = %v",
				d1, RepulsionForce(d1), d2, RepulsionForce(d2))
		}
	}
	if RepulsionForce(1) != RepulsionForce(MinDistance) {
		t.Fatalf("distances below MinDistance must be floored")
	}
}

func TestSpringForceSign(t *testing.T) {
	if SpringForce(IdealEdgeLength+50) <= 0 {
		t.Fatalf("stretched spring should attract")
	}
	if SpringForce(IdealEdgeLength-50) >= 0 {
		t.Fatalf("compressed spring should repel")
	}
	if SpringForce(IdealEdgeLength) != 0 {
		t.Fatalf("spring at ideal length should be neutral")
	}
}

func pairDistance(p map[string]model.Position) float64 {
	a, b := p["a"], p["b"]
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func TestConnectedPairConvergesTowardIdealLength(t *testing.T) {
	nodes := []model.Node{
		{ID: "a", Position: model.Position{X: 100, Y: 400}},
		{ID: "b", Position: model.Position{X: 1100, Y: 400}},
	}
	edges := []model.Edge{{From: "a", To: "b"}}

	prevGap := math.Abs(1000 - IdealEdgeLength)
	for i := 0; i < 300; i++ {
		positions := Step(nodes, edges, DefaultCanvas)
		for j := range nodes {
			nodes[j].Position = positions[nodes[j].ID]
		}
		d := pairDistance(positions)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			t.Fatalf("tick %d: distance diverged: %v", i, d)
		}
		gap := math.Abs(d - IdealEdgeLength)
		if gap > prevGap+1e-9 {
			t.Fatalf("tick %d: gap grew from %v to %v", i, prevGap, gap)
		}
		prevGap = gap
	}
	if prevGap > 10 {
		t.Fatalf("final distance gap = %v, want <= 10", prevGap)
	}
}

func TestRunWithMomentumSettles(t *testing.T) {
	nodes := []model.Node{
		{ID: "a", Position: model.Position{X: 100, Y: 400}},
		{ID: "b", Position: model.Position{X: 1100, Y: 400}},
	}
	l := New(nodes, []model.Edge{{From: "a", To: "b"}}, DefaultCanvas)
	l.Run(500)

	d := pairDistance(l.Positions())
	if d < IdealEdgeLength-5 || d > IdealEdgeLength+15 {
		t.Fatalf("distance after Run(500) = %v, want near %v", d, IdealEdgeLength)
	}
}

func TestTickKeepsNodesOnCanvas(t *testing.T) {
	var nodes []model.Node
	var edges []model.Edge
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("n%d", i)
		nodes = append(nodes, model.Node{ID: id, Position: InitialPosition(DefaultCanvas, i, nil)})
		if i > 0 {
			edges = append(edges, model.Edge{From: id, To: "n0"})
		}
	}
	// Pin two nodes hard into a corner to stress the clamp.
	nodes[1].Position = model.Position{X: DefaultCanvas.MinX, Y: DefaultCanvas.MinY}
	nodes[2].Position = model.Position{X: DefaultCanvas.MinX, Y: DefaultCanvas.MinY + 1}

	l := New(nodes, edges, DefaultCanvas)
	for i := 0; i < 200; i++ {
		l.Tick()
		for _, n := range l.Nodes {
			if !DefaultCanvas.Contains(model.Position{X: n.X, Y: n.Y}) {
				t.Fatalf("tick %d: node %s at (%v, %v) left the canvas", i, n.ID, n.X, n.Y)
			}
		}
	}
}

func TestCoincidentNodesSeparate(t *testing.T) {
	nodes := []model.Node{
		{ID: "a", Position: model.Position{X: 600, Y: 400}},
		{ID: "b", Position: model.Position{X: 600, Y: 400}},
	}
	positions := Step(nodes, nil, DefaultCanvas)
	if d := pairDistance(positions); d == 0 {
		t.Fatalf("coincident nodes did not separate")
	}
}

func TestEdgesWithMissingEndpointsAreIgnored(t *testing.T) {
	nodes := []model.Node{{ID: "a", Position: model.Position{X: 600, Y: 400}}}
	positions := Step(nodes, []model.Edge{{From: "a", To: "ghost"}}, DefaultCanvas)
	if positions["a"] != (model.Position{X: 600, Y: 400}) {
		t.Fatalf("lone node moved to %+v", positions["a"])
	}
}

func TestInitialPositionsAreDistinctAndOnCanvas(t *testing.T) {
	seen := make(map[model.Position]int)
	for i := 0; i < 40; i++ {
		p := InitialPosition(DefaultCanvas, i, nil)
		if !DefaultCanvas.Contains(p) {
			t.Fatalf("InitialPosition(%d) = %+v off canvas", i, p)
		}
		if prev, dup := seen[p]; dup {
			t.Fatalf("InitialPosition(%d) collides with %d at %+v", i, prev, p)
		}
		seen[p] = i
	}
}

func TestInitialPositionNearTarget(t *testing.T) {
	target := DefaultCanvas.Center()
	p := InitialPosition(DefaultCanvas, 3, &target)
	d := math.Hypot(p.X-target.X, p.Y-target.Y)
	if math.Abs(d-IdealEdgeLength) > 1e-9 {
		t.Fatalf("distance to target = %v, want %v", d, IdealEdgeLength)
	}

	corner := model.Position{X: DefaultCanvas.MinX, Y: DefaultCanvas.MinY}
	if p := InitialPosition(DefaultCanvas, 3, &corner); !DefaultCanvas.Contains(p) {
		t.Fatalf("target-biased position %+v off canvas", p)
	}
}
