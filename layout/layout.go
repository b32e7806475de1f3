// Package layout implements the force-directed relaxation that keeps the
// topology readable: every node repels every other node, connection edges
// act as springs, and velocities are damped so the system settles.
//
// A Layout is built from a topology snapshot, ticked, and its positions are
// written back. It never touches node status or metadata.
package layout

import (
	"math"

	"github.com/signalsfoundry/netsim/model"
)

// Tuning constants.
const (
	Repulsion       = 5000.0
	Attraction      = 0.05
	Damping         = 0.85
	MinDistance     = 50.0
	IdealEdgeLength = 150.0

	// minSpringDistance guards the spring direction against division by zero.
	minSpringDistance = 1.0
	// coincidentNudge separates nodes that sit exactly on top of each other.
	coincidentNudge = 0.5
)

// Canvas is the rectangle positions are clamped into.
type Canvas struct {
	MinX, MinY, MaxX, MaxY float64
}

// DefaultCanvas is the drawing area used by the simulator.
var DefaultCanvas = Canvas{MinX: 100, MinY: 100, MaxX: 1100, MaxY: 700}

// Center returns the middle of the canvas.
func (c Canvas) Center() model.Position {
	return model.Position{X: (c.MinX + c.MaxX) / 2, Y: (c.MinY + c.MaxY) / 2}
}

// Clamp forces p into the canvas.
func (c Canvas) Clamp(p model.Position) model.Position {
	return model.Position{
		X: math.Min(math.Max(p.X, c.MinX), c.MaxX),
		Y: math.Min(math.Max(p.Y, c.MinY), c.MaxY),
	}
}

// Contains reports whether p lies inside the canvas, bounds included.
func (c Canvas) Contains(p model.Position) bool {
	return p.X >= c.MinX && p.X <= c.MaxX && p.Y >= c.MinY && p.Y <= c.MaxY
}

// ForceNode is the simulation-local mirror of a topology node.
type ForceNode struct {
	ID     string
	X, Y   float64
	VX, VY float64
}

type spring struct {
	from, to int
}

// Layout holds one relaxation problem.
type Layout struct {
	Nodes  []ForceNode
	canvas Canvas
	edges  []spring
}

// New builds a layout from nodes and edges with zero initial velocity. Edges
// whose endpoints are not in nodes are skipped.
func New(nodes []model.Node, edges []model.Edge, canvas Canvas) *Layout {
	l := &Layout{
		Nodes:  make([]ForceNode, 0, len(nodes)),
		canvas: canvas,
	}
	index := make(map[string]int, len(nodes))
	for _, n := range nodes {
		index[n.ID] = len(l.Nodes)
		l.Nodes = append(l.Nodes, ForceNode{ID: n.ID, X: n.Position.X, Y: n.Position.Y})
	}
	for _, e := range edges {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if !okFrom || !okTo || from == to {
			continue
		}
		l.edges = append(l.edges, spring{from: from, to: to})
	}
	return l
}

// RepulsionForce is the magnitude of the repulsive force at distance d.
func RepulsionForce(d float64) float64 {
	d = math.Max(d, MinDistance)
	return Repulsion / (d * d)
}

// SpringForce is the signed spring magnitude at distance d: positive pulls
// the endpoints together, negative pushes them apart.
func SpringForce(d float64) float64 {
	d = math.Max(d, minSpringDistance)
	return (d - IdealEdgeLength) * Attraction
}

// Tick runs one relaxation step.
func (l *Layout) Tick() {
	nodes := l.Nodes

	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			dx := nodes[j].X - nodes[i].X
			dy := nodes[j].Y - nodes[i].Y
			if dx == 0 && dy == 0 {
				// Deterministic split so the pair can start repelling.
				angle := float64(i+j) * 2.4
				dx = coincidentNudge * math.Cos(angle)
				dy = coincidentNudge * math.Sin(angle)
			}
			dist := math.Hypot(dx, dy)
			force := RepulsionForce(dist)
			fx := dx / dist * force
			fy := dy / dist * force

			nodes[i].VX -= fx
			nodes[i].VY -= fy
			nodes[j].VX += fx
			nodes[j].VY += fy
		}
	}

	for _, s := range l.edges {
		a, b := &nodes[s.from], &nodes[s.to]
		dx := b.X - a.X
		dy := b.Y - a.Y
		dist := math.Max(math.Hypot(dx, dy), minSpringDistance)
		force := SpringForce(dist)
		fx := dx / dist * force
		fy := dy / dist * force

		a.VX += fx
		a.VY += fy
		b.VX -= fx
		b.VY -= fy
	}

	for i := range nodes {
		n := &nodes[i]
		n.VX *= Damping
		n.VY *= Damping
		n.X += n.VX
		n.Y += n.VY

		p := l.canvas.Clamp(model.Position{X: n.X, Y: n.Y})
		n.X, n.Y = p.X, p.Y
	}
}

// Run performs iterations ticks, carrying velocity between them.
func (l *Layout) Run(iterations int) {
	for i := 0; i < iterations; i++ {
		l.Tick()
	}
}

// Positions returns the current positions keyed by node ID.
func (l *Layout) Positions() map[string]model.Position {
	out := make(map[string]model.Position, len(l.Nodes))
	for _, n := range l.Nodes {
		out[n.ID] = model.Position{X: n.X, Y: n.Y}
	}
	return out
}

// Step rebuilds a layout from a topology snapshot, ticks it once and returns
// the new positions. This is what the periodic layout loop calls.
func Step(nodes []model.Node, edges []model.Edge, canvas Canvas) map[string]model.Position {
	l := New(nodes, edges, canvas)
	l.Tick()
	return l.Positions()
}

// InitialPosition places the count-th node before any tick has run. With a
// target it sits on a ring of IdealEdgeLength around the target; otherwise
// it sits on a growing spiral around the canvas centre.
func InitialPosition(canvas Canvas, count int, target *model.Position) model.Position {
	if target != nil {
		angle := float64(count) * 1.3
		return canvas.Clamp(model.Position{
			X: target.X + IdealEdgeLength*math.Cos(angle),
			Y: target.Y + IdealEdgeLength*math.Sin(angle),
		})
	}

	center := canvas.Center()
	angle := float64(count) * 2.4
	radius := 100 + math.Min(float64(count)*30, 200)
	return canvas.Clamp(model.Position{
		X: center.X + radius*math.Cos(angle),
		Y: center.Y + radius*math.Sin(angle),
	})
}
