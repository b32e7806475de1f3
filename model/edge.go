package model

import "fmt"

// EdgeKind classifies an edge. Connection is the only kind today.
type EdgeKind int

const (
	EdgeConnection EdgeKind = iota
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeConnection:
		return "connection"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// Edge links two nodes by id.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Touches reports whether id is one of the edge endpoints.
func (e Edge) Touches(id string) bool {
	return e.From == id || e.To == id
}
