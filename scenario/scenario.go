// Package scenario defines declarative, time-ordered recipes of network
// operations and their JSON file format.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInvalidScenario wraps every validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// ActionType is the wire tag of an action.
type ActionType string

const (
	TypeCreateStorageNode    ActionType = "create_homeserver"
	TypeCreateClientIdentity ActionType = "create_client"
	TypeConnect              ActionType = "connect_client"
	TypeWriteData            ActionType = "write_data"
	TypeReadData             ActionType = "read_data"
	TypeWaitForReady         ActionType = "wait_for_homeserver"
)

// Action is one step of a scenario. The set of implementations is closed;
// switch on the concrete type to dispatch.
type Action interface {
	Type() ActionType
	// Validate checks the action's own fields.
	Validate() error
	isAction()
}

// CreateStorageNode provisions a storage node under ID.
type CreateStorageNode struct {
	ID string
}

// CreateClientIdentity mints a client keypair under ID.
type CreateClientIdentity struct {
	ID string
}

// Connect signs a client up with a storage node.
type Connect struct {
	ClientID string
	NodeID   string
}

// WriteData stores Content at Path through the client's session.
type WriteData struct {
	ClientID string
	Path     string
	Content  string
}

// ReadData fetches Path through the client's session.
type ReadData struct {
	ClientID string
	Path     string
}

// WaitForReady polls a storage node's liveness until it answers or the
// timeout elapses.
type WaitForReady struct {
	NodeID         string
	TimeoutSeconds float64
}

func (CreateStorageNode) Type() ActionType    { return TypeCreateStorageNode }
func (CreateClientIdentity) Type() ActionType { return TypeCreateClientIdentity }
func (Connect) Type() ActionType              { return TypeConnect }
func (WriteData) Type() ActionType            { return TypeWriteData }
func (ReadData) Type() ActionType             { return TypeReadData }
func (WaitForReady) Type() ActionType         { return TypeWaitForReady }

func (CreateStorageNode) isAction()    {}
func (CreateClientIdentity) isAction() {}
func (Connect) isAction()              {}
func (WriteData) isAction()            {}
func (ReadData) isAction()             {}
func (WaitForReady) isAction()         {}

func (a CreateStorageNode) Validate() error    { return requireFields(a.Type(), "id", a.ID) }
func (a CreateClientIdentity) Validate() error { return requireFields(a.Type(), "id", a.ID) }

func (a Connect) Validate() error {
	return requireFields(a.Type(), "client_id", a.ClientID, "homeserver_id", a.NodeID)
}

func (a WriteData) Validate() error {
	if err := requireFields(a.Type(), "client_id", a.ClientID, "path", a.Path); err != nil {
		return err
	}
	return validatePath(a.Type(), a.Path)
}

func (a ReadData) Validate() error {
	if err := requireFields(a.Type(), "client_id", a.ClientID, "path", a.Path); err != nil {
		return err
	}
	return validatePath(a.Type(), a.Path)
}

func (a WaitForReady) Validate() error {
	if err := requireFields(a.Type(), "homeserver_id", a.NodeID); err != nil {
		return err
	}
	if !(a.TimeoutSeconds > 0) || math.IsInf(a.TimeoutSeconds, 0) {
		return fmt.Errorf("%w: %s: timeout_seconds must be a positive number", ErrInvalidScenario, a.Type())
	}
	return nil
}

// Timeout converts TimeoutSeconds to a duration.
func (a WaitForReady) Timeout() time.Duration {
	return Seconds(a.TimeoutSeconds)
}

// Describe renders an action for logs.
func Describe(a Action) string {
	switch a := a.(type) {
	case CreateStorageNode:
		return fmt.Sprintf("create storage node %s", a.ID)
	case CreateClientIdentity:
		return fmt.Sprintf("create client %s", a.ID)
	case Connect:
		return fmt.Sprintf("connect %s -> %s", a.ClientID, a.NodeID)
	case WriteData:
		return fmt.Sprintf("write %s %s (%d bytes)", a.ClientID, a.Path, len(a.Content))
	case ReadData:
		return fmt.Sprintf("read %s %s", a.ClientID, a.Path)
	case WaitForReady:
		return fmt.Sprintf("wait for %s (%.1fs)", a.NodeID, a.TimeoutSeconds)
	default:
		return fmt.Sprintf("unknown action %T", a)
	}
}

// Operation schedules an action at a fixed offset from the scenario start.
type Operation struct {
	AtSeconds float64
	Action    Action
}

// Offset converts AtSeconds to a duration.
func (o Operation) Offset() time.Duration {
	return Seconds(o.AtSeconds)
}

// Scenario is a named timeline of operations.
type Scenario struct {
	Name        string
	Description string
	Operations  []Operation
}

// Validate checks the scenario and every action in it.
func (s Scenario) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	for i, op := range s.Operations {
		if op.Action == nil {
			return fmt.Errorf("%w: operation %d has no action", ErrInvalidScenario, i)
		}
		if op.AtSeconds < 0 || math.IsNaN(op.AtSeconds) || math.IsInf(op.AtSeconds, 0) {
			return fmt.Errorf("%w: operation %d: at_seconds must be a non-negative number", ErrInvalidScenario, i)
		}
		if err := op.Action.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Ordered returns the operations in execution order: non-decreasing offset,
// ties kept in declaration order. The receiver is not modified.
func (s Scenario) Ordered() []Operation {
	ops := append([]Operation(nil), s.Operations...)
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].AtSeconds < ops[j].AtSeconds
	})
	return ops
}

// Duration is the offset of the last operation.
func (s Scenario) Duration() time.Duration {
	var last float64
	for _, op := range s.Operations {
		last = math.Max(last, op.AtSeconds)
	}
	return Seconds(last)
}

// Seconds converts fractional seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func requireFields(t ActionType, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s: %s is required", ErrInvalidScenario, t, pairs[i])
		}
	}
	return nil
}

// PublicPrefix is the only tree storage nodes accept writes and reads under.
const PublicPrefix = "/pub/"

func validatePath(t ActionType, path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %s: path %q must be absolute", ErrInvalidScenario, t, path)
	}
	if !strings.HasPrefix(path, PublicPrefix) || len(path) == len(PublicPrefix) {
		return fmt.Errorf("%w: %s: path %q must name a file under %s", ErrInvalidScenario, t, path, PublicPrefix)
	}
	return nil
}
