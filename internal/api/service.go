// Package api exposes a Simulation over gRPC as the netsim.v1.Simulator
// service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/sim"
	"github.com/signalsfoundry/netsim/model"
	"github.com/signalsfoundry/netsim/scenario"
)

// ScenarioInfo summarises a scenario file.
type ScenarioInfo struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	File        string  `json:"file"`
	Operations  int     `json:"operations"`
	Duration    float64 `json:"duration_seconds"`
}

// Service implements SimulatorServer on top of a Simulation.
type Service struct {
	sim *sim.Simulation
	log logging.Logger
}

var _ SimulatorServer = (*Service)(nil)

// NewService constructs a Service bound to s.
func NewService(s *sim.Simulation, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{sim: s, log: log}
}

func (s *Service) logger(ctx context.Context) logging.Logger {
	return logging.FromContext(ctx, s.log)
}

// StartNetwork starts the simulated directory.
func (s *Service) StartNetwork(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.sim.StartNetwork(ctx); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// StopNetwork tears the network down.
func (s *Service) StopNetwork(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.sim.StopNetwork(ctx); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// CreateStorageNode starts provisioning a storage node. It returns once the
// node is in the topology; readiness is reported through the event log or
// WaitForReady.
func (s *Service) CreateStorageNode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.sim.Do(ctx, scenario.CreateStorageNode{ID: optionalString(req, "id")})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(map[string]any{"node_id": res.NodeID})
}

// CreateClientIdentity creates a client and returns its public key.
func (s *Service) CreateClientIdentity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.sim.Do(ctx, scenario.CreateClientIdentity{ID: optionalString(req, "id")})
	if err != nil {
		return nil, ToStatusError(err)
	}
	out := map[string]any{"node_id": res.NodeID}
	if n, ok := s.sim.Registry().Store().GetNode(res.NodeID); ok {
		if info, ok := n.Client(); ok {
			out["public_key"] = info.PublicKey
		}
	}
	return toStruct(out)
}

// Connect opens a session from a client to a storage node.
func (s *Service) Connect(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	clientID, err := requireString(req, "client_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	nodeID, err := requireString(req, "node_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	if _, err := s.sim.Do(ctx, scenario.Connect{ClientID: clientID, NodeID: nodeID}); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Write stores content at path through the client's session.
func (s *Service) Write(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	clientID, err := requireString(req, "client_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	path, err := requireString(req, "path")
	if err != nil {
		return nil, ToStatusError(err)
	}
	a := scenario.WriteData{ClientID: clientID, Path: path, Content: optionalString(req, "content")}
	if _, err := s.sim.Do(ctx, a); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Read fetches path through the client's session.
func (s *Service) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	clientID, err := requireString(req, "client_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	path, err := requireString(req, "path")
	if err != nil {
		return nil, ToStatusError(err)
	}
	res, err := s.sim.Do(ctx, scenario.ReadData{ClientID: clientID, Path: path})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(map[string]any{"content": string(res.Content)})
}

// WaitForReady blocks until the node answers or the timeout passes.
func (s *Service) WaitForReady(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	nodeID, err := requireString(req, "node_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	timeout, ok := numberField(req, "timeout_seconds")
	if !ok {
		timeout = 30
	}
	a := scenario.WaitForReady{NodeID: nodeID, TimeoutSeconds: timeout}
	if _, err := s.sim.Do(ctx, a); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// RemoveNode deletes a node and everything that references it.
func (s *Service) RemoveNode(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.sim.RemoveNode(id); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "node removed", logging.String("node_id", id))
	return &emptypb.Empty{}, nil
}

// MoveNode places a node on the canvas.
func (s *Service) MoveNode(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	x, okX := numberField(req, "x")
	y, okY := numberField(req, "y")
	if !okX || !okY {
		return nil, ToStatusError(fmt.Errorf("%w: x and y are required", ErrInvalidRequest))
	}
	if err := s.sim.MoveNode(id, model.Position{X: x, Y: y}); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// TestConnectivity probes a storage node and returns its updated view.
func (s *Service) TestConnectivity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	ctx, span := StartChildSpan(ctx, "netsim.test_connectivity", id)
	defer span.End()
	if err := s.sim.TestConnectivity(ctx, id); err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	n, ok := s.sim.Registry().Store().GetNode(id)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: %s", ErrInvalidRequest, id))
	}
	return toStruct(sim.NewNodeView(n))
}

// ListScenarios lists the scenario directory.
func (s *Service) ListScenarios(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := s.sim.Scenarios()
	if err != nil {
		return nil, ToStatusError(err)
	}
	infos := make([]ScenarioInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, ScenarioInfo{
			Name:        e.Scenario.Name,
			Description: e.Scenario.Description,
			File:        filepath.Base(e.Path),
			Operations:  len(e.Scenario.Operations),
			Duration:    e.Scenario.Duration().Seconds(),
		})
	}
	return toStruct(map[string]any{"scenarios": infos})
}

// PlayScenario plays a scenario from the directory by name, or an inline
// scenario document given under "scenario".
func (s *Service) PlayScenario(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var sc scenario.Scenario
	if inline, ok := req.GetFields()["scenario"]; ok && inline.GetStructValue() != nil {
		raw, err := protojson.Marshal(inline.GetStructValue())
		if err != nil {
			return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		}
		if sc, err = scenario.Parse(raw); err != nil {
			return nil, ToStatusError(err)
		}
	} else {
		name, err := requireString(req, "name")
		if err != nil {
			return nil, ToStatusError(err)
		}
		lctx, span := StartChildSpan(ctx, "netsim.scenario.load", "", attribute.String("netsim.scenario", name))
		sc, err = s.sim.FindScenario(name)
		span.End()
		if err != nil {
			return nil, ToStatusError(err)
		}
		ctx = lctx
	}
	if _, err := s.sim.PlayScenario(ctx, sc); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "scenario started", logging.String("scenario", sc.Name))
	return &emptypb.Empty{}, nil
}

// StopScenario stops the running scenario.
func (s *Service) StopScenario(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.sim.StopScenario()
	return &emptypb.Empty{}, nil
}

// Reset clears the topology and the event log.
func (s *Service) Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.sim.Reset()
	return &emptypb.Empty{}, nil
}

// Snapshot returns the current topology.
func (s *Service) Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(sim.NewTopologyView(s.sim.Snapshot()))
}

// Events returns event log entries after "since" (an entry id, default 0).
func (s *Service) Events(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	since, _ := numberField(req, "since")
	if since < 0 {
		since = 0
	}
	entries := s.sim.Events().Since(uint64(since))
	return toStruct(map[string]any{"entries": entries})
}

// Endpoints lists running storage node endpoints.
func (s *Service) Endpoints(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	eps := s.sim.Endpoints()
	values := make([]any, 0, len(eps))
	for _, ep := range eps {
		values = append(values, ep)
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return list, nil
}

func requireString(req *structpb.Struct, key string) (string, error) {
	v := optionalString(req, key)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	return v, nil
}

func optionalString(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func numberField(req *structpb.Struct, key string) (float64, bool) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, false
	}
	return n.NumberValue, true
}

// toStruct converts a JSON-serialisable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ToStatusError(err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// fromStruct decodes a Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
