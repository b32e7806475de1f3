package api

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/sim"
)

// Client is a thin typed wrapper over a connection to netsim.v1.Simulator.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr with request id propagation and
// client tracing.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
	return grpc.NewClient(addr, append(base, opts...)...)
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) callEmpty(ctx context.Context, method string, fields map[string]any) error {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.invoke(ctx, method, in, &emptypb.Empty{})
}

func (c *Client) noArgs(ctx context.Context, method string) error {
	return c.invoke(ctx, method, &emptypb.Empty{}, &emptypb.Empty{})
}

// StartNetwork starts the network.
func (c *Client) StartNetwork(ctx context.Context) error {
	return c.noArgs(ctx, MethodStartNetwork)
}

// StopNetwork stops the network.
func (c *Client) StopNetwork(ctx context.Context) error {
	return c.noArgs(ctx, MethodStopNetwork)
}

// CreateStorageNode creates a storage node and returns its id. An empty id
// asks the server to generate one.
func (c *Client) CreateStorageNode(ctx context.Context, id string) (string, error) {
	out, err := c.call(ctx, MethodCreateStorageNode, map[string]any{"id": id})
	if err != nil {
		return "", err
	}
	return optionalString(out, "node_id"), nil
}

// CreateClientIdentity creates a client and returns its id and public key.
func (c *Client) CreateClientIdentity(ctx context.Context, id string) (string, string, error) {
	out, err := c.call(ctx, MethodCreateClientIdentity, map[string]any{"id": id})
	if err != nil {
		return "", "", err
	}
	return optionalString(out, "node_id"), optionalString(out, "public_key"), nil
}

// Connect opens a session from clientID to nodeID.
func (c *Client) Connect(ctx context.Context, clientID, nodeID string) error {
	return c.callEmpty(ctx, MethodConnect, map[string]any{"client_id": clientID, "node_id": nodeID})
}

// Write stores content at path as clientID.
func (c *Client) Write(ctx context.Context, clientID, path, content string) error {
	return c.callEmpty(ctx, MethodWrite, map[string]any{"client_id": clientID, "path": path, "content": content})
}

// Read fetches path as clientID.
func (c *Client) Read(ctx context.Context, clientID, path string) (string, error) {
	out, err := c.call(ctx, MethodRead, map[string]any{"client_id": clientID, "path": path})
	if err != nil {
		return "", err
	}
	return optionalString(out, "content"), nil
}

// WaitForReady waits up to timeoutSeconds for nodeID to answer.
func (c *Client) WaitForReady(ctx context.Context, nodeID string, timeoutSeconds float64) error {
	return c.callEmpty(ctx, MethodWaitForReady, map[string]any{"node_id": nodeID, "timeout_seconds": timeoutSeconds})
}

// RemoveNode deletes a node.
func (c *Client) RemoveNode(ctx context.Context, id string) error {
	return c.callEmpty(ctx, MethodRemoveNode, map[string]any{"id": id})
}

// MoveNode places a node at (x, y).
func (c *Client) MoveNode(ctx context.Context, id string, x, y float64) error {
	return c.callEmpty(ctx, MethodMoveNode, map[string]any{"id": id, "x": x, "y": y})
}

// TestConnectivity probes a storage node and returns its updated view.
func (c *Client) TestConnectivity(ctx context.Context, id string) (sim.NodeView, error) {
	out, err := c.call(ctx, MethodTestConnectivity, map[string]any{"id": id})
	if err != nil {
		return sim.NodeView{}, err
	}
	var v sim.NodeView
	err = fromStruct(out, &v)
	return v, err
}

// ListScenarios lists the server's scenario directory.
func (c *Client) ListScenarios(ctx context.Context) ([]ScenarioInfo, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodListScenarios, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Scenarios []ScenarioInfo `json:"scenarios"`
	}
	err := fromStruct(out, &resp)
	return resp.Scenarios, err
}

// PlayScenario plays a scenario from the server's directory.
func (c *Client) PlayScenario(ctx context.Context, name string) error {
	return c.callEmpty(ctx, MethodPlayScenario, map[string]any{"name": name})
}

// StopScenario stops the running scenario.
func (c *Client) StopScenario(ctx context.Context) error {
	return c.noArgs(ctx, MethodStopScenario)
}

// Reset clears the topology and event log.
func (c *Client) Reset(ctx context.Context) error {
	return c.noArgs(ctx, MethodReset)
}

// Snapshot fetches the topology.
func (c *Client) Snapshot(ctx context.Context) (sim.TopologyView, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodSnapshot, &emptypb.Empty{}, out); err != nil {
		return sim.TopologyView{}, err
	}
	var v sim.TopologyView
	err := fromStruct(out, &v)
	return v, err
}

// Events fetches event log entries with id greater than since.
func (c *Client) Events(ctx context.Context, since uint64) ([]eventlog.Entry, error) {
	out, err := c.call(ctx, MethodEvents, map[string]any{"since": float64(since)})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Entries []eventlog.Entry `json:"entries"`
	}
	err = fromStruct(out, &resp)
	return resp.Entries, err
}

// Endpoints lists running storage node endpoints.
func (c *Client) Endpoints(ctx context.Context) ([]string, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, MethodEndpoints, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	eps := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		eps = append(eps, v.GetStringValue())
	}
	return eps, nil
}
