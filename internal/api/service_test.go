package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/directory/directorytest"
	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/observability"
	"github.com/signalsfoundry/netsim/internal/player"
	"github.com/signalsfoundry/netsim/internal/registry"
	"github.com/signalsfoundry/netsim/internal/sim"
	"github.com/signalsfoundry/netsim/kb"
	"github.com/signalsfoundry/netsim/scenario"
)

type harness struct {
	client    *Client
	sim       *sim.Simulation
	collector *observability.Collector
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := directorytest.New()
	_ = fake.Stop(context.Background())
	reg := registry.New(fake, kb.NewKnowledgeBase())
	exec := player.NewExecutor(reg, eventlog.New(), player.WithPollInterval(5*time.Millisecond))
	s := sim.New(reg, exec, sim.WithScenarioDir(t.TempDir()))

	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	server := NewServer(NewService(s, nil), nil, collector)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = s.Close(context.Background())
	})
	return &harness{client: NewClient(conn), sim: s, collector: collector}
}

func TestSimulatorRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client

	if _, err := c.CreateStorageNode(ctx, "hs1"); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("CreateStorageNode before start code = %v, want FailedPrecondition", status.Code(err))
	}
	if err := c.StartNetwork(ctx); err != nil {
		t.Fatalf("StartNetwork: %v", err)
	}

	id, err := c.CreateStorageNode(ctx, "")
	if err != nil {
		t.Fatalf("CreateStorageNode: %v", err)
	}
	if id != "homeserver-1" {
		t.Fatalf("generated id = %q, want homeserver-1", id)
	}
	if err := c.WaitForReady(ctx, id, 2); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
	clientID, pub, err := c.CreateClientIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateClientIdentity: %v", err)
	}
	if clientID != "alice" || pub == "" {
		t.Fatalf("CreateClientIdentity = %q, %q", clientID, pub)
	}
	if err := c.Connect(ctx, "alice", id); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Write(ctx, "alice", "/pub/hello.txt", "hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	content, err := c.Read(ctx, "alice", "/pub/hello.txt")
	if err != nil || content != "hello" {
		t.Fatalf("Read = %q, %v", content, err)
	}

	view, err := c.TestConnectivity(ctx, id)
	if err != nil {
		t.Fatalf("TestConnectivity: %v", err)
	}
	if view.Connectivity != "connected" || view.Stats == nil || view.Stats.TotalKeys != 1 {
		t.Fatalf("TestConnectivity view = %+v", view)
	}

	topo, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(topo.Nodes) != 2 || len(topo.Edges) != 1 {
		t.Fatalf("Snapshot = %d nodes, %d edges, want 2, 1", len(topo.Nodes), len(topo.Edges))
	}
	if topo.Nodes[1].ConnectedNodeID != id || topo.Edges[0].From != "alice" || topo.Edges[0].Kind != "connection" {
		t.Fatalf("Snapshot = %+v", topo)
	}

	eps, err := c.Endpoints(ctx)
	if err != nil || len(eps) != 1 || eps[0] != "http://fake-1.invalid" {
		t.Fatalf("Endpoints = %v, %v", eps, err)
	}

	if err := c.MoveNode(ctx, "alice", -50, 5000); err != nil {
		t.Fatalf("MoveNode: %v", err)
	}
	if err := c.RemoveNode(ctx, id); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if err := c.Write(ctx, "alice", "/pub/again", "x"); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Write after removing node code = %v, want FailedPrecondition", status.Code(err))
	}

	if got := testutil.ToFloat64(h.collector.RPCRequests.WithLabelValues("Simulator", "Read", "OK")); got != 1 {
		t.Fatalf("Read request counter = %v, want 1", got)
	}
}

func TestEventsSince(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.client.StartNetwork(ctx); err != nil {
		t.Fatalf("StartNetwork: %v", err)
	}

	all, err := h.client.Events(ctx, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) < 2 || all[len(all)-1].Message != "Network started" || all[len(all)-1].Severity != eventlog.SeveritySuccess {
		t.Fatalf("Events(0) = %+v", all)
	}

	last := all[len(all)-1].ID
	if _, _, err := h.client.CreateClientIdentity(ctx, "bob"); err != nil {
		t.Fatalf("CreateClientIdentity: %v", err)
	}
	newer, err := h.client.Events(ctx, last)
	if err != nil {
		t.Fatalf("Events(since): %v", err)
	}
	if len(newer) != 2 || newer[0].ID != last+1 {
		t.Fatalf("Events(%d) = %+v", last, newer)
	}

	if err := h.client.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if after, err := h.client.Events(ctx, 0); err != nil || len(after) != 0 {
		t.Fatalf("Events after Reset = %+v, %v", after, err)
	}
}

func TestScenarioRPCs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sc := scenario.Scenario{Name: "Demo", Description: "two clients", Operations: []scenario.Operation{
		{AtSeconds: 0, Action: scenario.CreateClientIdentity{ID: "a"}},
		{AtSeconds: 0.5, Action: scenario.CreateClientIdentity{ID: "b"}},
	}}
	if err := scenario.SaveFile(filepath.Join(h.sim.ScenarioDir(), "demo.json"), sc); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	infos, err := h.client.ListScenarios(ctx)
	if err != nil {
		t.Fatalf("ListScenarios: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "Demo" || infos[0].File != "demo.json" || infos[0].Operations != 2 || infos[0].Duration != 0.5 {
		t.Fatalf("ListScenarios = %+v", infos)
	}

	if err := h.client.PlayScenario(ctx, "Demo"); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("PlayScenario before start code = %v, want FailedPrecondition", status.Code(err))
	}
	if err := h.client.StartNetwork(ctx); err != nil {
		t.Fatalf("StartNetwork: %v", err)
	}
	if err := h.client.PlayScenario(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Fatalf("PlayScenario(missing) code = %v, want NotFound", status.Code(err))
	}
	if err := h.client.PlayScenario(ctx, "demo"); err != nil {
		t.Fatalf("PlayScenario: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.sim.Player().State() != player.StateCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("scenario did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}
	topo, err := h.client.Snapshot(ctx)
	if err != nil || len(topo.Nodes) != 2 {
		t.Fatalf("Snapshot after play = %+v, %v", topo, err)
	}
	if err := h.client.StopScenario(ctx); err != nil {
		t.Fatalf("StopScenario: %v", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.client.StartNetwork(ctx); err != nil {
		t.Fatalf("StartNetwork: %v", err)
	}

	if err := h.client.Connect(ctx, "", "hs1"); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Connect without client code = %v, want InvalidArgument", status.Code(err))
	}
	if err := h.client.Write(ctx, "alice", "relative", "x"); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Write with relative path code = %v, want InvalidArgument", status.Code(err))
	}
	if err := h.client.RemoveNode(ctx, "ghost"); status.Code(err) != codes.NotFound {
		t.Fatalf("RemoveNode(ghost) code = %v, want NotFound", status.Code(err))
	}
	if _, _, err := h.client.CreateClientIdentity(ctx, "dup"); err != nil {
		t.Fatalf("CreateClientIdentity: %v", err)
	}
	if _, _, err := h.client.CreateClientIdentity(ctx, "dup"); status.Code(err) != codes.AlreadyExists {
		t.Fatalf("duplicate CreateClientIdentity code = %v, want AlreadyExists", status.Code(err))
	}
}

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid request", err: fmt.Errorf("%w: id is required", ErrInvalidRequest), code: codes.InvalidArgument},
		{name: "invalid scenario", err: scenario.ErrInvalidScenario, code: codes.InvalidArgument},
		{name: "not found", err: &registry.OpError{Op: "connect", ID: "x", Kind: registry.ErrNotFound}, code: codes.NotFound},
		{name: "no content beats remote failure", err: &registry.OpError{Op: "read", Kind: registry.ErrRemoteFailure, Err: directory.ErrNoContent}, code: codes.NotFound},
		{name: "not ready", err: &registry.OpError{Op: "connect", Kind: registry.ErrNotReady}, code: codes.FailedPrecondition},
		{name: "network stopped", err: sim.ErrNetworkStopped, code: codes.FailedPrecondition},
		{name: "already running", err: player.ErrAlreadyRunning, code: codes.FailedPrecondition},
		{name: "already exists", err: &registry.OpError{Op: "create", Kind: registry.ErrAlreadyExists}, code: codes.AlreadyExists},
		{name: "timeout", err: &registry.OpError{Op: "wait", Kind: registry.ErrTimeout}, code: codes.DeadlineExceeded},
		{name: "remote failure", err: &registry.OpError{Op: "write", Kind: registry.ErrRemoteFailure, Err: errors.New("refused")}, code: codes.Unavailable},
		{name: "canceled", err: context.Canceled, code: codes.Canceled},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
