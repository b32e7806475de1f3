package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "netsim.v1.Simulator"

// Method names.
const (
	MethodStartNetwork         = "StartNetwork"
	MethodStopNetwork          = "StopNetwork"
	MethodCreateStorageNode    = "CreateStorageNode"
	MethodCreateClientIdentity = "CreateClientIdentity"
	MethodConnect              = "Connect"
	MethodWrite                = "Write"
	MethodRead                 = "Read"
	MethodWaitForReady         = "WaitForReady"
	MethodRemoveNode           = "RemoveNode"
	MethodMoveNode             = "MoveNode"
	MethodTestConnectivity     = "TestConnectivity"
	MethodListScenarios        = "ListScenarios"
	MethodPlayScenario         = "PlayScenario"
	MethodStopScenario         = "StopScenario"
	MethodReset                = "Reset"
	MethodSnapshot             = "Snapshot"
	MethodEvents               = "Events"
	MethodEndpoints            = "Endpoints"
)

// SimulatorServer is the server side of netsim.v1.Simulator. Requests and
// responses are protobuf well-known types: Empty when a call carries
// nothing, Struct otherwise.
type SimulatorServer interface {
	StartNetwork(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	StopNetwork(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CreateStorageNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateClientIdentity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Write(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WaitForReady(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	RemoveNode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	MoveNode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	TestConnectivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListScenarios(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	PlayScenario(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopScenario(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Events(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Endpoints(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// RegisterSimulatorServer registers srv on s.
func RegisterSimulatorServer(s grpc.ServiceRegistrar, srv SimulatorServer) {
	s.RegisterService(&SimulatorServiceDesc, srv)
}

func newEmpty() *emptypb.Empty   { return &emptypb.Empty{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

// SimulatorServiceDesc describes netsim.v1.Simulator.
var SimulatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStartNetwork, newEmpty, SimulatorServer.StartNetwork),
		unary(MethodStopNetwork, newEmpty, SimulatorServer.StopNetwork),
		unary(MethodCreateStorageNode, newStruct, SimulatorServer.CreateStorageNode),
		unary(MethodCreateClientIdentity, newStruct, SimulatorServer.CreateClientIdentity),
		unary(MethodConnect, newStruct, SimulatorServer.Connect),
		unary(MethodWrite, newStruct, SimulatorServer.Write),
		unary(MethodRead, newStruct, SimulatorServer.Read),
		unary(MethodWaitForReady, newStruct, SimulatorServer.WaitForReady),
		unary(MethodRemoveNode, newStruct, SimulatorServer.RemoveNode),
		unary(MethodMoveNode, newStruct, SimulatorServer.MoveNode),
		unary(MethodTestConnectivity, newStruct, SimulatorServer.TestConnectivity),
		unary(MethodListScenarios, newEmpty, SimulatorServer.ListScenarios),
		unary(MethodPlayScenario, newStruct, SimulatorServer.PlayScenario),
		unary(MethodStopScenario, newEmpty, SimulatorServer.StopScenario),
		unary(MethodReset, newEmpty, SimulatorServer.Reset),
		unary(MethodSnapshot, newEmpty, SimulatorServer.Snapshot),
		unary(MethodEvents, newStruct, SimulatorServer.Events),
		unary(MethodEndpoints, newEmpty, SimulatorServer.Endpoints),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "netsim/v1/simulator.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed SimulatorServer method to a grpc.MethodDesc.
func unary[Req, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(SimulatorServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SimulatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SimulatorServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
