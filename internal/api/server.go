package api

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/observability"
)

// NewServer builds a gRPC server with the Simulator service registered and
// the standard interceptor chain: request ids, tracing, then metrics when a
// collector is given.
func NewServer(svc SimulatorServer, log logging.Logger, collector *observability.Collector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}
	server := grpc.NewServer(append(base, opts...)...)
	RegisterSimulatorServer(server, svc)
	return server
}
