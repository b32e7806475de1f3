package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/player"
	"github.com/signalsfoundry/netsim/internal/registry"
	"github.com/signalsfoundry/netsim/internal/sim"
	"github.com/signalsfoundry/netsim/scenario"
)

// ErrInvalidRequest is used for malformed request payloads.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, directory.ErrNoContent),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, sim.ErrScenarioNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidAction),
		errors.Is(err, scenario.ErrInvalidScenario):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, sim.ErrNetworkStopped),
		errors.Is(err, registry.ErrNotReady),
		errors.Is(err, registry.ErrNoSession),
		errors.Is(err, player.ErrAlreadyRunning):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, registry.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, registry.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, registry.ErrRemoteFailure),
		errors.Is(err, registry.ErrProvisionFailure):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
