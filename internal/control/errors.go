package control

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/worldsim/internal/loader"
	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/internal/sim/history"
	"github.com/signalsfoundry/worldsim/internal/sim/router"
	"github.com/signalsfoundry/worldsim/internal/sim/world"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
	"github.com/signalsfoundry/worldsim/timectrl"
)

// ErrInvalidRequest is used for client-side validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps simulation errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, kb.ErrEntityNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, msgs.ErrMalformedMessage),
		errors.Is(err, msgs.ErrUnknownKind),
		errors.Is(err, loader.ErrMalformedDescription),
		errors.Is(err, model.ErrInvalidDescription),
		errors.Is(err, kb.ErrInvalidEntity):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, kb.ErrEntityExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, history.ErrIndexOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())

	case errors.Is(err, timectrl.ErrNotPaused),
		errors.Is(err, timectrl.ErrNotRunning),
		errors.Is(err, history.ErrEmpty),
		errors.Is(err, world.ErrLoopRunning):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, router.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, world.ErrFinalized),
		errors.Is(err, world.ErrStopTimeout):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
