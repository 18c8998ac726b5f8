package speaker

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatusError maps agent errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrSwitchNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrSwitchOffline):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrMeterConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrRuleRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrUnknownCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ErrorCodeOf classifies a transport or agent error for a failed response.
func ErrorCodeOf(err error) ErrorCode {
	st, ok := status.FromError(err)
	if !ok {
		return ErrorTransport
	}
	switch st.Code() {
	case codes.NotFound, codes.Unavailable:
		return ErrorSwitchUnavailable
	case codes.AlreadyExists:
		return ErrorMeterConflict
	case codes.FailedPrecondition:
		return ErrorRuleRejected
	case codes.InvalidArgument:
		return ErrorBadRequest
	case codes.Internal, codes.Unknown:
		return ErrorInternal
	default:
		return ErrorTransport
	}
}
