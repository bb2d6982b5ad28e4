package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"areastate/internal/domain"
)

func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrProposalTimedOut):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, domain.ErrShuttingDown), errors.Is(err, domain.ErrQuorumUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrUnknownArea):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidProposal),
		errors.Is(err, domain.ErrSignatureInvalid),
		errors.Is(err, domain.ErrSnapshotCorrupt):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrStaleLeader), errors.Is(err, domain.ErrInsufficientNodes):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Errorf(codes.Internal, "deliver: %v", err)
	}
}

// errorFromStatus maps a failed call back onto the error taxonomy.
func errorFromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.Unavailable:
		sentinel = domain.ErrQuorumUnavailable
	case codes.NotFound:
		sentinel = domain.ErrUnknownArea
	case codes.InvalidArgument:
		sentinel = domain.ErrInvalidProposal
	case codes.FailedPrecondition:
		sentinel = domain.ErrStaleLeader
	default:
		return err
	}
	return &remoteError{sentinel: sentinel, msg: st.Message()}
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }
