package domain

import (
	"context"
	"errors"
)

var (
	ErrUnknownArea = errors.New("unknown area")

	ErrInsufficientNodes = errors.New("insufficient eligible nodes")

	ErrQuorumUnavailable = errors.New("quorum unavailable")

	ErrProposalTimedOut = errors.New("proposal timed out")

	ErrInvalidProposal = errors.New("invalid proposal")

	ErrSignatureInvalid = errors.New("signature invalid")

	ErrStaleLeader = errors.New("stale leader")

	ErrSnapshotCorrupt = errors.New("snapshot corrupt")

	ErrShuttingDown = errors.New("shutting down")
)

// Retryable reports whether the caller may resubmit after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrQuorumUnavailable) ||
		errors.Is(err, ErrProposalTimedOut) ||
		errors.Is(err, ErrStaleLeader)
}

// ErrorCode is the stable numeric form of the error taxonomy carried in
// proposal outcomes between hosts.
type ErrorCode uint32

const (
	CodeOK ErrorCode = iota
	CodeUnknownArea
	CodeInsufficientNodes
	CodeQuorumUnavailable
	CodeProposalTimedOut
	CodeInvalidProposal
	CodeSignatureInvalid
	CodeStaleLeader
	CodeSnapshotCorrupt
	CodeCanceled
	CodeInternal
)

var codeErrors = map[ErrorCode]error{
	CodeUnknownArea:       ErrUnknownArea,
	CodeInsufficientNodes: ErrInsufficientNodes,
	CodeQuorumUnavailable: ErrQuorumUnavailable,
	CodeProposalTimedOut:  ErrProposalTimedOut,
	CodeInvalidProposal:   ErrInvalidProposal,
	CodeSignatureInvalid:  ErrSignatureInvalid,
	CodeStaleLeader:       ErrStaleLeader,
	CodeSnapshotCorrupt:   ErrSnapshotCorrupt,
	CodeCanceled:          context.Canceled,
}

func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

func ErrorFromCode(code ErrorCode, detail string) error {
	if code == CodeOK {
		return nil
	}
	sentinel, ok := codeErrors[code]
	if !ok {
		sentinel = errors.New("internal error")
	}
	if detail == "" || detail == sentinel.Error() {
		return sentinel
	}
	return &remoteError{sentinel: sentinel, detail: detail}
}

type remoteError struct {
	sentinel error
	detail   string
}

func (e *remoteError) Error() string { return e.detail }

func (e *remoteError) Unwrap() error { return e.sentinel }
