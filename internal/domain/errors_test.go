package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode_RoundTripKeepsSentinel(t *testing.T) {
	for _, sentinel := range []error{
		ErrUnknownArea,
		ErrInsufficientNodes,
		ErrQuorumUnavailable,
		ErrProposalTimedOut,
		ErrInvalidProposal,
		ErrSignatureInvalid,
		ErrStaleLeader,
		ErrSnapshotCorrupt,
		context.Canceled,
	} {
		wrapped := fmt.Errorf("area a1: %w", sentinel)
		code := CodeOf(wrapped)
		assert.NotEqual(t, CodeInternal, code, sentinel.Error())

		back := ErrorFromCode(code, wrapped.Error())
		assert.ErrorIs(t, back, sentinel)
		assert.Equal(t, wrapped.Error(), back.Error())
	}
}

func TestErrorCode_UnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.NoError(t, ErrorFromCode(CodeOK, ""))
	assert.EqualError(t, ErrorFromCode(CodeInternal, ""), "internal error")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrQuorumUnavailable)))
	assert.True(t, Retryable(ErrProposalTimedOut))
	assert.False(t, Retryable(ErrInvalidProposal))
	assert.False(t, Retryable(ErrUnknownArea))
}
