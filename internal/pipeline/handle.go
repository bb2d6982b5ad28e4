package pipeline

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"areastate/internal/domain"
	"areastate/internal/metrics"
)

type Status int

const (
	Pending Status = iota
	Voting
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Voting:
		return "Voting"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func (s Status) Terminal() bool { return s == Committed || s == Aborted }

// Handle tracks one submitted proposal until it commits or aborts.
type Handle struct {
	ID   string
	Area domain.AreaID

	submitted time.Time
	span      trace.Span

	mu       sync.Mutex
	status   Status
	seq      uint64
	err      error
	finished time.Time
	timer    *time.Timer
	done     chan struct{}
}

func newHandle(id string, area domain.AreaID, now time.Time, span trace.Span) *Handle {
	return &Handle{
		ID:        id,
		Area:      area,
		submitted: now,
		span:      span,
		done:      make(chan struct{}),
	}
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Seq is the committed sequence number, zero until the proposal commits.
func (h *Handle) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Err is the abort reason, nil while pending or once committed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the proposal is terminal or ctx ends. Giving up on ctx
// does not cancel the proposal.
func (h *Handle) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.seq, h.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cancel abandons the proposal. A change already handed to the leader may
// still commit; nothing is rolled back.
func (h *Handle) Cancel() {
	h.finish(Aborted, 0, context.Canceled)
}

func (h *Handle) setVoting() {
	h.mu.Lock()
	if h.status == Pending {
		h.status = Voting
	}
	h.mu.Unlock()
}

// finish moves the handle to a terminal status once; later calls are ignored.
func (h *Handle) finish(status Status, seq uint64, err error) bool {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return false
	}
	h.status = status
	h.seq = seq
	h.err = err
	h.finished = time.Now()
	if h.timer != nil {
		h.timer.Stop()
	}
	close(h.done)
	h.mu.Unlock()

	outcome := "committed"
	if status == Aborted {
		outcome = outcomeLabel(err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(h.Area), outcome).Inc()
	metrics.ProposalDuration.WithLabelValues(string(h.Area)).Observe(time.Since(h.submitted).Seconds())
	metrics.ProposalsInFlight.Dec()

	if h.span != nil {
		if err != nil {
			h.span.RecordError(err)
			h.span.SetStatus(codes.Error, err.Error())
		}
		h.span.End()
	}
	return true
}

func (h *Handle) expired(now time.Time, retention time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.Terminal() && now.Sub(h.finished) >= retention
}

func outcomeLabel(err error) string {
	switch domain.CodeOf(err) {
	case domain.CodeInvalidProposal, domain.CodeSignatureInvalid:
		return "invalid"
	case domain.CodeQuorumUnavailable, domain.CodeStaleLeader:
		return "quorum_unavailable"
	case domain.CodeProposalTimedOut:
		return "timed_out"
	case domain.CodeUnknownArea:
		return "unknown_area"
	case domain.CodeCanceled:
		return "canceled"
	default:
		return "error"
	}
}
