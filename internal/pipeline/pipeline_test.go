package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/raft"
	"areastate/internal/registry"
	"areastate/internal/statemachine"
	"areastate/internal/transport"
	"areastate/internal/types"
)

const area domain.AreaID = "a1"

type fakeGroup struct {
	mu       sync.Mutex
	err      error
	proposed []domain.LogEntry
}

func (g *fakeGroup) Propose(_ context.Context, e domain.LogEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.proposed = append(g.proposed, e)
	return nil
}

func (g *fakeGroup) Proposed() []domain.LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.LogEntry(nil), g.proposed...)
}

type fakeGroups map[domain.AreaID]*fakeGroup

func (f fakeGroups) LocalGroup(a domain.AreaID) (Group, bool) {
	g, ok := f[a]
	if !ok {
		return nil, false
	}
	return g, true
}

type fakeAreas map[domain.AreaID]registry.Authority

func (f fakeAreas) ResolveAuthority(a domain.AreaID) (registry.Authority, error) {
	auth, ok := f[a]
	if !ok {
		return registry.Authority{}, domain.ErrUnknownArea
	}
	return auth, nil
}

type fakeBans map[domain.NodeID]bool

func (f fakeBans) IsBanned(id domain.NodeID) bool { return f[id] }

type fakeOutbox struct {
	mu   sync.Mutex
	err  error
	sent []*transport.Envelope
}

func (o *fakeOutbox) Send(env *transport.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, env)
	return nil
}

func (o *fakeOutbox) Sent() []*transport.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*transport.Envelope(nil), o.sent...)
}

type fixture struct {
	p      *Pipeline
	key    *identity.KeyPair
	group  *fakeGroup
	groups fakeGroups
	areas  fakeAreas
	bans   fakeBans
	outbox *fakeOutbox
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)

	f := &fixture{
		key:    key,
		group:  &fakeGroup{},
		areas:  fakeAreas{area: {Area: area, ReplicaSet: []domain.NodeID{key.ID(), 7, 8}, Leader: key.ID()}},
		bans:   fakeBans{},
		outbox: &fakeOutbox{},
	}
	f.groups = fakeGroups{area: f.group}
	f.p = New(cfg, key, f.groups, f.areas, f.bans, f.outbox)
	return f
}

func waitDone(t *testing.T, h *Handle) (uint64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seq, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "handle never finished")
	return seq, err
}

func TestSubmit_LocalLeaderCommits(t *testing.T) {
	f := newFixture(t, Config{})

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1", X: 1}})
	require.NoError(t, err)
	assert.Equal(t, Voting, h.Status())
	assert.NotEmpty(t, h.ID)

	proposed := f.group.Proposed()
	require.Len(t, proposed, 1)
	e := proposed[0]
	assert.Equal(t, h.ID, e.ProposalID)
	assert.Equal(t, f.key.ID(), e.Proposer)
	assert.True(t, identity.VerifyWithKey(e.ProposerKey, e.Signature, e.SigningBytes(), f.key.ID()))

	f.p.Resolve(e, statemachine.Result{Seq: 4, Applied: true})

	seq, err := waitDone(t, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, Committed, h.Status())
}

func TestSubmit_RejectedChangeAborts(t *testing.T) {
	f := newFixture(t, Config{})

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.ItemPickup{EntityID: "p1", ItemID: "sword"}})
	require.NoError(t, err)

	f.p.Resolve(f.group.Proposed()[0], statemachine.Result{Seq: 5, Reason: "item already owned"})

	seq, err := waitDone(t, h)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, Aborted, h.Status())
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name    string
		prop    Proposal
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:    "unknown area",
			prop:    Proposal{AreaID: "nowhere", Change: types.Move{EntityID: "p1"}},
			wantErr: domain.ErrUnknownArea,
		},
		{
			name:    "malformed change",
			prop:    Proposal{AreaID: area, Change: types.Move{}},
			wantErr: domain.ErrInvalidProposal,
		},
		{
			name:    "missing change",
			prop:    Proposal{AreaID: area},
			wantErr: domain.ErrInvalidProposal,
		},
		{
			name:    "foreign proposer",
			prop:    Proposal{AreaID: area, ProposerID: 99, Change: types.Move{EntityID: "p1"}},
			wantErr: domain.ErrInvalidProposal,
		},
		{
			name:    "banned proposer",
			prop:    Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}},
			setup:   func(f *fixture) { f.bans[f.key.ID()] = true },
			wantErr: domain.ErrInvalidProposal,
		},
		{
			name: "degraded area",
			prop: Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}},
			setup: func(f *fixture) {
				a := f.areas[area]
				a.Degraded = true
				f.areas[area] = a
			},
			wantErr: domain.ErrQuorumUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			if tt.setup != nil {
				tt.setup(f)
			}
			h, err := f.p.Submit(context.Background(), tt.prop)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.group.Proposed())
			assert.Zero(t, f.p.Pending())
		})
	}
}

func TestSubmit_FollowerForwardsToLeader(t *testing.T) {
	f := newFixture(t, Config{})
	f.group.err = &raft.NotLeaderError{Leader: 7}

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)
	assert.Equal(t, Voting, h.Status())

	sent := f.outbox.Sent()
	require.Len(t, sent, 1)
	env := sent[0]
	assert.Equal(t, transport.KindProposeChange, env.Kind)
	assert.Equal(t, domain.NodeID(7), env.To)
	assert.Equal(t, f.key.ID(), env.From)

	fwd, err := domain.UnmarshalLogEntry(env.Body)
	require.NoError(t, err)
	assert.Equal(t, h.ID, fwd.ProposalID)

	f.p.HandleOutcome(area, transport.ProposalOutcome{ProposalID: h.ID, Seq: 9, Applied: true})
	seq, err := waitDone(t, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
}

func TestSubmit_NonReplicaForwardsToKnownLeader(t *testing.T) {
	f := newFixture(t, Config{})
	delete(f.groups, area)
	a := f.areas[area]
	a.Leader = 8
	f.areas[area] = a

	_, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	sent := f.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.NodeID(8), sent[0].To)
}

func TestSubmit_RemoteAbortCarriesErrorKind(t *testing.T) {
	f := newFixture(t, Config{})
	f.group.err = &raft.NotLeaderError{Leader: 7}

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	f.p.HandleOutcome(area, transport.ProposalOutcome{
		ProposalID: h.ID,
		Code:       domain.CodeQuorumUnavailable,
		Detail:     "quorum unavailable: leader lost contact with majority",
	})
	_, err = waitDone(t, h)
	assert.ErrorIs(t, err, domain.ErrQuorumUnavailable)
	assert.True(t, domain.Retryable(err))
}

func TestSubmit_NoLeaderAborts(t *testing.T) {
	f := newFixture(t, Config{})
	f.group.err = fmt.Errorf("%w: area a1 has no leader", domain.ErrQuorumUnavailable)

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	_, err = waitDone(t, h)
	assert.ErrorIs(t, err, domain.ErrQuorumUnavailable)
	assert.Empty(t, f.outbox.Sent())
}

func TestSubmit_ForwardFailureAborts(t *testing.T) {
	f := newFixture(t, Config{})
	f.group.err = &raft.NotLeaderError{Leader: 7}
	f.outbox.err = transport.ErrQueueFull

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	_, err = waitDone(t, h)
	assert.ErrorIs(t, err, domain.ErrQuorumUnavailable)
}

func TestSubmit_TimesOut(t *testing.T) {
	f := newFixture(t, Config{Timeout: 20 * time.Millisecond})

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	_, err = waitDone(t, h)
	assert.ErrorIs(t, err, domain.ErrProposalTimedOut)

	// A late commit does not revive the handle.
	f.p.Resolve(f.group.Proposed()[0], statemachine.Result{Seq: 1, Applied: true})
	assert.Equal(t, Aborted, h.Status())
	assert.Zero(t, h.Seq())
}

func TestHandle_Cancel(t *testing.T) {
	f := newFixture(t, Config{})

	h, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	h.Cancel()
	select {
	case <-h.Done():
	default:
		t.Fatal("expected handle to be done after cancel")
	}
	assert.ErrorIs(t, h.Err(), context.Canceled)

	f.p.Resolve(f.group.Proposed()[0], statemachine.Result{Seq: 1, Applied: true})
	assert.Equal(t, Aborted, h.Status())
}

func TestSubmit_DuplicateIDReturnsSameHandle(t *testing.T) {
	f := newFixture(t, Config{})

	h1, err := f.p.Submit(context.Background(), Proposal{AreaID: area, ProposalID: "fixed", Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)
	h2, err := f.p.Submit(context.Background(), Proposal{AreaID: area, ProposalID: "fixed", Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Len(t, f.group.Proposed(), 1)
}

func TestHandleForwarded_NotifiesOrigin(t *testing.T) {
	leader := newFixture(t, Config{})
	origin, err := identity.Generate()
	require.NoError(t, err)

	entry := signedEntry(t, origin, "remote-1", types.Move{EntityID: "p2"})
	env := &transport.Envelope{Kind: transport.KindProposeChange, AreaID: area, To: leader.key.ID(), Body: entry.Marshal()}
	env.Seal(origin, time.Now())

	require.NoError(t, leader.p.HandleForwarded(context.Background(), env))
	require.Len(t, leader.group.Proposed(), 1)
	assert.Empty(t, leader.outbox.Sent())

	leader.p.Resolve(entry, statemachine.Result{Seq: 3, Applied: true})

	sent := leader.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.KindProposalOutcome, sent[0].Kind)
	assert.Equal(t, origin.ID(), sent[0].To)
	out, err := transport.UnmarshalProposalOutcome(sent[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", out.ProposalID)
	assert.Equal(t, uint64(3), out.Seq)
	assert.True(t, out.Applied)

	// Only the first commit is reported.
	leader.p.Resolve(entry, statemachine.Result{Seq: 3, Applied: true})
	assert.Len(t, leader.outbox.Sent(), 1)
}

func TestHandleForwarded_RejectsForgedEntry(t *testing.T) {
	leader := newFixture(t, Config{})
	origin, err := identity.Generate()
	require.NoError(t, err)

	entry := signedEntry(t, origin, "remote-2", types.Move{EntityID: "p2"})
	entry.Payload, err = types.EncodeChange(types.Move{EntityID: "p2", X: 100})
	require.NoError(t, err)
	env := &transport.Envelope{Kind: transport.KindProposeChange, AreaID: area, Body: entry.Marshal()}
	env.Seal(origin, time.Now())

	err = leader.p.HandleForwarded(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	assert.Empty(t, leader.group.Proposed())

	sent := leader.outbox.Sent()
	require.Len(t, sent, 1)
	out, err := transport.UnmarshalProposalOutcome(sent[0].Body)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeSignatureInvalid, out.Code)
}

func TestHandleForwarded_RejectsBannedProposer(t *testing.T) {
	leader := newFixture(t, Config{})
	origin, err := identity.Generate()
	require.NoError(t, err)
	leader.bans[origin.ID()] = true

	entry := signedEntry(t, origin, "remote-3", types.Move{EntityID: "p2"})
	env := &transport.Envelope{Kind: transport.KindProposeChange, AreaID: area, Body: entry.Marshal()}
	env.Seal(origin, time.Now())

	assert.ErrorIs(t, leader.p.HandleForwarded(context.Background(), env), domain.ErrInvalidProposal)
	assert.Empty(t, leader.group.Proposed())
}

func TestGC_RemovesTerminalHandles(t *testing.T) {
	f := newFixture(t, Config{Retention: time.Minute})

	done, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p1"}})
	require.NoError(t, err)
	open, err := f.p.Submit(context.Background(), Proposal{AreaID: area, Change: types.Move{EntityID: "p2"}})
	require.NoError(t, err)
	done.Cancel()

	f.p.gc(time.Now())
	assert.Equal(t, 2, f.p.Pending())

	f.p.gc(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, f.p.Pending())
	_, ok := f.p.Get(open.ID)
	assert.True(t, ok)
	open.Cancel()
}

func signedEntry(t *testing.T, key *identity.KeyPair, id string, c types.Change) domain.LogEntry {
	t.Helper()
	payload, err := types.EncodeChange(c)
	require.NoError(t, err)
	e := domain.LogEntry{AreaID: area, ProposalID: id, Payload: payload, Proposer: key.ID(), ProposerKey: key.PublicKey()}
	e.Signature = key.Sign(e.SigningBytes())
	return e
}
