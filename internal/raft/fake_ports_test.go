package raft

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/quorum"
	"go.etcd.io/raft/v3/raftpb"
	"go.etcd.io/raft/v3/tracker"

	"areastate/internal/cache"
	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/persistence"
	"areastate/internal/raft/ops"
	"areastate/internal/snapshot"
	"areastate/internal/statemachine"
	"areastate/internal/transport"
	"areastate/internal/types"
)

type fakeWAL struct {
	mu sync.Mutex

	SaveConfStateCalled bool
	CreateSnapshotErr   error
	SaveSnapshotCalled  bool
	CompactCalled       bool
	CompactArg          uint64

	snap raftpb.Snapshot
	cs   raftpb.ConfState
}

func (w *fakeWAL) SaveReady(etcdraft.Ready) error { return nil }

func (w *fakeWAL) SaveConfState(cs raftpb.ConfState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.SaveConfStateCalled = true
	w.cs = cs
	return nil
}

func (w *fakeWAL) CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	if w.CreateSnapshotErr != nil {
		return raftpb.Snapshot{}, w.CreateSnapshotErr
	}
	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: index, Term: 1}, Data: data}
	if cs != nil {
		snap.Metadata.ConfState = *cs
	}
	return snap, nil
}

func (w *fakeWAL) SaveSnapshot(snap raftpb.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.SaveSnapshotCalled = true
	w.snap = snap
	return nil
}

func (w *fakeWAL) Compact(index uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.CompactCalled = true
	w.CompactArg = index
	return nil
}

func (w *fakeWAL) SnapshotIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.Metadata.Index
}

func (w *fakeWAL) Snapshot() raftpb.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

func (w *fakeWAL) ConfState() raftpb.ConfState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cs
}

func (w *fakeWAL) Close() error { return nil }

type fakeNode struct {
	mu     sync.Mutex
	status etcdraft.Status

	ProposeFn     func(context.Context, []byte) error
	ProposeConfFn func(context.Context, raftpb.ConfChangeI) error
	StepFn        func(context.Context, raftpb.Message) error
	ApplyConfFn   func(raftpb.ConfChangeI) *raftpb.ConfState

	unreachable []uint64
	snapReports map[uint64]etcdraft.SnapshotStatus
	transfers   []uint64
	ready       chan etcdraft.Ready
}

func (n *fakeNode) Tick()                          {}
func (n *fakeNode) Campaign(context.Context) error { return nil }

func (n *fakeNode) Propose(ctx context.Context, data []byte) error {
	if n.ProposeFn != nil {
		return n.ProposeFn(ctx, data)
	}
	return nil
}

func (n *fakeNode) ProposeConfChange(ctx context.Context, cc raftpb.ConfChangeI) error {
	if n.ProposeConfFn != nil {
		return n.ProposeConfFn(ctx, cc)
	}
	return nil
}

func (n *fakeNode) Step(ctx context.Context, msg raftpb.Message) error {
	if n.StepFn != nil {
		return n.StepFn(ctx, msg)
	}
	return nil
}

func (n *fakeNode) Ready() <-chan etcdraft.Ready {
	if n.ready == nil {
		n.ready = make(chan etcdraft.Ready)
	}
	return n.ready
}

func (n *fakeNode) Advance() {}

func (n *fakeNode) ApplyConfChange(cc raftpb.ConfChangeI) *raftpb.ConfState {
	if n.ApplyConfFn != nil {
		return n.ApplyConfFn(cc)
	}
	return &raftpb.ConfState{}
}

func (n *fakeNode) TransferLeadership(_ context.Context, _, transferee uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transfers = append(n.transfers, transferee)
}

func (n *fakeNode) ReportUnreachable(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable = append(n.unreachable, id)
}

func (n *fakeNode) ReportSnapshot(id uint64, status etcdraft.SnapshotStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.snapReports == nil {
		n.snapReports = map[uint64]etcdraft.SnapshotStatus{}
	}
	n.snapReports[id] = status
}

func (n *fakeNode) Status() etcdraft.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *fakeNode) Stop() {}

func (n *fakeNode) Unreachable() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint64(nil), n.unreachable...)
}

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

type committed struct {
	entry domain.LogEntry
	res   statemachine.Result
}

type fakeObserver struct {
	mu        sync.Mutex
	committed []committed
	leaders   []domain.NodeID
	voters    [][]domain.NodeID
	learned   map[domain.NodeID]string
	removed   int
}

func (o *fakeObserver) Committed(_ domain.AreaID, e domain.LogEntry, res statemachine.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, committed{entry: e, res: res})
}

func (o *fakeObserver) LeaderChanged(_ domain.AreaID, leader domain.NodeID, _ uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaders = append(o.leaders, leader)
}

func (o *fakeObserver) VotersChanged(_ domain.AreaID, voters []domain.NodeID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voters = append(o.voters, voters)
}

func (o *fakeObserver) Participated(domain.AreaID, []domain.NodeID) {}

func (o *fakeObserver) MemberLearned(id domain.NodeID, addr string, _ []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.learned == nil {
		o.learned = map[domain.NodeID]string{}
	}
	o.learned[id] = addr
}

func (o *fakeObserver) Removed(domain.AreaID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed++
}

type testGroup struct {
	*Group
	node     *fakeNode
	wal      *fakeWAL
	outbox   *fakeOutbox
	observer *fakeObserver
	log      *persistence.LogStore
	snaps    *persistence.SnapshotStore
	key      *identity.KeyPair
}

const testArea domain.AreaID = "a1"

func newTestGroup(t *testing.T, status etcdraft.Status) *testGroup {
	t.Helper()

	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	logStore, err := persistence.OpenLogStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("open log store: %v", err)
	}
	t.Cleanup(func() { _ = logStore.Close() })
	snapStore, err := persistence.OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"), 3)
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	t.Cleanup(func() { _ = snapStore.Close() })

	status.ID = uint64(key.ID())
	tg := &testGroup{
		node:     &fakeNode{status: status},
		wal:      &fakeWAL{},
		outbox:   &fakeOutbox{},
		observer: &fakeObserver{},
		log:      logStore,
		snaps:    snapStore,
		key:      key,
	}
	tg.Group = New(Config{Area: testArea, Self: key.ID(), ProposalTimeout: time.Second}, Deps{
		Node:      tg.node,
		Storage:   tg.wal,
		Outbox:    tg.outbox,
		Signer:    key,
		Log:       logStore,
		Snapshots: snapshot.NewManager(snapStore),
		Acks:      snapshot.NewAckTracker(),
		Cache:     cache.New(8),
		Observer:  tg.observer,
	})
	return tg
}

func leaderStatus(voters ...uint64) etcdraft.Status {
	st := etcdraft.Status{
		BasicStatus: etcdraft.BasicStatus{
			SoftState: etcdraft.SoftState{RaftState: etcdraft.StateLeader},
			HardState: raftpb.HardState{Term: 2, Commit: 10},
		},
		Config:   tracker.Config{Voters: quorum.JointConfig{quorum.MajorityConfig{}, nil}},
		Progress: map[uint64]tracker.Progress{},
	}
	for _, v := range voters {
		st.Config.Voters[0][v] = struct{}{}
		st.Progress[v] = tracker.Progress{Match: 10, State: tracker.StateReplicate, RecentActive: true}
	}
	return st
}

// asLeader patches the status so the group's own id leads and votes.
func (tg *testGroup) asLeader() {
	tg.node.mu.Lock()
	defer tg.node.mu.Unlock()
	self := uint64(tg.self)
	tg.node.status.Lead = self
	tg.node.status.Config.Voters[0][self] = struct{}{}
	tg.node.status.Progress[self] = tracker.Progress{Match: 10, State: tracker.StateReplicate, RecentActive: true}
	tg.leader = tg.self
}

func signedEntry(t *testing.T, key *identity.KeyPair, area domain.AreaID, id string, c types.Change) domain.LogEntry {
	t.Helper()
	payload, err := types.EncodeChange(c)
	if err != nil {
		t.Fatalf("encode change: %v", err)
	}
	le := domain.LogEntry{
		AreaID:      area,
		ProposalID:  id,
		Payload:     payload,
		Proposer:    key.ID(),
		ProposerKey: key.PublicKey(),
	}
	le.Signature = key.Sign(le.SigningBytes())
	return le
}

func changeEntry(index, term uint64, le domain.LogEntry) raftpb.Entry {
	return raftpb.Entry{Type: raftpb.EntryNormal, Index: index, Term: term, Data: ops.EncodeChangeEntry(le)}
}
