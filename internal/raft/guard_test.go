package raft

import (
	"errors"
	"testing"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/transport"
	"areastate/internal/types"
)

type fakeReputation struct {
	banned     map[domain.NodeID]bool
	ineligible map[domain.NodeID]bool
	known      map[domain.NodeID]bool
}

func (r fakeReputation) IsBanned(id domain.NodeID) bool { return r.banned[id] }
func (r fakeReputation) Known(id domain.NodeID) bool    { return r.known[id] }
func (r fakeReputation) Eligible(id domain.NodeID) bool { return !r.ineligible[id] }

func newGuardFixture(t *testing.T) (*Guard, *identity.KeyPair, *identity.Keyring, *fakeReputation) {
	t.Helper()
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ring := identity.NewKeyring()
	if _, err := ring.Learn(key.PublicKey()); err != nil {
		t.Fatalf("learn key: %v", err)
	}
	rep := &fakeReputation{
		banned:     map[domain.NodeID]bool{},
		ineligible: map[domain.NodeID]bool{},
		known:      map[domain.NodeID]bool{key.ID(): true},
	}
	return NewGuard(ring, rep, 16), key, ring, rep
}

func sealedRaft(t *testing.T, key *identity.KeyPair, m raftpb.Message) *transport.Envelope {
	t.Helper()
	m.From = uint64(key.ID())
	env, err := transport.FromRaft(testArea, m)
	if err != nil {
		t.Fatalf("wrap raft message: %v", err)
	}
	env.Seal(key, time.Now())
	return env
}

func TestGuard_AcceptsSignedMessage(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	env := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgHeartbeat, To: 2, Term: 3})
	m, ev, err := g.Inspect(env)
	if err != nil || ev != nil {
		t.Fatalf("unexpected err %v ev %v", err, ev)
	}
	if m.Type != raftpb.MsgHeartbeat || m.Term != 3 {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestGuard_DropsBannedSender(t *testing.T) {
	g, key, _, rep := newGuardFixture(t)
	rep.banned[key.ID()] = true

	_, _, err := g.Inspect(sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgHeartbeat}))
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestGuard_DropsTamperedEnvelope(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	env := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgHeartbeat, Term: 3})
	env.Term = 4
	if _, _, err := g.Inspect(env); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestGuard_DropsUnknownSigner(t *testing.T) {
	g, _, _, _ := newGuardFixture(t)
	stranger, _ := identity.Generate()

	if _, _, err := g.Inspect(sealedRaft(t, stranger, raftpb.Message{Type: raftpb.MsgHeartbeat})); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestGuard_DropsSpoofedRaftSender(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	env, err := transport.FromRaft(testArea, raftpb.Message{Type: raftpb.MsgHeartbeat, From: 99})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	env.Seal(key, time.Now())
	if _, _, err := g.Inspect(env); !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}
}

func TestGuard_DropsVoteFromIneligibleCandidate(t *testing.T) {
	g, key, _, rep := newGuardFixture(t)
	rep.ineligible[key.ID()] = true

	for _, typ := range []raftpb.MessageType{raftpb.MsgVote, raftpb.MsgPreVote} {
		if _, _, err := g.Inspect(sealedRaft(t, key, raftpb.Message{Type: typ})); !errors.Is(err, ErrIneligibleCandidate) {
			t.Fatalf("%v: expected ErrIneligibleCandidate, got %v", typ, err)
		}
	}

	// Heartbeats from the same node still pass.
	if _, _, err := g.Inspect(sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgHeartbeat})); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestGuard_DropsAppendWithForgedProposal(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	le := signedEntry(t, key, testArea, "p1", types.Move{EntityID: "e1"})
	le.Payload = []byte("rewritten")
	m := raftpb.Message{Type: raftpb.MsgApp, Entries: []raftpb.Entry{changeEntry(5, 2, le)}}

	if _, _, err := g.Inspect(sealedRaft(t, key, m)); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestGuard_DetectsEquivocation(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	first := signedEntry(t, key, testArea, "p1", types.Move{EntityID: "e1", X: 1})
	second := signedEntry(t, key, testArea, "p2", types.Move{EntityID: "e1", X: 2})

	env1 := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgApp, To: 2, Entries: []raftpb.Entry{changeEntry(5, 2, first)}})
	if _, ev, err := g.Inspect(env1); err != nil || ev != nil {
		t.Fatalf("unexpected err %v ev %v", err, ev)
	}

	// A resend of the same entry is not evidence.
	if _, ev, err := g.Inspect(env1); err != nil || ev != nil {
		t.Fatalf("resend: unexpected err %v ev %v", err, ev)
	}

	env2 := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgApp, To: 3, Entries: []raftpb.Entry{changeEntry(5, 2, second)}})
	_, ev, err := g.Inspect(env2)
	if !errors.Is(err, ErrEquivocation) || ev == nil {
		t.Fatalf("expected equivocation, got err %v ev %v", err, ev)
	}
	if ev.Offender != key.ID() || ev.Term != 2 || ev.Index != 5 {
		t.Fatalf("unexpected evidence %+v", ev)
	}

	// Evidence survives the wire and verifies on another node.
	relayed, err := transport.UnmarshalEquivocationEvidence(ev.Marshal())
	if err != nil {
		t.Fatalf("decode evidence: %v", err)
	}
	other, _, ring, _ := newGuardFixture(t)
	if _, err := ring.Learn(key.PublicKey()); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if err := other.VerifyEvidence(relayed); err != nil {
		t.Fatalf("expected evidence to verify: %v", err)
	}
}

func TestGuard_VerifyEvidence_RejectsIdenticalEntries(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	le := signedEntry(t, key, testArea, "p1", types.Move{EntityID: "e1"})
	env := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgApp, Entries: []raftpb.Entry{changeEntry(5, 2, le)}})
	raw := env.Marshal()

	err := g.VerifyEvidence(transport.EquivocationEvidence{Offender: key.ID(), Term: 2, Index: 5, First: raw, Second: raw})
	if !errors.Is(err, domain.ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal, got %v", err)
	}
}

func TestGuard_VerifyEvidence_RejectsWrongOffender(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	a := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgApp, Entries: []raftpb.Entry{changeEntry(5, 2, signedEntry(t, key, testArea, "p1", types.Move{EntityID: "e1"}))}})
	b := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgApp, Entries: []raftpb.Entry{changeEntry(5, 2, signedEntry(t, key, testArea, "p2", types.Move{EntityID: "e2"}))}})

	err := g.VerifyEvidence(transport.EquivocationEvidence{Offender: key.ID() + 1, Term: 2, Index: 5, First: a.Marshal(), Second: b.Marshal()})
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestGuard_DropsCorruptSnapshot(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	snap := domain.Snapshot{AreaID: testArea, Version: 2, RaftIndex: 9, RaftTerm: 2, State: []byte("state")}
	snap.Seal(nil)
	snap.State = []byte("other")
	m := raftpb.Message{Type: raftpb.MsgSnap, Snapshot: &raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: 9, Term: 2},
		Data:     snap.Marshal(),
	}}

	if _, _, err := g.Inspect(sealedRaft(t, key, m)); !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Fatalf("expected ErrSnapshotCorrupt, got %v", err)
	}
}

func TestGuard_SeenWindowIsBounded(t *testing.T) {
	g, key, _, _ := newGuardFixture(t)

	for i := uint64(1); i <= 40; i++ {
		le := signedEntry(t, key, testArea, "p", types.Move{EntityID: "e1", X: float64(i)})
		env := sealedRaft(t, key, raftpb.Message{Type: raftpb.MsgApp, Entries: []raftpb.Entry{changeEntry(i, 1, le)}})
		if _, _, err := g.Inspect(env); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}
	if len(g.seen) != 16 || len(g.order) != 16 {
		t.Fatalf("expected window of 16, got %d/%d", len(g.seen), len(g.order))
	}
	if _, ok := g.seen[seenKey{area: testArea, term: 1, index: 1}]; ok {
		t.Fatalf("expected oldest entry evicted")
	}
}
