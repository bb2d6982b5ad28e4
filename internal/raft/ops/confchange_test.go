package ops

import (
	"bytes"
	"testing"

	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
)

func TestMemberContext(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		pub      []byte
		wantAddr string
		wantPub  []byte
	}{
		{name: "address and key", addr: "n1:7400", pub: []byte{0xde, 0xad}, wantAddr: "n1:7400", wantPub: []byte{0xde, 0xad}},
		{name: "address only", addr: "n1:7400", wantAddr: "n1:7400"},
		{name: "empty", addr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, pub := DecodeMemberContext(EncodeMemberContext(tt.addr, tt.pub))
			if addr != tt.wantAddr {
				t.Errorf("addr = %q, want %q", addr, tt.wantAddr)
			}
			if !bytes.Equal(pub, tt.wantPub) {
				t.Errorf("pub = %x, want %x", pub, tt.wantPub)
			}
		})
	}
}

func TestDecodeMemberContext_BadKey(t *testing.T) {
	addr, pub := DecodeMemberContext([]byte("n1:7400|zz"))
	if addr != "n1:7400" || pub != nil {
		t.Errorf("got (%q, %x), want address without key", addr, pub)
	}
}

func TestBuildChanges(t *testing.T) {
	learner := BuildAddLearnerChange(4, "n4:7400", nil)
	if learner.Type != raftpb.ConfChangeAddLearnerNode || learner.NodeID != 4 {
		t.Errorf("learner change = %+v", learner)
	}
	promote := BuildPromoteChange(4, "n4:7400", nil)
	if promote.Type != raftpb.ConfChangeAddNode || string(promote.Context) != "n4:7400" {
		t.Errorf("promote change = %+v", promote)
	}
	remove := BuildRemoveNodeChange(2)
	if remove.Type != raftpb.ConfChangeRemoveNode || remove.NodeID != 2 || remove.Context != nil {
		t.Errorf("remove change = %+v", remove)
	}
}

func TestMembershipChecks(t *testing.T) {
	cs := raftpb.ConfState{Voters: []uint64{3, 1, 2}, Learners: []uint64{4}}

	if !IsVoter(cs, 1) || IsVoter(cs, 4) {
		t.Error("IsVoter mismatch")
	}
	if !IsLearner(cs, 4) || IsLearner(cs, 1) {
		t.Error("IsLearner mismatch")
	}
	if !IsInCluster(cs, 4) || IsInCluster(cs, 5) {
		t.Error("IsInCluster mismatch")
	}
	got := Voters(cs)
	want := []domain.NodeID{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Voters() = %v, want %v", got, want)
		}
	}
}

func TestNextChange(t *testing.T) {
	members := func(ids ...domain.NodeID) []Member {
		out := make([]Member, 0, len(ids))
		for _, id := range ids {
			out = append(out, Member{ID: id, Addr: id.String()})
		}
		return out
	}
	never := func(domain.NodeID) bool { return false }
	always := func(domain.NodeID) bool { return true }

	tests := []struct {
		name     string
		cs       raftpb.ConfState
		desired  []Member
		caughtUp func(domain.NodeID) bool
		wantOK   bool
		wantType raftpb.ConfChangeType
		wantNode uint64
	}{
		{
			name:    "in sync",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3}},
			desired: members(1, 2, 3), caughtUp: never,
		},
		{
			name:    "adds missing member as learner",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3}},
			desired: members(1, 2, 3, 4), caughtUp: never,
			wantOK: true, wantType: raftpb.ConfChangeAddLearnerNode, wantNode: 4,
		},
		{
			name:    "keeps voter until replacement is promoted",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3}, Learners: []uint64{4}},
			desired: members(1, 2, 4), caughtUp: never,
		},
		{
			name:    "removes voter once replacement votes",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3, 4}},
			desired: members(1, 2, 4), caughtUp: never,
			wantOK: true, wantType: raftpb.ConfChangeRemoveNode, wantNode: 3,
		},
		{
			name:    "promotes caught-up learner",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3}, Learners: []uint64{4}},
			desired: members(1, 2, 3, 4), caughtUp: always,
			wantOK: true, wantType: raftpb.ConfChangeAddNode, wantNode: 4,
		},
		{
			name:    "removes unwanted learner",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3}, Learners: []uint64{5}},
			desired: members(1, 2, 3), caughtUp: never,
			wantOK: true, wantType: raftpb.ConfChangeRemoveNode, wantNode: 5,
		},
		{
			name:    "never removes self",
			cs:      raftpb.ConfState{Voters: []uint64{1, 2, 3}},
			desired: members(2, 3), caughtUp: never,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, ok := NextChange(tt.cs, 1, tt.desired, tt.caughtUp)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (change %+v)", ok, tt.wantOK, cc)
			}
			if !ok {
				return
			}
			if cc.Type != tt.wantType || cc.NodeID != tt.wantNode {
				t.Errorf("change = %s(%d), want %s(%d)", cc.Type, cc.NodeID, tt.wantType, tt.wantNode)
			}
		})
	}
}
