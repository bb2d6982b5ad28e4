package ops

import (
	"encoding/hex"
	"slices"
	"strings"

	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
)

const contextSeparator = "|"

// EncodeMemberContext packs a member's address and public key into the conf
// change context so every replica can reach and verify the new member.
func EncodeMemberContext(addr string, pub []byte) []byte {
	if len(pub) == 0 {
		return []byte(addr)
	}
	return []byte(addr + contextSeparator + hex.EncodeToString(pub))
}

func DecodeMemberContext(data []byte) (addr string, pub []byte) {
	s := string(data)
	if s == "" {
		return "", nil
	}

	addr, rest, found := strings.Cut(s, contextSeparator)
	if !found {
		return addr, nil
	}
	pub, err := hex.DecodeString(rest)
	if err != nil {
		return addr, nil
	}
	return addr, pub
}

func BuildAddLearnerChange(id domain.NodeID, addr string, pub []byte) raftpb.ConfChange {
	return raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddLearnerNode,
		NodeID:  uint64(id),
		Context: EncodeMemberContext(addr, pub),
	}
}

func BuildRemoveNodeChange(id domain.NodeID) raftpb.ConfChange {
	return raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: uint64(id),
	}
}

func BuildPromoteChange(id domain.NodeID, addr string, pub []byte) raftpb.ConfChange {
	return raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  uint64(id),
		Context: EncodeMemberContext(addr, pub),
	}
}

func IsVoter(cs raftpb.ConfState, id domain.NodeID) bool {
	return slices.Contains(cs.Voters, uint64(id))
}

func IsLearner(cs raftpb.ConfState, id domain.NodeID) bool {
	return slices.Contains(cs.Learners, uint64(id))
}

func IsInCluster(cs raftpb.ConfState, id domain.NodeID) bool {
	return IsVoter(cs, id) || IsLearner(cs, id)
}

func Voters(cs raftpb.ConfState) []domain.NodeID {
	out := make([]domain.NodeID, 0, len(cs.Voters))
	for _, v := range cs.Voters {
		out = append(out, domain.NodeID(v))
	}
	slices.Sort(out)
	return out
}

// Member describes a desired replica for NextChange.
type Member struct {
	ID        domain.NodeID
	Addr      string
	PublicKey []byte
}

// NextChange returns the single conf change that moves cs one step towards
// desired: missing members join as learners first, caught-up learners are
// promoted, then members outside desired are removed. self is never removed;
// a leader that is not wanted hands off leadership instead.
func NextChange(cs raftpb.ConfState, self domain.NodeID, desired []Member, caughtUp func(domain.NodeID) bool) (raftpb.ConfChange, bool) {
	want := make(map[domain.NodeID]bool, len(desired))
	for _, m := range desired {
		want[m.ID] = true
		if !IsInCluster(cs, m.ID) {
			return BuildAddLearnerChange(m.ID, m.Addr, m.PublicKey), true
		}
	}

	for _, m := range desired {
		if IsLearner(cs, m.ID) && caughtUp(m.ID) {
			return BuildPromoteChange(m.ID, m.Addr, m.PublicKey), true
		}
	}

	for _, id := range cs.Learners {
		if nid := domain.NodeID(id); nid != self && !want[nid] {
			return BuildRemoveNodeChange(nid), true
		}
	}

	// Voters leave only once every wanted member votes, so fault tolerance
	// never drops below the target while a replacement catches up.
	for _, m := range desired {
		if !IsVoter(cs, m.ID) {
			return raftpb.ConfChange{}, false
		}
	}
	for _, id := range cs.Voters {
		if nid := domain.NodeID(id); nid != self && !want[nid] {
			return BuildRemoveNodeChange(nid), true
		}
	}
	return raftpb.ConfChange{}, false
}
