package registry

import (
	"slices"

	"areastate/internal/domain"
)

// Authority is the registry's view of who may write an area.
type Authority struct {
	Area domain.AreaID
	// ReplicaSet is the target membership; the leader reconfigures toward it.
	ReplicaSet []domain.NodeID
	// Voters is the last committed raft configuration observed for the area.
	Voters   []domain.NodeID
	Leader   domain.NodeID
	Term     uint64
	Version  uint64
	Degraded bool
}

func (a Authority) Contains(id domain.NodeID) bool {
	return slices.Contains(a.ReplicaSet, id) || slices.Contains(a.Voters, id)
}

func (a Authority) clone() Authority {
	a.ReplicaSet = slices.Clone(a.ReplicaSet)
	a.Voters = slices.Clone(a.Voters)
	return a
}

type MembershipChanged struct {
	Area     domain.AreaID
	Old      []domain.NodeID
	New      []domain.NodeID
	Degraded bool
}
