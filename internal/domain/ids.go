package domain

import (
	"fmt"
	"strconv"
)

// NodeID identifies a peer. It is derived from the node's public key and is
// never zero; zero means "unknown" wherever a NodeID is optional.
type NodeID uint64

func (id NodeID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID(v), nil
}

type AreaID string

func (a AreaID) String() string { return string(a) }

func NodeIDs(ids []uint64) []NodeID {
	out := make([]NodeID, len(ids))
	for i, id := range ids {
		out[i] = NodeID(id)
	}
	return out
}
