package snapshot

import (
	"bytes"
	"sync"

	"areastate/internal/domain"
)

type AckResult int

const (
	AckPending AckResult = iota
	AckComplete
	AckMismatch
	AckStale
)

type round struct {
	version   uint64
	raftIndex uint64
	hash      []byte
	voters    []domain.NodeID
	acks      map[domain.NodeID][]byte
}

type early struct {
	from domain.NodeID
	hash []byte
}

// AckTracker collects SnapshotAcks for the leader. Log truncation is allowed
// only once every voter acknowledged the leader's state hash for the same version.
type AckTracker struct {
	mu     sync.Mutex
	rounds map[domain.AreaID]*round
	early  map[domain.AreaID]map[uint64][]early
}

func NewAckTracker() *AckTracker {
	return &AckTracker{
		rounds: make(map[domain.AreaID]*round),
		early:  make(map[domain.AreaID]map[uint64][]early),
	}
}

// Begin opens a round with the leader's own snapshot. Replicas acknowledge
// the state hash, since a replica that joined late carries a shorter chain.
// Acks that arrived before the leader applied the barrier are folded in.
func (t *AckTracker) Begin(area domain.AreaID, self domain.NodeID, snap domain.Snapshot, voters []domain.NodeID) AckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &round{
		version:   snap.Version,
		raftIndex: snap.RaftIndex,
		hash:      snap.StateHash(),
		voters:    append([]domain.NodeID(nil), voters...),
		acks:      map[domain.NodeID][]byte{self: snap.StateHash()},
	}
	t.rounds[area] = r

	res := r.status()
	for _, e := range t.early[area][snap.Version] {
		if res = t.record(r, e.from, e.hash); res == AckMismatch {
			break
		}
	}
	delete(t.early, area)
	return res
}

// Ack records a replica's acknowledgement.
func (t *AckTracker) Ack(area domain.AreaID, from domain.NodeID, version uint64, hash []byte) AckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rounds[area]
	if !ok || version > r.version {
		if t.early[area] == nil {
			t.early[area] = make(map[uint64][]early)
		}
		t.early[area][version] = append(t.early[area][version], early{from: from, hash: hash})
		return AckPending
	}
	if version < r.version {
		return AckStale
	}
	return t.record(r, from, hash)
}

func (t *AckTracker) record(r *round, from domain.NodeID, hash []byte) AckResult {
	if !bytes.Equal(hash, r.hash) {
		return AckMismatch
	}
	r.acks[from] = hash
	return r.status()
}

func (r *round) status() AckResult {
	for _, v := range r.voters {
		if _, ok := r.acks[v]; !ok {
			return AckPending
		}
	}
	return AckComplete
}

// Missing lists voters that have not acknowledged the open round.
func (t *AckTracker) Missing(area domain.AreaID) []domain.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rounds[area]
	if !ok {
		return nil
	}
	var out []domain.NodeID
	for _, v := range r.voters {
		if _, ok := r.acks[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// Round returns the version and raft index of the open round.
func (t *AckTracker) Round(area domain.AreaID) (version, raftIndex uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rounds[area]
	if !ok {
		return 0, 0, false
	}
	return r.version, r.raftIndex, true
}

func (t *AckTracker) Close(area domain.AreaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rounds, area)
	delete(t.early, area)
}
