package node

import (
	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/raft"
	"areastate/internal/statemachine"
)

var _ raft.Observer = (*Host)(nil)

// The callbacks below run on a group's loop goroutine and must not block;
// anything that touches the group again is pushed to a goroutine.

// Committed resolves the proposal and, when the change was rejected by the
// area rules, counts it against its proposer. Every replica applies the same
// log, so all of them reach the same verdict.
func (h *Host) Committed(area domain.AreaID, entry domain.LogEntry, res statemachine.Result) {
	h.pipeline.Resolve(entry, res)
	h.registry.ObserveVersion(area, res.Seq)
	if !res.Applied && entry.Proposer != h.self &&
		identity.VerifyWithKey(entry.ProposerKey, entry.Signature, entry.SigningBytes(), entry.Proposer) {
		h.tracker.RecordRejection(entry.Proposer)
	}
}

func (h *Host) LeaderChanged(area domain.AreaID, leader domain.NodeID, term uint64) {
	h.registry.ObserveLeader(area, leader, term)
	if leader != h.self {
		return
	}
	h.background(func() {
		if a, err := h.registry.ResolveAuthority(area); err == nil {
			if g, ok := h.group(area); ok {
				h.reconfigure(g, a)
			}
		}
		h.announce(area, 0)
	})
}

func (h *Host) VotersChanged(area domain.AreaID, voters []domain.NodeID) {
	h.registry.ObserveVoters(area, voters)
}

func (h *Host) Participated(_ domain.AreaID, ids []domain.NodeID) {
	for _, id := range ids {
		h.tracker.RecordParticipation(id)
	}
}

// MemberLearned picks up the key and address of a replica added by a conf
// change, so its traffic verifies before its first heartbeat arrives.
func (h *Host) MemberLearned(id domain.NodeID, addr string, pub []byte) {
	if identity.NodeIDFromPublicKey(pub) != id {
		h.logger.Warn("conf change carries a key for another node", "member", id)
		return
	}
	if _, err := h.keyring.Learn(pub); err != nil {
		h.logger.Warn("failed to learn member key", "member", id, "error", err)
		return
	}
	if addr != "" && id != h.self {
		h.transport.SetPeer(id, addr)
	}
}

func (h *Host) Removed(area domain.AreaID) {
	h.background(func() { h.dropGroup(area) })
}

func (h *Host) background(fn func()) {
	if h.ctx == nil || h.ctx.Err() != nil {
		return
	}
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		fn()
	}()
}
