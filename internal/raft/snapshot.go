package raft

import (
	"context"
	"errors"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
	"areastate/internal/metrics"
	"areastate/internal/raft/ops"
	"areastate/internal/snapshot"
	"areastate/internal/transport"
)

// barrierTimeout bounds how long a snapshot round may stay open before the
// leader starts another one.
const barrierTimeout = 30 * time.Second

// maybeSnapshot proposes a SnapshotBarrier when the policy says one is due
// and no round is open.
func (g *Group) maybeSnapshot(now time.Time) {
	g.snapMu.Lock()
	version := g.sm.Version()
	if !g.barrierAt.IsZero() && now.Sub(g.barrierAt) < barrierTimeout {
		g.snapMu.Unlock()
		return
	}
	if version <= g.lastSnapVersion || !g.cfg.Snapshot.Due(version-g.lastSnapVersion, g.lastSnapAt, now) {
		g.snapMu.Unlock()
		return
	}
	g.barrierAt = now
	g.snapMu.Unlock()

	g.logger.Debug("snapshot due", "version", version)
	go g.proposeControl(ops.EncodeEntry(ops.EntrySnapshotBarrier, nil), func() {
		g.snapMu.Lock()
		g.barrierAt = time.Time{}
		g.snapMu.Unlock()
	})
}

// TriggerSnapshot starts a snapshot round regardless of policy.
func (g *Group) TriggerSnapshot(ctx context.Context) error {
	if !g.IsLeader() {
		return &NotLeaderError{Leader: g.Leader()}
	}
	g.snapMu.Lock()
	g.barrierAt = time.Now()
	g.snapMu.Unlock()
	return g.node.Propose(ctx, ops.EncodeEntry(ops.EntrySnapshotBarrier, nil))
}

func (g *Group) proposeControl(data []byte, onErr func()) {
	ctx, cancel := context.WithTimeout(g.stopCtx, g.cfg.ProposalTimeout)
	defer cancel()
	if err := g.node.Propose(ctx, data); err != nil {
		g.logger.Warn("failed to propose control entry", "error", err)
		onErr()
	}
}

// applySnapshotBarrier snapshots the state at the barrier's position. Every
// replica does this at the same log index, so equal hashes prove equal state.
func (g *Group) applySnapshotBarrier(entry raftpb.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blob, version := g.sm.Snapshot()
	snap, err := g.snaps.Take(ctx, g.area, version, entry.Index, entry.Term, blob)
	if err != nil {
		g.logger.Error("failed to take snapshot", "version", version, "error", err)
		return
	}
	// The chain may already hold this version from an earlier barrier; the
	// raft copy must describe this barrier's position.
	if snap.RaftIndex != entry.Index || snap.RaftTerm != entry.Term {
		snap.RaftIndex, snap.RaftTerm = entry.Index, entry.Term
		snap.Seal(snap.PrevHash)
	}

	cs := g.ConfState()
	rs, err := g.storage.CreateSnapshot(entry.Index, &cs, snap.Marshal())
	switch {
	case errors.Is(err, etcdraft.ErrSnapOutOfDate):
		g.logger.Debug("raft snapshot already exists", "index", entry.Index)
	case err != nil:
		g.logger.Error("failed to create raft snapshot", "index", entry.Index, "error", err)
		return
	default:
		if err := g.storage.SaveSnapshot(rs); err != nil {
			g.logger.Error("failed to save raft snapshot", "index", entry.Index, "error", err)
			return
		}
	}

	g.snapMu.Lock()
	g.lastSnapVersion = version
	g.lastSnapAt = time.Now()
	g.snapMu.Unlock()

	res := g.acks.Begin(g.area, g.self, snap, ops.Voters(cs))
	if g.leader == g.self {
		g.onAckResult(res, version, entry.Index)
		return
	}
	g.sendSnapshotAck(snap)
}

func (g *Group) sendSnapshotAck(snap domain.Snapshot) {
	if g.leader == 0 {
		return
	}
	ack := transport.SnapshotAck{Version: snap.Version, RaftIndex: snap.RaftIndex, Hash: snap.StateHash()}
	env := &transport.Envelope{
		Kind:   transport.KindSnapshotAck,
		AreaID: g.area,
		To:     g.leader,
		Term:   g.term,
		Body:   ack.Marshal(),
	}
	env.Seal(g.signer, time.Now())
	if err := g.outbox.Send(env); err != nil {
		g.logger.Warn("failed to send snapshot ack", "leader", g.leader, "version", snap.Version, "error", err)
	}
}

// SnapshotAcked records a follower's acknowledgement on the leader.
func (g *Group) SnapshotAcked(from domain.NodeID, ack transport.SnapshotAck) {
	res := g.acks.Ack(g.area, from, ack.Version, ack.Hash)
	if res == snapshot.AckMismatch {
		g.logger.Error("snapshot hash mismatch", "from", from, "version", ack.Version)
	}
	if !g.IsLeader() {
		return
	}
	version, raftIndex, ok := g.acks.Round(g.area)
	if !ok {
		return
	}
	g.onAckResult(res, version, raftIndex)
}

// SnapshotRejected handles a follower that could not verify the snapshot it
// was sent. Raft resends it after the failure report.
func (g *Group) SnapshotRejected(from domain.NodeID, nack transport.SnapshotNack) {
	g.logger.Warn("follower rejected snapshot", "from", from, "raft_index", nack.RaftIndex, "reason", nack.Reason)
	g.node.ReportSnapshot(uint64(from), etcdraft.SnapshotFailure)
}

func (g *Group) onAckResult(res snapshot.AckResult, version, raftIndex uint64) {
	switch res {
	case snapshot.AckComplete:
		g.proposeTruncate(version, raftIndex)
	case snapshot.AckMismatch:
		g.logger.Error("replicas disagree on snapshot, keeping log", "version", version)
		g.acks.Close(g.area)
		g.snapMu.Lock()
		g.barrierAt = time.Time{}
		g.snapMu.Unlock()
	}
}

// proposeTruncate proposes at most one TruncateBarrier per snapshot version.
func (g *Group) proposeTruncate(version, raftIndex uint64) {
	g.snapMu.Lock()
	if g.truncateFor == version {
		g.snapMu.Unlock()
		return
	}
	g.truncateFor = version
	g.snapMu.Unlock()

	g.logger.Debug("every voter acknowledged snapshot, truncating", "version", version, "raft_index", raftIndex)
	go g.proposeControl(ops.EncodeTruncateEntry(ops.Truncate{Version: version, RaftIndex: raftIndex}), func() {
		g.snapMu.Lock()
		if g.truncateFor == version {
			g.truncateFor = 0
		}
		g.snapMu.Unlock()
	})
}

// applyTruncateBarrier drops committed history covered by the acknowledged
// snapshot, both from the change log and from raft storage.
func (g *Group) applyTruncateBarrier(entry raftpb.Entry, body []byte) {
	t, err := ops.DecodeTruncate(body)
	if err != nil {
		g.logger.Warn("skipping malformed truncate barrier", "index", entry.Index, "error", err)
		return
	}

	if err := g.log.TruncateLog(g.area, t.Version); err != nil {
		g.logger.Error("failed to truncate committed log", "version", t.Version, "error", err)
	}
	if g.storage.SnapshotIndex() >= t.RaftIndex {
		if err := g.storage.Compact(t.RaftIndex); err != nil {
			g.logger.Warn("failed to compact raft log", "index", t.RaftIndex, "error", err)
		}
	}

	g.acks.Close(g.area)
	g.snapMu.Lock()
	g.barrierAt = time.Time{}
	g.snapMu.Unlock()

	metrics.LogTruncations.WithLabelValues(string(g.area)).Inc()
	g.logger.Info("committed log truncated", "version", t.Version, "raft_index", t.RaftIndex)
}
