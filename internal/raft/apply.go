package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/cache"
	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/raft/ops"
	"areastate/internal/statemachine"
	"areastate/internal/types"
)

// recoverState rebuilds the area from the newest verifiable snapshot and the
// committed log. Raft re-delivers every entry after its own snapshot; entries
// at or below appliedFloor already affected the state and are skipped.
func (g *Group) recoverState() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g.logger.Info("recovering area state")

	base, err := g.snaps.Latest(ctx, g.area)
	if err != nil {
		if !errors.Is(err, domain.ErrSnapshotCorrupt) {
			return fmt.Errorf("load latest snapshot: %w", err)
		}
		g.logger.Warn("stored snapshot failed verification, ignoring", "error", err)
		base = nil
	}

	if rs := g.storage.Snapshot(); !etcdraft.IsEmptySnap(rs) && len(rs.Data) > 0 {
		embedded, err := ops.DecodeSnapshot(g.area, rs)
		switch {
		case err != nil:
			g.logger.Warn("raft snapshot carries unusable area state", "index", rs.Metadata.Index, "error", err)
		case base == nil || embedded.Version > base.Version:
			if err := g.snaps.Install(ctx, embedded); err != nil {
				g.logger.Warn("failed to reinstall raft snapshot", "version", embedded.Version, "error", err)
			}
			base = &embedded
		}
	}

	if base != nil {
		if err := g.sm.Restore(base.State, base.Version); err != nil {
			return err
		}
		g.appliedFloor = base.RaftIndex
		g.lastSnapVersion = base.Version
		g.logger.Info("restored area state from snapshot", "version", base.Version, "raft_index", base.RaftIndex)
	}

	entries, err := g.log.LoadLog(g.area)
	if err != nil {
		return fmt.Errorf("load committed log: %w", err)
	}
	if base != nil && (len(entries) == 0 || entries[len(entries)-1].Seq < base.Version) {
		// The log ends before the snapshot; appends must continue after it.
		if err := g.log.ResetLog(g.area, base.Version); err != nil {
			return fmt.Errorf("align committed log with snapshot: %w", err)
		}
		entries = nil
	}
	replayed := 0
	for _, e := range entries {
		if e.Seq <= g.sm.Version() {
			continue
		}
		if e.Seq != g.sm.Version()+1 {
			g.logger.Warn("committed log has a gap, stopping replay", "expected", g.sm.Version()+1, "found", e.Seq)
			break
		}
		g.replayChange(e)
		if e.RaftIndex > g.appliedFloor {
			g.appliedFloor = e.RaftIndex
		}
		replayed++
	}

	g.setLastApplied(max(g.appliedFloor, g.storage.SnapshotIndex()))
	g.lastSnapAt = time.Now()
	g.refreshCache()

	g.logger.Info("area state recovered", "version", g.sm.Version(), "replayed", replayed, "applied_floor", g.appliedFloor)
	return nil
}

// refreshCache publishes the committed state so reads never wait on a
// rebuild after a local commit.
func (g *Group) refreshCache() {
	if g.cache == nil {
		return
	}
	state, version := g.View()
	g.cache.Put(cache.AreaView{Area: g.area, State: state, Version: version})
}

func (g *Group) replayChange(e domain.LogEntry) statemachine.Result {
	change, err := types.DecodeChange(e.Payload)
	if err != nil {
		return g.sm.Skip(err.Error())
	}
	return g.sm.Apply(change)
}

func (g *Group) applyEntries(entries []raftpb.Entry) error {
	if len(entries) > 0 {
		g.logger.Debug("applying committed entries", "count", len(entries))
	}

	removed := false
	for _, entry := range entries {
		switch entry.Type {
		case raftpb.EntryConfChange:
			if g.applyConfChange(entry) {
				removed = true
			}
		case raftpb.EntryNormal:
			if entry.Index > g.appliedFloor && len(entry.Data) > 0 {
				if err := g.applyNormalEntry(entry); err != nil {
					return err
				}
			}
		default:
			g.logger.Warn("ignoring unsupported raft entry type",
				"index", entry.Index,
				"term", entry.Term,
				"type", entry.Type,
			)
		}
		g.setLastApplied(entry.Index)
	}

	if removed && !ops.IsInCluster(g.ConfState(), g.self) && g.observer != nil {
		g.observer.Removed(g.area)
	}
	return nil
}

func (g *Group) applyNormalEntry(entry raftpb.Entry) error {
	kind, body, err := ops.DecodeEntry(entry.Data)
	if err != nil {
		g.logger.Warn("skipping undecodable entry", "index", entry.Index, "error", err)
		return nil
	}

	switch kind {
	case ops.EntryChange:
		return g.applyChange(entry, body)
	case ops.EntrySnapshotBarrier:
		g.applySnapshotBarrier(entry)
	case ops.EntryTruncateBarrier:
		g.applyTruncateBarrier(entry, body)
	}
	return nil
}

// applyChange assigns the next sequence number to a committed change. Bad
// payloads and rejected changes consume their number like accepted ones.
func (g *Group) applyChange(entry raftpb.Entry, body []byte) error {
	var res statemachine.Result

	le, err := domain.UnmarshalLogEntry(body)
	switch {
	case err != nil:
		le = domain.LogEntry{AreaID: g.area, Payload: body}
		res = g.sm.Skip(fmt.Sprintf("malformed entry: %v", err))
	case le.AreaID != g.area:
		res = g.sm.Skip(fmt.Sprintf("entry for area %s", le.AreaID))
	case !identity.VerifyWithKey(le.ProposerKey, le.Signature, le.SigningBytes(), le.Proposer):
		res = g.sm.Skip(domain.ErrSignatureInvalid.Error())
	default:
		res = g.replayChange(le)
	}

	le.AreaID = g.area
	le.Seq = res.Seq
	le.RaftIndex = entry.Index
	le.RaftTerm = entry.Term

	if err := g.log.AppendLog(g.area, le); err != nil {
		return fmt.Errorf("append committed change %d: %w", le.Seq, err)
	}
	g.lastChangeIndex.Store(entry.Index)
	g.refreshCache()

	if !res.Applied {
		g.logger.Debug("committed change rejected", "seq", res.Seq, "proposal_id", le.ProposalID, "reason", res.Reason)
	}
	if g.observer != nil {
		g.observer.Committed(g.area, le, res)
	}
	return nil
}

// applyConfChange always reaches raft, even for entries below the applied
// floor, since raft's configuration is rebuilt from the log on restart. It
// reports whether this node was removed.
func (g *Group) applyConfChange(entry raftpb.Entry) bool {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(entry.Data); err != nil {
		g.logger.Error("failed to unmarshal conf change", "index", entry.Index, "error", err)
		return false
	}

	g.logger.Debug("applying conf change",
		"type", cc.Type,
		"target_node", domain.NodeID(cc.NodeID),
		"index", entry.Index,
	)

	cs := g.node.ApplyConfChange(cc)
	if cs != nil {
		g.setConfState(*cs)
		if err := g.storage.SaveConfState(*cs); err != nil {
			g.logger.Error("failed to persist confState", "error", err)
		}
	}
	g.confPending.Store(0)

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		addr, pub := ops.DecodeMemberContext(cc.Context)
		if len(pub) > 0 && g.observer != nil {
			g.observer.MemberLearned(domain.NodeID(cc.NodeID), addr, pub)
		}
	}

	if g.observer != nil && cs != nil {
		g.observer.VotersChanged(g.area, ops.Voters(*cs))
	}
	return cc.Type == raftpb.ConfChangeRemoveNode && domain.NodeID(cc.NodeID) == g.self
}

// applyReceivedSnapshot installs a snapshot the leader shipped because this
// replica fell behind the compacted log. Raft storage already holds it.
func (g *Group) applyReceivedSnapshot(rs raftpb.Snapshot) error {
	snap, err := ops.DecodeSnapshot(g.area, rs)
	if err != nil {
		return fmt.Errorf("received snapshot at %d: %w", rs.Metadata.Index, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := g.snaps.Install(ctx, snap); err != nil {
		return err
	}
	if err := g.log.ResetLog(g.area, snap.Version); err != nil {
		return fmt.Errorf("reset committed log: %w", err)
	}
	if err := g.sm.Restore(snap.State, snap.Version); err != nil {
		return err
	}

	g.appliedFloor = snap.RaftIndex
	g.setLastApplied(rs.Metadata.Index)
	g.setConfState(rs.Metadata.ConfState)

	g.snapMu.Lock()
	g.lastSnapVersion = snap.Version
	g.lastSnapAt = time.Now()
	g.snapMu.Unlock()

	g.refreshCache()
	if g.observer != nil {
		g.observer.VotersChanged(g.area, ops.Voters(rs.Metadata.ConfState))
	}

	g.logger.Info("installed snapshot from leader", "version", snap.Version, "raft_index", snap.RaftIndex)
	return nil
}
