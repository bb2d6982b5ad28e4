package raft

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.etcd.io/raft/v3/tracker"

	"areastate/internal/domain"
	"areastate/internal/metrics"
	"areastate/internal/raft/ops"
	"areastate/internal/transport"
)

func (g *Group) runMainLoop() {
	defer func() {
		if r := recover(); r != nil {
			g.failed.Store(true)
			g.logger.Error("area group loop panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			g.logger.Debug("raft loop stopping")
			return

		case <-ticker.C:
			g.node.Tick()

		case req := <-g.stepInbox:
			err := g.node.Step(req.ctx, req.msg)
			select {
			case req.resp <- err:
			default:
			}

		case rd, ok := <-g.node.Ready():
			if !ok {
				g.logger.Warn("raft ready channel closed")
				return
			}
			if err := g.processReady(rd); err != nil {
				g.failed.Store(true)
				g.logger.Error("processReady failed", "error", err)
				return
			}
		}
	}
}

func (g *Group) processReady(rd etcdraft.Ready) error {
	g.logger.Debug("processing ready",
		"entries", len(rd.Entries),
		"committed", len(rd.CommittedEntries),
		"messages", len(rd.Messages),
		"hasSnapshot", !etcdraft.IsEmptySnap(rd.Snapshot),
	)

	start := time.Now()
	if err := g.storage.SaveReady(rd); err != nil {
		return err
	}
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())
	metrics.WALWritesTotal.Add(float64(len(rd.Entries)))

	if !etcdraft.IsEmptyHardState(rd.HardState) {
		g.term = rd.HardState.Term
	}
	if rd.SoftState != nil {
		g.observeLeader(domain.NodeID(rd.SoftState.Lead))
	}

	g.sendMessages(rd.Messages)

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		if err := g.applyReceivedSnapshot(rd.Snapshot); err != nil {
			return err
		}
	}

	if err := g.applyEntries(rd.CommittedEntries); err != nil {
		return err
	}

	g.node.Advance()

	if g.leader == g.self {
		g.maybeSnapshot(time.Now())
	}
	return nil
}

func (g *Group) observeLeader(lead domain.NodeID) {
	if lead == g.leader {
		return
	}
	g.logger.Info("leader changed", "from", g.leader, "to", lead, "term", g.term)
	g.leader = lead
	if lead == 0 {
		return
	}
	metrics.RaftLeaderChanges.WithLabelValues(string(g.area)).Inc()
	if g.observer != nil {
		g.observer.LeaderChanged(g.area, lead, g.term)
	}
}

// sendMessages signs and queues outgoing raft messages. Raft learns about
// undeliverable messages so it can retry replication.
func (g *Group) sendMessages(msgs []raftpb.Message) {
	if len(msgs) == 0 {
		return
	}

	now := time.Now()
	for _, msg := range msgs {
		env, err := transport.FromRaft(g.area, msg)
		if err != nil {
			g.logger.Error("failed to encode raft message", "to", domain.NodeID(msg.To), "type", msg.Type, "error", err)
			continue
		}
		env.Seal(g.signer, now)

		if err := g.outbox.Send(env); err != nil {
			metrics.RaftMessageErrors.WithLabelValues(env.To.String()).Inc()
			g.logger.Debug("raft send failed", "to", env.To, "type", msg.Type, "error", err)
			g.node.ReportUnreachable(msg.To)
			if msg.Type == raftpb.MsgSnap {
				g.node.ReportSnapshot(msg.To, etcdraft.SnapshotFailure)
			}
			continue
		}
		if msg.Type == raftpb.MsgSnap {
			g.node.ReportSnapshot(msg.To, etcdraft.SnapshotFinish)
		}
	}
}

func (g *Group) runMetricsCollector() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCtx.Done():
			return
		case <-ticker.C:
			g.UpdateMetrics()
			g.reportParticipation()
		}
	}
}

// reportParticipation credits voters that replicated everything up to the
// latest applied change.
func (g *Group) reportParticipation() {
	if g.observer == nil {
		return
	}
	idx := g.lastChangeIndex.Load()
	if idx == 0 || idx <= g.reportedIndex.Load() {
		return
	}
	status := g.node.Status()
	if status.RaftState != etcdraft.StateLeader {
		return
	}

	var ids []domain.NodeID
	for id := range status.Config.Voters.IDs() {
		if id == uint64(g.self) {
			continue
		}
		if pr, ok := status.Progress[id]; ok && pr.Match >= idx {
			ids = append(ids, domain.NodeID(id))
		}
	}
	g.reportedIndex.Store(idx)
	if len(ids) > 0 {
		g.observer.Participated(g.area, ids)
	}
}

func (g *Group) runReconciler() {
	ticker := time.NewTicker(g.cfg.PromotionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCtx.Done():
			return
		case <-ticker.C:
			g.reconcile()
		}
	}
}

// reconcile moves the raft configuration one conf change closer to the
// desired replica set. Only one change is in flight at a time.
func (g *Group) reconcile() {
	if !g.IsLeader() || g.shuttingDown.Load() {
		return
	}
	desired := g.desired.Load()
	if desired == nil || len(*desired) == 0 {
		return
	}
	if deadline := g.confPending.Load(); deadline != 0 && time.Now().UnixNano() < deadline {
		return
	}

	wanted := false
	for _, m := range *desired {
		if m.ID == g.self {
			wanted = true
			break
		}
	}
	if !wanted {
		g.logger.Info("leader is no longer a desired replica, handing off")
		g.transferLeadership(false)
		return
	}

	status := g.node.Status()
	cc, ok := ops.NextChange(g.ConfState(), g.self, *desired, func(id domain.NodeID) bool {
		pr, ok := status.Progress[uint64(id)]
		return ok && g.isLearnerReady(pr, status.Commit)
	})
	if !ok {
		return
	}

	g.logger.Info("proposing conf change", "type", cc.Type, "target", domain.NodeID(cc.NodeID))
	ctx, cancel := context.WithTimeout(g.stopCtx, g.cfg.ProposalTimeout)
	err := g.node.ProposeConfChange(ctx, cc)
	cancel()
	if err != nil {
		g.logger.Warn("failed to propose conf change", "type", cc.Type, "target", domain.NodeID(cc.NodeID), "error", err)
		return
	}
	g.confPending.Store(time.Now().Add(3 * g.cfg.electionTimeout()).UnixNano())
}

func (g *Group) isLearnerReady(progress tracker.Progress, commitIndex uint64) bool {
	if progress.State != tracker.StateReplicate {
		return false
	}
	if progress.IsPaused() {
		return false
	}
	if commitIndex <= g.cfg.PromotionThreshold {
		return progress.Match >= commitIndex
	}
	return progress.Match >= (commitIndex - g.cfg.PromotionThreshold)
}

// Digest summarizes the group for heartbeats.
func (g *Group) Digest() transport.AreaDigest {
	st := g.node.Status()
	return transport.AreaDigest{
		Area:    g.area,
		Term:    st.Term,
		Leader:  domain.NodeID(st.Lead),
		Version: g.sm.Version(),
		Commit:  st.Commit,
	}
}

func (g *Group) String() string {
	return fmt.Sprintf("group(%s@%s)", g.area, g.self)
}
