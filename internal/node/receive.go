package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/membership"
	"areastate/internal/metrics"
	"areastate/internal/raft"
	"areastate/internal/registry"
	"areastate/internal/transport"
)

var _ transport.Receiver = (*Host)(nil)

// Receive routes one inbound envelope. Raft traffic goes through the guard
// before it reaches a group; everything else must carry a valid signature
// from a known, non-banned node.
func (h *Host) Receive(ctx context.Context, env *transport.Envelope) error {
	if env.To != 0 && env.To != h.self {
		metrics.RaftMessagesDropped.WithLabelValues("misrouted").Inc()
		return fmt.Errorf("envelope for %s delivered to %s", env.To, h.self)
	}

	if env.Kind.IsRaft() {
		return h.receiveRaft(ctx, env)
	}
	if env.Kind == transport.KindHeartbeat {
		return h.receiveHeartbeat(env)
	}

	if h.tracker.IsBanned(env.From) {
		return fmt.Errorf("%w: %s", raft.ErrBanned, env.From)
	}
	if !env.Verify(h.keyring) {
		metrics.RaftMessagesDropped.WithLabelValues("signature").Inc()
		h.tracker.RecordRejection(env.From)
		return fmt.Errorf("%w: %s from %s", domain.ErrSignatureInvalid, env.Kind, env.From)
	}

	switch env.Kind {
	case transport.KindSnapshotAck:
		ack, err := transport.UnmarshalSnapshotAck(env.Body)
		if err != nil {
			return err
		}
		if g, ok := h.group(env.AreaID); ok {
			g.SnapshotAcked(env.From, ack)
		}
	case transport.KindSnapshotNack:
		nack, err := transport.UnmarshalSnapshotNack(env.Body)
		if err != nil {
			return err
		}
		if g, ok := h.group(env.AreaID); ok {
			g.SnapshotRejected(env.From, nack)
		}
	case transport.KindProposeChange:
		err := h.pipeline.HandleForwarded(ctx, env)
		if errors.Is(err, domain.ErrInvalidProposal) || errors.Is(err, domain.ErrSignatureInvalid) {
			h.tracker.RecordRejection(env.From)
		}
		return err
	case transport.KindProposalOutcome:
		out, err := transport.UnmarshalProposalOutcome(env.Body)
		if err != nil {
			return err
		}
		h.pipeline.HandleOutcome(env.AreaID, out)
	case transport.KindAreaAnnounce:
		ann, err := transport.UnmarshalAreaAnnounce(env.Body)
		if err != nil {
			return err
		}
		h.learnArea(env.AreaID, ann)
	case transport.KindEquivocationEvidence:
		ev, err := transport.UnmarshalEquivocationEvidence(env.Body)
		if err != nil {
			return err
		}
		if err := h.guard.VerifyEvidence(ev); err != nil {
			h.tracker.RecordRejection(env.From)
			return err
		}
		h.punish(ev)
	case transport.KindCatchUpRequest:
		req, err := transport.UnmarshalCatchUpRequest(env.Body)
		if err != nil {
			return err
		}
		h.resolver.HandleCatchUp(env.From, env.AreaID, req)
	default:
		return fmt.Errorf("unexpected envelope kind %s", env.Kind)
	}
	return nil
}

func (h *Host) receiveRaft(ctx context.Context, env *transport.Envelope) error {
	msg, ev, err := h.guard.Inspect(env)
	switch {
	case ev != nil:
		h.punish(*ev)
		return err
	case errors.Is(err, domain.ErrSnapshotCorrupt):
		h.rejectSnapshot(env.From, env.AreaID, msg.Snapshot, err)
		return err
	case errors.Is(err, domain.ErrSignatureInvalid):
		// Covers both a bad envelope signature and a leader relaying a
		// change whose proposer signature does not verify.
		h.tracker.RecordRejection(env.From)
		return err
	case err != nil:
		return err
	}

	g, ok := h.group(env.AreaID)
	if !ok {
		if !h.mayJoinOnTraffic(env) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownArea, env.AreaID)
		}
		if g, err = h.ensureGroup(env.AreaID, nil); err != nil {
			return err
		}
	}
	return g.Step(ctx, msg)
}

// mayJoinOnTraffic lets a leader's replication traffic create the local
// replica of an area this node was just added to. Only a sender that could
// itself lead gets to open a group here.
func (h *Host) mayJoinOnTraffic(env *transport.Envelope) bool {
	switch env.Kind {
	case transport.KindAppendEntries, transport.KindSnapshotTransfer, transport.KindRaftControl:
	default:
		return false
	}
	if h.recentlyRemoved(env.AreaID) || !h.tracker.Eligible(env.From) {
		return false
	}
	a, err := h.registry.ResolveAuthority(env.AreaID)
	return err != nil || a.Contains(h.self)
}

// rejectSnapshot asks the leader to resend a snapshot that failed
// verification instead of installing it.
func (h *Host) rejectSnapshot(leader domain.NodeID, area domain.AreaID, snap *raftpb.Snapshot, cause error) {
	nack := transport.SnapshotNack{Reason: cause.Error()}
	if snap != nil {
		nack.RaftIndex = snap.Metadata.Index
	}
	metrics.SnapshotsTotal.WithLabelValues(string(area), "corrupt").Inc()
	h.logger.Warn("rejecting corrupt snapshot", "area", area, "leader", leader, "raft_index", nack.RaftIndex, "error", cause)
	h.send(&transport.Envelope{
		Kind:   transport.KindSnapshotNack,
		AreaID: area,
		To:     leader,
		Body:   nack.Marshal(),
	})
}

// receiveHeartbeat doubles as the identity handshake: the key in the body
// must hash to the sender id and verify the envelope.
func (h *Host) receiveHeartbeat(env *transport.Envelope) error {
	hb, err := transport.UnmarshalHeartbeat(env.Body)
	if err != nil {
		return err
	}
	if env.From == h.self {
		return nil
	}
	if identity.NodeIDFromPublicKey(hb.PublicKey) != env.From ||
		!identity.VerifyWithKey(hb.PublicKey, env.Signature, env.SigningBytes(), env.From) {
		metrics.RaftMessagesDropped.WithLabelValues("signature").Inc()
		h.tracker.RecordRejection(env.From)
		return fmt.Errorf("%w: heartbeat from %s", domain.ErrSignatureInvalid, env.From)
	}
	if _, err := h.keyring.Learn(hb.PublicKey); err != nil {
		return err
	}

	created := h.tracker.Observe(membership.Handshake{
		ID:        env.From,
		PublicKey: hb.PublicKey,
		Address:   hb.Address,
		Region:    hb.Region,
		Stake:     hb.Stake,
	})
	if h.tracker.IsBanned(env.From) {
		return fmt.Errorf("%w: %s", raft.ErrBanned, env.From)
	}
	if hb.Address != "" {
		h.transport.SetPeer(env.From, hb.Address)
	}
	h.resolver.Observe(env.From, hb.Digests)

	if created {
		h.sendHeartbeat(env.From)
		h.announceTo(env.From)
	}
	return nil
}

// learnArea merges a peer's announcement and starts the local replica when
// this node is named in it.
func (h *Host) learnArea(area domain.AreaID, ann transport.AreaAnnounce) {
	h.registry.Learn(registry.Authority{
		Area:       area,
		ReplicaSet: ann.Replicas,
		Voters:     ann.Replicas,
		Leader:     ann.Leader,
		Term:       ann.Term,
		Version:    ann.Version,
	})
	if _, ok := h.group(area); ok || !slices.Contains(ann.Replicas, h.self) || h.recentlyRemoved(area) {
		return
	}
	if _, err := h.ensureGroup(area, nil); err != nil {
		h.logger.Warn("failed to join announced area", "area", area, "error", err)
	}
}

// punish bans the offender named by verified evidence, rebalances its areas
// and spreads the evidence so every node reaches the same verdict.
func (h *Host) punish(ev transport.EquivocationEvidence) {
	reason := fmt.Sprintf("equivocation at term %d index %d", ev.Term, ev.Index)
	if !h.tracker.Ban(ev.Offender, reason) {
		return
	}
	if err := h.registry.EvictNode(ev.Offender); err != nil {
		h.logger.Warn("failed to rebalance after ban", "offender", ev.Offender, "error", err)
	}
	h.transport.RemovePeer(ev.Offender)

	body := ev.Marshal()
	for _, n := range h.tracker.Nodes() {
		if n.ID == h.self || n.Banned {
			continue
		}
		h.send(&transport.Envelope{
			Kind: transport.KindEquivocationEvidence,
			To:   n.ID,
			Body: body,
		})
	}
}

// SendFailed feeds undeliverable raft traffic back to the sending group.
func (h *Host) SendFailed(env *transport.Envelope, err error) {
	if !env.Kind.IsRaft() {
		h.logger.Debug("send failed", "kind", env.Kind, "to", env.To, "error", err)
		return
	}
	if g, ok := h.group(env.AreaID); ok {
		g.SendFailed(env.To, env.Kind == transport.KindSnapshotTransfer)
	}
}

func (h *Host) send(env *transport.Envelope) {
	env.Seal(h.key, time.Now())
	if err := h.transport.Send(env); err != nil {
		h.logger.Debug("send failed", "kind", env.Kind, "to", env.To, "error", err)
	}
}
