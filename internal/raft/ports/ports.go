// Package ports declares the narrow seams between an area group and etcd raft,
// its WAL storage and the peer transport, so the group can run against fakes.
package ports

import (
	"context"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/transport"
)

// RaftNode is the subset of etcdraft.Node an area group drives.
type RaftNode interface {
	Tick()
	Campaign(ctx context.Context) error
	Propose(ctx context.Context, data []byte) error
	ProposeConfChange(ctx context.Context, cc raftpb.ConfChangeI) error
	Step(ctx context.Context, msg raftpb.Message) error
	Ready() <-chan etcdraft.Ready
	Advance()
	ApplyConfChange(cc raftpb.ConfChangeI) *raftpb.ConfState
	TransferLeadership(ctx context.Context, lead, transferee uint64)
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status etcdraft.SnapshotStatus)
	Status() etcdraft.Status
	Stop()
}

var _ RaftNode = etcdraft.Node(nil)

type WALStorage interface {
	SaveReady(rd etcdraft.Ready) error
	SaveConfState(cs raftpb.ConfState) error
	CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	SaveSnapshot(snap raftpb.Snapshot) error
	Compact(index uint64) error
	SnapshotIndex() uint64
	Snapshot() raftpb.Snapshot
	ConfState() raftpb.ConfState
	Close() error
}

// Outbox hands signed envelopes to the transport.
type Outbox interface {
	Send(env *transport.Envelope) error
}
