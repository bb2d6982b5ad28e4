package domain

import "context"

type Signer interface {
	ID() NodeID
	PublicKey() []byte
	Sign(payload []byte) []byte
}

type Verifier interface {
	Verify(signature, payload []byte, nodeID NodeID) bool
}

// LogStore is the durable committed change log of every hosted area.
type LogStore interface {
	AppendLog(area AreaID, entry LogEntry) error
	LoadLog(area AreaID) ([]LogEntry, error)
	TruncateLog(area AreaID, upTo uint64) error
	ResetLog(area AreaID, after uint64) error
}

// SnapshotStore persists hash-chained snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, area AreaID) (*Snapshot, error)
	LoadSnapshotAt(ctx context.Context, area AreaID, version uint64) (*Snapshot, error)
	InstallSnapshot(ctx context.Context, snap Snapshot) error
}
