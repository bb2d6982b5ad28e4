package ops

import (
	"fmt"

	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
)

func ValidateSnapshot(snap raftpb.Snapshot) error {
	if snap.Metadata.Index == 0 {
		return fmt.Errorf("snapshot index is zero")
	}
	if snap.Metadata.Term == 0 {
		return fmt.Errorf("snapshot term is zero")
	}
	return nil
}

// DecodeSnapshot extracts and verifies the area snapshot carried in a raft
// snapshot. The chain hash must match and the snapshot must describe the same
// raft position as its metadata.
func DecodeSnapshot(area domain.AreaID, snap raftpb.Snapshot) (domain.Snapshot, error) {
	if err := ValidateSnapshot(snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	if len(snap.Data) == 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: raft snapshot %d carries no area state",
			domain.ErrSnapshotCorrupt, snap.Metadata.Index)
	}

	s, err := domain.UnmarshalSnapshot(snap.Data)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if s.AreaID != area {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot for area %s delivered to %s",
			domain.ErrSnapshotCorrupt, s.AreaID, area)
	}
	if s.RaftIndex != snap.Metadata.Index || s.RaftTerm != snap.Metadata.Term {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot at %d/%d but metadata says %d/%d",
			domain.ErrSnapshotCorrupt, s.RaftIndex, s.RaftTerm, snap.Metadata.Index, snap.Metadata.Term)
	}
	if err := s.Verify(); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}
