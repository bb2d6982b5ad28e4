package domain

import (
	"bytes"
	"fmt"
	"time"

	"areastate/internal/wire"

	"lukechampine.com/blake3"
)

// Snapshot is a hash-chained serialized area state at a committed version.
type Snapshot struct {
	AreaID    AreaID
	Version   uint64
	RaftIndex uint64
	RaftTerm  uint64
	State     []byte
	Hash      []byte
	PrevHash  []byte
	CreatedAt time.Time
}

func HashBlob(b []byte) []byte {
	sum := blake3.Sum256(b)
	return sum[:]
}

// StateHash is the digest of the serialized state alone. Replicas compare it
// to prove they hold the same state at a barrier, whatever their chain history.
func (s *Snapshot) StateHash() []byte {
	return HashBlob(s.State)
}

// linkHash binds the snapshot's position, its predecessor and its state into
// one digest, so every link vouches for the whole chain before it.
func (s *Snapshot) linkHash() []byte {
	enc := wire.NewEncoder(128)
	enc.String(1, string(s.AreaID))
	enc.Uint(2, s.Version)
	enc.Uint(3, s.RaftIndex)
	enc.Uint(4, s.RaftTerm)
	enc.Bytes(5, s.PrevHash)
	enc.Bytes(6, s.StateHash())
	return HashBlob(enc.Encoded())
}

// Seal links the snapshot to prevHash and computes its chain hash. Any later
// change to the state or the position fields breaks Verify.
func (s *Snapshot) Seal(prevHash []byte) {
	s.PrevHash = append([]byte(nil), prevHash...)
	s.Hash = s.linkHash()
}

// Verify checks the state and metadata against the recorded hash.
func (s *Snapshot) Verify() error {
	if len(s.Hash) == 0 {
		return fmt.Errorf("%w: area %s version %d has no hash", ErrSnapshotCorrupt, s.AreaID, s.Version)
	}
	if !bytes.Equal(s.linkHash(), s.Hash) {
		return fmt.Errorf("%w: area %s version %d hash mismatch", ErrSnapshotCorrupt, s.AreaID, s.Version)
	}
	return nil
}

// VerifyLink checks that s follows prev in the chain. prev must verify on its
// own; s.PrevHash then pins prev's whole history.
func (s *Snapshot) VerifyLink(prev *Snapshot) error {
	if prev == nil {
		return nil
	}
	if err := prev.Verify(); err != nil {
		return err
	}
	switch {
	case prev.AreaID != s.AreaID:
		return fmt.Errorf("%w: area %s snapshot links to area %s", ErrSnapshotCorrupt, s.AreaID, prev.AreaID)
	case prev.Version >= s.Version:
		return fmt.Errorf("%w: area %s version %d follows version %d",
			ErrSnapshotCorrupt, s.AreaID, s.Version, prev.Version)
	case !bytes.Equal(s.PrevHash, prev.Hash):
		return fmt.Errorf("%w: area %s version %d does not link to version %d",
			ErrSnapshotCorrupt, s.AreaID, s.Version, prev.Version)
	}
	return nil
}

func (s *Snapshot) Marshal() []byte {
	enc := wire.NewEncoder(len(s.State) + 160)
	enc.String(1, string(s.AreaID))
	enc.Uint(2, s.Version)
	enc.Uint(3, s.RaftIndex)
	enc.Uint(4, s.RaftTerm)
	enc.Bytes(5, s.State)
	enc.Bytes(6, s.Hash)
	enc.Bytes(7, s.PrevHash)
	enc.Int(8, s.CreatedAt.UnixMilli())
	return enc.Encoded()
}

func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	var created int64
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			s.AreaID = AreaID(f.String())
		case 2:
			s.Version = f.Uint()
		case 3:
			s.RaftIndex = f.Uint()
		case 4:
			s.RaftTerm = f.Uint()
		case 5:
			s.State = f.Bytes()
		case 6:
			s.Hash = f.Bytes()
		case 7:
			s.PrevHash = f.Bytes()
		case 8:
			created = f.Int()
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if created != 0 {
		s.CreatedAt = time.UnixMilli(created).UTC()
	}
	return s, nil
}
