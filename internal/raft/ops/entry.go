package ops

import (
	"errors"
	"fmt"

	"areastate/internal/domain"
	"areastate/internal/wire"
)

// EntryKind tags the data of a normal raft entry.
type EntryKind byte

const (
	EntryChange EntryKind = iota + 1
	EntrySnapshotBarrier
	EntryTruncateBarrier
)

func (k EntryKind) String() string {
	switch k {
	case EntryChange:
		return "change"
	case EntrySnapshotBarrier:
		return "snapshot_barrier"
	case EntryTruncateBarrier:
		return "truncate_barrier"
	default:
		return fmt.Sprintf("entry(%d)", byte(k))
	}
}

var ErrUnknownEntry = errors.New("unknown entry kind")

func EncodeEntry(kind EntryKind, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(kind))
	return append(out, body...)
}

func DecodeEntry(data []byte) (EntryKind, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: empty entry", ErrUnknownEntry)
	}
	kind := EntryKind(data[0])
	switch kind {
	case EntryChange, EntrySnapshotBarrier, EntryTruncateBarrier:
		return kind, data[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownEntry, data[0])
	}
}

func EncodeChangeEntry(e domain.LogEntry) []byte {
	return EncodeEntry(EntryChange, e.Marshal())
}

// Truncate is the body of a TruncateBarrier: the snapshot every voter
// acknowledged.
type Truncate struct {
	Version   uint64
	RaftIndex uint64
}

func EncodeTruncateEntry(t Truncate) []byte {
	enc := wire.NewEncoder(24)
	enc.Uint(1, t.Version)
	enc.Uint(2, t.RaftIndex)
	return EncodeEntry(EntryTruncateBarrier, enc.Encoded())
}

func DecodeTruncate(body []byte) (Truncate, error) {
	var t Truncate
	err := wire.Decode(body, func(f wire.Field) error {
		switch f.Num {
		case 1:
			t.Version = f.Uint()
		case 2:
			t.RaftIndex = f.Uint()
		}
		return nil
	})
	if err != nil {
		return Truncate{}, fmt.Errorf("decode truncate barrier: %w", err)
	}
	return t, nil
}
