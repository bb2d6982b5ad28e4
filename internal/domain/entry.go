package domain

import (
	"fmt"

	"areastate/internal/wire"
)

// LogEntry is one committed change of an area. Seq, RaftIndex and RaftTerm are
// assigned when the entry is applied; the proposer signs everything else.
type LogEntry struct {
	AreaID      AreaID
	ProposalID  string
	Seq         uint64
	Payload     []byte
	Proposer    NodeID
	ProposerKey []byte
	Signature   []byte
	RaftIndex   uint64
	RaftTerm    uint64
}

func (e *LogEntry) SigningBytes() []byte {
	enc := wire.NewEncoder(len(e.Payload) + 96)
	enc.String(1, string(e.AreaID))
	enc.String(2, e.ProposalID)
	enc.Bytes(3, e.Payload)
	enc.Uint(4, uint64(e.Proposer))
	enc.Bytes(5, e.ProposerKey)
	return enc.Encoded()
}

func (e *LogEntry) Marshal() []byte {
	enc := wire.NewEncoder(len(e.Payload) + len(e.Signature) + 128)
	enc.String(1, string(e.AreaID))
	enc.String(2, e.ProposalID)
	enc.Uint(3, e.Seq)
	enc.Bytes(4, e.Payload)
	enc.Uint(5, uint64(e.Proposer))
	enc.Bytes(6, e.ProposerKey)
	enc.Bytes(7, e.Signature)
	enc.Uint(8, e.RaftIndex)
	enc.Uint(9, e.RaftTerm)
	return enc.Encoded()
}

func UnmarshalLogEntry(data []byte) (LogEntry, error) {
	var e LogEntry
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			e.AreaID = AreaID(f.String())
		case 2:
			e.ProposalID = f.String()
		case 3:
			e.Seq = f.Uint()
		case 4:
			e.Payload = f.Bytes()
		case 5:
			e.Proposer = NodeID(f.Uint())
		case 6:
			e.ProposerKey = f.Bytes()
		case 7:
			e.Signature = f.Bytes()
		case 8:
			e.RaftIndex = f.Uint()
		case 9:
			e.RaftTerm = f.Uint()
		}
		return nil
	})
	if err != nil {
		return LogEntry{}, fmt.Errorf("decode log entry: %w", err)
	}
	return e, nil
}
