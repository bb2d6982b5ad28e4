// Package transport carries signed envelopes between nodes. Delivery is
// at-least-once and unordered across peers; receivers verify before use.
package transport

import (
	"fmt"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"areastate/internal/domain"
	"areastate/internal/wire"
)

type Kind uint32

const (
	KindUnknown Kind = iota
	KindRequestVote
	KindVoteResponse
	KindAppendEntries
	KindAppendResponse
	KindHeartbeat
	KindSnapshotTransfer
	KindProposeChange
	KindRaftControl
	KindSnapshotAck
	KindSnapshotNack
	KindProposalOutcome
	KindAreaAnnounce
	KindEquivocationEvidence
	KindCatchUpRequest
)

var kindNames = map[Kind]string{
	KindRequestVote:          "request_vote",
	KindVoteResponse:         "vote_response",
	KindAppendEntries:        "append_entries",
	KindAppendResponse:       "append_response",
	KindHeartbeat:            "heartbeat",
	KindSnapshotTransfer:     "snapshot_transfer",
	KindProposeChange:        "propose_change",
	KindRaftControl:          "raft_control",
	KindSnapshotAck:          "snapshot_ack",
	KindSnapshotNack:         "snapshot_nack",
	KindProposalOutcome:      "proposal_outcome",
	KindAreaAnnounce:         "area_announce",
	KindEquivocationEvidence: "equivocation_evidence",
	KindCatchUpRequest:       "catch_up_request",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// IsRaft reports whether the body is a marshalled raftpb.Message.
func (k Kind) IsRaft() bool {
	switch k {
	case KindRequestVote, KindVoteResponse, KindAppendEntries, KindAppendResponse,
		KindSnapshotTransfer, KindRaftControl:
		return true
	default:
		return false
	}
}

func KindForRaft(t raftpb.MessageType) Kind {
	switch t {
	case raftpb.MsgVote, raftpb.MsgPreVote:
		return KindRequestVote
	case raftpb.MsgVoteResp, raftpb.MsgPreVoteResp:
		return KindVoteResponse
	case raftpb.MsgApp:
		return KindAppendEntries
	case raftpb.MsgAppResp:
		return KindAppendResponse
	case raftpb.MsgSnap:
		return KindSnapshotTransfer
	default:
		return KindRaftControl
	}
}

type Envelope struct {
	Kind      Kind
	AreaID    domain.AreaID
	From      domain.NodeID
	To        domain.NodeID
	Term      uint64
	Body      []byte
	SentAt    time.Time
	Signature []byte
}

// SigningBytes covers every field but the signature.
func (e *Envelope) SigningBytes() []byte {
	enc := wire.NewEncoder(len(e.Body) + 64)
	e.encodeHeader(enc)
	return enc.Encoded()
}

func (e *Envelope) encodeHeader(enc *wire.Encoder) {
	enc.Uint(1, uint64(e.Kind))
	enc.String(2, string(e.AreaID))
	enc.Uint(3, uint64(e.From))
	enc.Uint(4, uint64(e.To))
	enc.Uint(5, e.Term)
	enc.Bytes(6, e.Body)
	if !e.SentAt.IsZero() {
		enc.Int(7, e.SentAt.UnixNano())
	}
}

func (e *Envelope) Marshal() []byte {
	enc := wire.NewEncoder(len(e.Body) + len(e.Signature) + 80)
	e.encodeHeader(enc)
	enc.Bytes(8, e.Signature)
	return enc.Encoded()
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			e.Kind = Kind(f.Uint())
		case 2:
			e.AreaID = domain.AreaID(f.String())
		case 3:
			e.From = domain.NodeID(f.Uint())
		case 4:
			e.To = domain.NodeID(f.Uint())
		case 5:
			e.Term = f.Uint()
		case 6:
			e.Body = f.Bytes()
		case 7:
			e.SentAt = time.Unix(0, f.Int())
		case 8:
			e.Signature = f.Bytes()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Seal stamps the sender and signs the envelope.
func (e *Envelope) Seal(s domain.Signer, now time.Time) {
	e.From = s.ID()
	e.SentAt = now
	e.Signature = s.Sign(e.SigningBytes())
}

func (e *Envelope) Verify(v domain.Verifier) bool {
	if e.From == 0 || len(e.Signature) == 0 {
		return false
	}
	return v.Verify(e.Signature, e.SigningBytes(), e.From)
}

// RaftMessage decodes the body of a raft-carrying envelope.
func (e *Envelope) RaftMessage() (raftpb.Message, error) {
	var m raftpb.Message
	if !e.Kind.IsRaft() {
		return m, fmt.Errorf("envelope kind %s carries no raft message", e.Kind)
	}
	if err := m.Unmarshal(e.Body); err != nil {
		return m, fmt.Errorf("decode raft message: %w", err)
	}
	return m, nil
}

// FromRaft wraps an outgoing raft message. Node ids in the message are the
// raft ids of the area group, which equal node ids.
func FromRaft(area domain.AreaID, m raftpb.Message) (*Envelope, error) {
	body, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode raft message: %w", err)
	}
	return &Envelope{
		Kind:   KindForRaft(m.Type),
		AreaID: area,
		From:   domain.NodeID(m.From),
		To:     domain.NodeID(m.To),
		Term:   m.Term,
		Body:   body,
	}, nil
}
