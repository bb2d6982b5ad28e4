package transport

import (
	"fmt"

	"areastate/internal/domain"
	"areastate/internal/wire"
)

// AreaDigest summarizes one hosted area on a heartbeat.
type AreaDigest struct {
	Area    domain.AreaID
	Term    uint64
	Leader  domain.NodeID
	Version uint64
	Commit  uint64
}

// Heartbeat doubles as the identity handshake: the public key lets receivers
// learn and check the sender's node id.
type Heartbeat struct {
	PublicKey []byte
	Address   string
	Region    string
	Stake     float64
	Digests   []AreaDigest
}

func (h *Heartbeat) Marshal() []byte {
	enc := wire.NewEncoder(96 + 40*len(h.Digests))
	enc.Bytes(1, h.PublicKey)
	enc.String(2, h.Address)
	enc.String(3, h.Region)
	enc.Float(4, h.Stake)
	for _, d := range h.Digests {
		enc.Message(5, func(m *wire.Encoder) {
			m.String(1, string(d.Area))
			m.Uint(2, d.Term)
			m.Uint(3, uint64(d.Leader))
			m.Uint(4, d.Version)
			m.Uint(5, d.Commit)
		})
	}
	return enc.Encoded()
}

func UnmarshalHeartbeat(b []byte) (Heartbeat, error) {
	var h Heartbeat
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			h.PublicKey = f.Bytes()
		case 2:
			h.Address = f.String()
		case 3:
			h.Region = f.String()
		case 4:
			h.Stake = f.Float()
		case 5:
			var d AreaDigest
			if err := wire.Decode(f.Bytes(), func(g wire.Field) error {
				switch g.Num {
				case 1:
					d.Area = domain.AreaID(g.String())
				case 2:
					d.Term = g.Uint()
				case 3:
					d.Leader = domain.NodeID(g.Uint())
				case 4:
					d.Version = g.Uint()
				case 5:
					d.Commit = g.Uint()
				}
				return nil
			}); err != nil {
				return err
			}
			h.Digests = append(h.Digests, d)
		}
		return nil
	})
	if err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return h, nil
}

// ProposalOutcome tells a forwarding host how its proposal ended.
type ProposalOutcome struct {
	ProposalID string
	Seq        uint64
	Applied    bool
	Reason     string
	Code       domain.ErrorCode
	Detail     string
}

func (o *ProposalOutcome) Marshal() []byte {
	enc := wire.NewEncoder(64 + len(o.Reason) + len(o.Detail))
	enc.String(1, o.ProposalID)
	enc.Uint(2, o.Seq)
	enc.Bool(3, o.Applied)
	enc.String(4, o.Reason)
	enc.Uint(5, uint64(o.Code))
	enc.String(6, o.Detail)
	return enc.Encoded()
}

func UnmarshalProposalOutcome(b []byte) (ProposalOutcome, error) {
	var o ProposalOutcome
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			o.ProposalID = f.String()
		case 2:
			o.Seq = f.Uint()
		case 3:
			o.Applied = f.Bool()
		case 4:
			o.Reason = f.String()
		case 5:
			o.Code = domain.ErrorCode(f.Uint())
		case 6:
			o.Detail = f.String()
		}
		return nil
	})
	if err != nil {
		return ProposalOutcome{}, fmt.Errorf("decode proposal outcome: %w", err)
	}
	return o, nil
}

type SnapshotAck struct {
	Version   uint64
	RaftIndex uint64
	Hash      []byte
}

func (a *SnapshotAck) Marshal() []byte {
	enc := wire.NewEncoder(64)
	enc.Uint(1, a.Version)
	enc.Uint(2, a.RaftIndex)
	enc.Bytes(3, a.Hash)
	return enc.Encoded()
}

func UnmarshalSnapshotAck(b []byte) (SnapshotAck, error) {
	var a SnapshotAck
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			a.Version = f.Uint()
		case 2:
			a.RaftIndex = f.Uint()
		case 3:
			a.Hash = f.Bytes()
		}
		return nil
	})
	if err != nil {
		return SnapshotAck{}, fmt.Errorf("decode snapshot ack: %w", err)
	}
	return a, nil
}

// SnapshotNack asks the leader to resend a snapshot that failed verification.
type SnapshotNack struct {
	RaftIndex uint64
	Reason    string
}

func (n *SnapshotNack) Marshal() []byte {
	enc := wire.NewEncoder(32 + len(n.Reason))
	enc.Uint(1, n.RaftIndex)
	enc.String(2, n.Reason)
	return enc.Encoded()
}

func UnmarshalSnapshotNack(b []byte) (SnapshotNack, error) {
	var n SnapshotNack
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n.RaftIndex = f.Uint()
		case 2:
			n.Reason = f.String()
		}
		return nil
	})
	if err != nil {
		return SnapshotNack{}, fmt.Errorf("decode snapshot nack: %w", err)
	}
	return n, nil
}

// AreaAnnounce publishes an area's authority so non-replicas can route.
type AreaAnnounce struct {
	Replicas []domain.NodeID
	Leader   domain.NodeID
	Term     uint64
	Version  uint64
}

func (a *AreaAnnounce) Marshal() []byte {
	enc := wire.NewEncoder(32 + 10*len(a.Replicas))
	for _, id := range a.Replicas {
		enc.Message(1, func(m *wire.Encoder) { m.Uint(1, uint64(id)) })
	}
	enc.Uint(2, uint64(a.Leader))
	enc.Uint(3, a.Term)
	enc.Uint(4, a.Version)
	return enc.Encoded()
}

func UnmarshalAreaAnnounce(b []byte) (AreaAnnounce, error) {
	var a AreaAnnounce
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			var id uint64
			if err := wire.Decode(f.Bytes(), func(g wire.Field) error {
				if g.Num == 1 {
					id = g.Uint()
				}
				return nil
			}); err != nil {
				return err
			}
			a.Replicas = append(a.Replicas, domain.NodeID(id))
		case 2:
			a.Leader = domain.NodeID(f.Uint())
		case 3:
			a.Term = f.Uint()
		case 4:
			a.Version = f.Uint()
		}
		return nil
	})
	if err != nil {
		return AreaAnnounce{}, fmt.Errorf("decode area announce: %w", err)
	}
	return a, nil
}

// EquivocationEvidence carries two envelopes signed by the same offender that
// assign different entries to the same (area, term, index).
type EquivocationEvidence struct {
	Offender domain.NodeID
	Term     uint64
	Index    uint64
	First    []byte
	Second   []byte
}

func (e *EquivocationEvidence) Marshal() []byte {
	enc := wire.NewEncoder(len(e.First) + len(e.Second) + 48)
	enc.Uint(1, uint64(e.Offender))
	enc.Uint(2, e.Term)
	enc.Uint(3, e.Index)
	enc.Bytes(4, e.First)
	enc.Bytes(5, e.Second)
	return enc.Encoded()
}

func UnmarshalEquivocationEvidence(b []byte) (EquivocationEvidence, error) {
	var e EquivocationEvidence
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			e.Offender = domain.NodeID(f.Uint())
		case 2:
			e.Term = f.Uint()
		case 3:
			e.Index = f.Uint()
		case 4:
			e.First = f.Bytes()
		case 5:
			e.Second = f.Bytes()
		}
		return nil
	})
	if err != nil {
		return EquivocationEvidence{}, fmt.Errorf("decode equivocation evidence: %w", err)
	}
	return e, nil
}

// CatchUpRequest tells the leader a replica is behind.
type CatchUpRequest struct {
	Version uint64
	Commit  uint64
}

func (c *CatchUpRequest) Marshal() []byte {
	enc := wire.NewEncoder(24)
	enc.Uint(1, c.Version)
	enc.Uint(2, c.Commit)
	return enc.Encoded()
}

func UnmarshalCatchUpRequest(b []byte) (CatchUpRequest, error) {
	var c CatchUpRequest
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.Version = f.Uint()
		case 2:
			c.Commit = f.Uint()
		}
		return nil
	})
	if err != nil {
		return CatchUpRequest{}, fmt.Errorf("decode catch-up request: %w", err)
	}
	return c, nil
}
