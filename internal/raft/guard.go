package raft

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/raft/v3/raftpb"
	"lukechampine.com/blake3"

	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/metrics"
	"areastate/internal/raft/ops"
	"areastate/internal/transport"
)

var (
	ErrBanned              = errors.New("sender is banned")
	ErrSenderMismatch      = errors.New("raft sender does not match envelope signer")
	ErrIneligibleCandidate = errors.New("vote request from ineligible candidate")
	ErrEquivocation        = errors.New("conflicting entries from the same leader")
)

// Reputation is what the guard needs to know about peers.
type Reputation interface {
	IsBanned(id domain.NodeID) bool
	Known(id domain.NodeID) bool
	Eligible(id domain.NodeID) bool
}

type seenKey struct {
	area  domain.AreaID
	term  uint64
	index uint64
}

type seenEntry struct {
	signer   domain.NodeID
	hash     [32]byte
	envelope []byte
}

// Guard screens inbound raft envelopes before they reach a group. It is
// shared by every group on a host.
type Guard struct {
	keys  domain.Verifier
	peers Reputation
	limit int

	mu    sync.Mutex
	seen  map[seenKey]seenEntry
	order []seenKey
}

func NewGuard(keys domain.Verifier, peers Reputation, limit int) *Guard {
	if limit <= 0 {
		limit = 4096
	}
	return &Guard{
		keys:  keys,
		peers: peers,
		limit: limit,
		seen:  make(map[seenKey]seenEntry, limit),
	}
}

// Inspect verifies env and returns the raft message it carries. When the
// sender is caught equivocating the evidence is returned with
// ErrEquivocation.
func (g *Guard) Inspect(env *transport.Envelope) (raftpb.Message, *transport.EquivocationEvidence, error) {
	if g.peers.IsBanned(env.From) {
		metrics.RaftMessagesDropped.WithLabelValues("banned").Inc()
		return raftpb.Message{}, nil, fmt.Errorf("%w: %s", ErrBanned, env.From)
	}
	if !env.Verify(g.keys) {
		metrics.RaftMessagesDropped.WithLabelValues("signature").Inc()
		return raftpb.Message{}, nil, fmt.Errorf("%w: envelope from %s", domain.ErrSignatureInvalid, env.From)
	}

	m, err := env.RaftMessage()
	if err != nil {
		metrics.RaftMessagesDropped.WithLabelValues("malformed").Inc()
		return raftpb.Message{}, nil, err
	}
	if domain.NodeID(m.From) != env.From {
		metrics.RaftMessagesDropped.WithLabelValues("sender").Inc()
		return raftpb.Message{}, nil, fmt.Errorf("%w: %s vs %s", ErrSenderMismatch, domain.NodeID(m.From), env.From)
	}

	switch m.Type {
	case raftpb.MsgVote, raftpb.MsgPreVote:
		if g.peers.Known(env.From) && !g.peers.Eligible(env.From) {
			metrics.RaftMessagesDropped.WithLabelValues("ineligible").Inc()
			return raftpb.Message{}, nil, fmt.Errorf("%w: %s", ErrIneligibleCandidate, env.From)
		}
	case raftpb.MsgApp:
		if err := verifyProposers(env.AreaID, m.Entries); err != nil {
			metrics.RaftMessagesDropped.WithLabelValues("proposer").Inc()
			return raftpb.Message{}, nil, err
		}
		if ev := g.record(env, m.Entries); ev != nil {
			metrics.EquivocationsTotal.Inc()
			return raftpb.Message{}, ev, fmt.Errorf("%w: %s at term %d index %d", ErrEquivocation, ev.Offender, ev.Term, ev.Index)
		}
	case raftpb.MsgSnap:
		if m.Snapshot == nil {
			metrics.RaftMessagesDropped.WithLabelValues("snapshot").Inc()
			return m, nil, fmt.Errorf("%w: snapshot message without snapshot", domain.ErrSnapshotCorrupt)
		}
		if _, err := ops.DecodeSnapshot(env.AreaID, *m.Snapshot); err != nil {
			metrics.RaftMessagesDropped.WithLabelValues("snapshot").Inc()
			return m, nil, err
		}
	}
	return m, nil, nil
}

// verifyProposers checks the proposer signature of every change entry.
func verifyProposers(area domain.AreaID, entries []raftpb.Entry) error {
	for _, e := range entries {
		if e.Type != raftpb.EntryNormal || len(e.Data) == 0 {
			continue
		}
		kind, body, err := ops.DecodeEntry(e.Data)
		if err != nil || kind != ops.EntryChange {
			continue
		}
		le, err := domain.UnmarshalLogEntry(body)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", domain.ErrInvalidProposal, e.Index, err)
		}
		if le.AreaID != area {
			return fmt.Errorf("%w: entry %d belongs to area %s", domain.ErrInvalidProposal, e.Index, le.AreaID)
		}
		if !identity.VerifyWithKey(le.ProposerKey, le.Signature, le.SigningBytes(), le.Proposer) {
			return fmt.Errorf("%w: entry %d proposed by %s", domain.ErrSignatureInvalid, e.Index, le.Proposer)
		}
	}
	return nil
}

// record remembers the hash of every appended entry and returns evidence
// when the same signer already sent a different entry at the same position.
func (g *Guard) record(env *transport.Envelope, entries []raftpb.Entry) *transport.EquivocationEvidence {
	if len(entries) == 0 {
		return nil
	}
	raw := env.Marshal()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range entries {
		key := seenKey{area: env.AreaID, term: e.Term, index: e.Index}
		hash := entryHash(e)

		prev, ok := g.seen[key]
		if ok {
			if prev.signer == env.From && prev.hash != hash {
				return &transport.EquivocationEvidence{
					Offender: env.From,
					Term:     e.Term,
					Index:    e.Index,
					First:    prev.envelope,
					Second:   raw,
				}
			}
			continue
		}

		g.seen[key] = seenEntry{signer: env.From, hash: hash, envelope: raw}
		g.order = append(g.order, key)
		if len(g.order) > g.limit {
			delete(g.seen, g.order[0])
			g.order = g.order[1:]
		}
	}
	return nil
}

func entryHash(e raftpb.Entry) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte{byte(e.Type)})
	h.Write(e.Data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyEvidence checks evidence relayed by another node: both envelopes
// must be signed by the offender and disagree on the entry at (Term, Index).
func (g *Guard) VerifyEvidence(ev transport.EquivocationEvidence) error {
	first, err := g.evidenceEntry(ev, ev.First)
	if err != nil {
		return err
	}
	second, err := g.evidenceEntry(ev, ev.Second)
	if err != nil {
		return err
	}
	if first.Type == second.Type && bytes.Equal(first.Data, second.Data) {
		return fmt.Errorf("%w: evidence entries are identical", domain.ErrInvalidProposal)
	}
	return nil
}

func (g *Guard) evidenceEntry(ev transport.EquivocationEvidence, raw []byte) (raftpb.Entry, error) {
	env, err := transport.UnmarshalEnvelope(raw)
	if err != nil {
		return raftpb.Entry{}, err
	}
	if env.From != ev.Offender || !env.Verify(g.keys) {
		return raftpb.Entry{}, fmt.Errorf("%w: evidence envelope not signed by %s", domain.ErrSignatureInvalid, ev.Offender)
	}
	m, err := env.RaftMessage()
	if err != nil {
		return raftpb.Entry{}, err
	}
	for _, e := range m.Entries {
		if e.Term == ev.Term && e.Index == ev.Index {
			return e, nil
		}
	}
	return raftpb.Entry{}, fmt.Errorf("%w: evidence has no entry at term %d index %d", domain.ErrInvalidProposal, ev.Term, ev.Index)
}
