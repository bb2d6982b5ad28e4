// Package pipeline turns game-logic changes into signed log entries, routes
// them to the area's leader and reports each proposal's outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/metrics"
	"areastate/internal/raft"
	"areastate/internal/raft/ports"
	"areastate/internal/registry"
	"areastate/internal/statemachine"
	"areastate/internal/telemetry"
	"areastate/internal/transport"
	"areastate/internal/types"
)

// Proposal is a change submitted by the game-logic layer. ProposerID defaults
// to the local node and ProposalID to a fresh UUID.
type Proposal struct {
	AreaID     domain.AreaID
	ProposerID domain.NodeID
	Change     types.Change
	ProposalID string
}

// Group is the part of a local replication group the pipeline proposes to.
type Group interface {
	Propose(ctx context.Context, entry domain.LogEntry) error
}

type Groups interface {
	LocalGroup(area domain.AreaID) (Group, bool)
}

type Authorities interface {
	ResolveAuthority(area domain.AreaID) (registry.Authority, error)
}

type Bans interface {
	IsBanned(id domain.NodeID) bool
}

type Config struct {
	Timeout    time.Duration
	Retention  time.Duration
	GCInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Second
	}
	return c
}

// forwarded remembers which host sent a proposal this leader accepted.
type forwarded struct {
	origin domain.NodeID
	area   domain.AreaID
	at     time.Time
}

type Pipeline struct {
	cfg    Config
	signer domain.Signer
	groups Groups
	areas  Authorities
	bans   Bans
	outbox ports.Outbox
	tracer trace.Tracer
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Handle
	remote  map[string]forwarded
}

func New(cfg Config, signer domain.Signer, groups Groups, areas Authorities, bans Bans, outbox ports.Outbox) *Pipeline {
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		signer:  signer,
		groups:  groups,
		areas:   areas,
		bans:    bans,
		outbox:  outbox,
		tracer:  telemetry.Tracer(),
		logger:  slog.With("component", "pipeline"),
		pending: make(map[string]*Handle),
		remote:  make(map[string]forwarded),
	}
}

// Submit validates, signs and routes p. Validation failures return an error
// and no handle; anything after routing is reported through the handle.
func (p *Pipeline) Submit(ctx context.Context, prop Proposal) (*Handle, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(
		attribute.String("area", string(prop.AreaID)),
	))

	entry, err := p.prepare(prop)
	if err != nil {
		span.RecordError(err)
		span.End()
		metrics.ProposalsTotal.WithLabelValues(string(prop.AreaID), outcomeLabel(err)).Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("proposal_id", entry.ProposalID))

	p.mu.Lock()
	if h, ok := p.pending[entry.ProposalID]; ok {
		p.mu.Unlock()
		span.End()
		return h, nil
	}
	h := newHandle(entry.ProposalID, entry.AreaID, time.Now(), span)
	p.pending[h.ID] = h
	p.mu.Unlock()

	metrics.ProposalsInFlight.Inc()
	h.mu.Lock()
	h.timer = time.AfterFunc(p.cfg.Timeout, func() {
		if h.finish(Aborted, 0, fmt.Errorf("%w: %s after %s", domain.ErrProposalTimedOut, h.ID, p.cfg.Timeout)) {
			p.logger.Warn("proposal timed out", "area", h.Area, "proposal_id", h.ID)
		}
	})
	h.mu.Unlock()

	p.route(ctx, h, entry)
	return h, nil
}

func (p *Pipeline) prepare(prop Proposal) (domain.LogEntry, error) {
	self := p.signer.ID()
	if prop.ProposerID == 0 {
		prop.ProposerID = self
	}
	if prop.ProposerID != self {
		return domain.LogEntry{}, fmt.Errorf("%w: node %s cannot sign for %s", domain.ErrInvalidProposal, self, prop.ProposerID)
	}
	if p.bans.IsBanned(prop.ProposerID) {
		return domain.LogEntry{}, fmt.Errorf("%w: proposer %s is banned", domain.ErrInvalidProposal, prop.ProposerID)
	}
	if prop.Change == nil {
		return domain.LogEntry{}, fmt.Errorf("%w: empty change", domain.ErrInvalidProposal)
	}
	payload, err := types.EncodeChange(prop.Change)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("%w: %v", domain.ErrInvalidProposal, err)
	}

	auth, err := p.areas.ResolveAuthority(prop.AreaID)
	if err != nil {
		return domain.LogEntry{}, err
	}
	if auth.Degraded {
		return domain.LogEntry{}, fmt.Errorf("%w: area %s is degraded and read-only", domain.ErrQuorumUnavailable, prop.AreaID)
	}

	id := prop.ProposalID
	if id == "" {
		id = uuid.NewString()
	}
	entry := domain.LogEntry{
		AreaID:      prop.AreaID,
		ProposalID:  id,
		Payload:     payload,
		Proposer:    self,
		ProposerKey: p.signer.PublicKey(),
	}
	entry.Signature = p.signer.Sign(entry.SigningBytes())
	return entry, nil
}

// route proposes to the local leader group or forwards to the leader's host.
func (p *Pipeline) route(ctx context.Context, h *Handle, entry domain.LogEntry) {
	leader := domain.NodeID(0)
	if g, ok := p.groups.LocalGroup(entry.AreaID); ok {
		err := g.Propose(ctx, entry)
		if err == nil {
			h.setVoting()
			return
		}
		var nl *raft.NotLeaderError
		if !errors.As(err, &nl) {
			h.finish(Aborted, 0, err)
			return
		}
		leader = nl.Leader
	}

	if leader == 0 {
		if auth, err := p.areas.ResolveAuthority(entry.AreaID); err == nil {
			leader = auth.Leader
		}
	}
	if leader == 0 || leader == p.signer.ID() {
		h.finish(Aborted, 0, fmt.Errorf("%w: area %s has no reachable leader", domain.ErrQuorumUnavailable, entry.AreaID))
		return
	}

	env := &transport.Envelope{
		Kind:   transport.KindProposeChange,
		AreaID: entry.AreaID,
		To:     leader,
		Body:   entry.Marshal(),
	}
	env.Seal(p.signer, time.Now())
	if err := p.outbox.Send(env); err != nil {
		h.finish(Aborted, 0, fmt.Errorf("%w: forward to %s: %v", domain.ErrQuorumUnavailable, leader, err))
		return
	}
	h.setVoting()
	p.logger.Debug("forwarded proposal", "area", entry.AreaID, "proposal_id", entry.ProposalID, "leader", leader)
}

// HandleForwarded proposes an entry another host forwarded to this leader.
// Failures are reported back to the origin immediately.
func (p *Pipeline) HandleForwarded(ctx context.Context, env *transport.Envelope) error {
	entry, err := domain.UnmarshalLogEntry(env.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidProposal, err)
	}

	err = p.acceptForwarded(ctx, env, entry)
	if err != nil {
		p.logger.Debug("rejected forwarded proposal", "area", entry.AreaID, "proposal_id", entry.ProposalID, "from", env.From, "error", err)
		p.sendOutcome(env.From, entry.AreaID, transport.ProposalOutcome{
			ProposalID: entry.ProposalID,
			Code:       domain.CodeOf(err),
			Detail:     err.Error(),
		})
	}
	return err
}

func (p *Pipeline) acceptForwarded(ctx context.Context, env *transport.Envelope, entry domain.LogEntry) error {
	if entry.AreaID != env.AreaID {
		return fmt.Errorf("%w: entry for %s sent on %s", domain.ErrInvalidProposal, entry.AreaID, env.AreaID)
	}
	if !identity.VerifyWithKey(entry.ProposerKey, entry.Signature, entry.SigningBytes(), entry.Proposer) {
		return fmt.Errorf("%w: proposal %s", domain.ErrSignatureInvalid, entry.ProposalID)
	}
	if p.bans.IsBanned(entry.Proposer) {
		return fmt.Errorf("%w: proposer %s is banned", domain.ErrInvalidProposal, entry.Proposer)
	}
	if _, err := types.DecodeChange(entry.Payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidProposal, err)
	}
	if auth, err := p.areas.ResolveAuthority(entry.AreaID); err != nil {
		return err
	} else if auth.Degraded {
		return fmt.Errorf("%w: area %s is degraded and read-only", domain.ErrQuorumUnavailable, entry.AreaID)
	}

	g, ok := p.groups.LocalGroup(entry.AreaID)
	if !ok {
		return fmt.Errorf("%w: area %s not hosted here", domain.ErrQuorumUnavailable, entry.AreaID)
	}

	p.mu.Lock()
	p.remote[entry.ProposalID] = forwarded{origin: env.From, area: entry.AreaID, at: time.Now()}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := g.Propose(ctx, entry); err != nil {
		p.mu.Lock()
		delete(p.remote, entry.ProposalID)
		p.mu.Unlock()
		var nl *raft.NotLeaderError
		if errors.As(err, &nl) {
			return fmt.Errorf("%w: %v", domain.ErrQuorumUnavailable, err)
		}
		return err
	}
	return nil
}

// Resolve reports a committed entry. Every replica calls it on apply; the
// host that accepted a forwarded proposal also notifies its origin.
func (p *Pipeline) Resolve(entry domain.LogEntry, res statemachine.Result) {
	p.mu.Lock()
	h := p.pending[entry.ProposalID]
	fw, remote := p.remote[entry.ProposalID]
	if remote {
		delete(p.remote, entry.ProposalID)
	}
	p.mu.Unlock()

	if h != nil && h.Area == entry.AreaID {
		if res.Applied {
			h.finish(Committed, res.Seq, nil)
		} else {
			h.finish(Aborted, res.Seq, fmt.Errorf("%w: %s", domain.ErrInvalidProposal, res.Reason))
		}
	}

	if remote && fw.area == entry.AreaID && fw.origin != p.signer.ID() {
		out := transport.ProposalOutcome{
			ProposalID: entry.ProposalID,
			Seq:        res.Seq,
			Applied:    res.Applied,
			Reason:     res.Reason,
		}
		if !res.Applied {
			out.Code = domain.CodeInvalidProposal
		}
		p.sendOutcome(fw.origin, entry.AreaID, out)
	}
}

// HandleOutcome resolves a local handle from the leader host's report.
func (p *Pipeline) HandleOutcome(area domain.AreaID, out transport.ProposalOutcome) {
	p.mu.Lock()
	h := p.pending[out.ProposalID]
	p.mu.Unlock()
	if h == nil || h.Area != area {
		return
	}

	if out.Applied {
		h.finish(Committed, out.Seq, nil)
		return
	}
	err := domain.ErrorFromCode(out.Code, out.Detail)
	if err == nil || out.Detail == "" && out.Reason != "" {
		err = fmt.Errorf("%w: %s", domain.ErrInvalidProposal, out.Reason)
	}
	h.finish(Aborted, out.Seq, err)
}

func (p *Pipeline) sendOutcome(to domain.NodeID, area domain.AreaID, out transport.ProposalOutcome) {
	env := &transport.Envelope{
		Kind:   transport.KindProposalOutcome,
		AreaID: area,
		To:     to,
		Body:   out.Marshal(),
	}
	env.Seal(p.signer, time.Now())
	if err := p.outbox.Send(env); err != nil {
		p.logger.Warn("failed to send proposal outcome", "to", to, "proposal_id", out.ProposalID, "error", err)
	}
}

// Get returns a tracked handle by proposal id.
func (p *Pipeline) Get(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.pending[id]
	return h, ok
}

func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run collects terminal handles until ctx ends.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.abortAll()
			return
		case now := <-ticker.C:
			p.gc(now)
		}
	}
}

func (p *Pipeline) gc(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, h := range p.pending {
		if h.expired(now, p.cfg.Retention) {
			delete(p.pending, id)
			removed++
		}
	}
	for id, fw := range p.remote {
		if now.Sub(fw.at) >= p.cfg.Retention {
			delete(p.remote, id)
		}
	}
	if removed > 0 {
		p.logger.Debug("collected proposals", "removed", removed, "remaining", len(p.pending))
	}
}

func (p *Pipeline) abortAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.pending))
	for _, h := range p.pending {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.finish(Aborted, 0, domain.ErrShuttingDown)
	}
}
