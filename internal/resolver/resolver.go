// Package resolver settles conflicting views of an area after partitions.
// The longer committed log under the higher term wins; nothing is merged.
package resolver

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"areastate/internal/domain"
	"areastate/internal/membership"
	"areastate/internal/metrics"
	"areastate/internal/raft"
	"areastate/internal/raft/ports"
	"areastate/internal/transport"
)

type Action int

const (
	None Action = iota
	StepDown
	RequestCatchUp
	TransferLeadership
)

func (a Action) String() string {
	switch a {
	case StepDown:
		return "step_down"
	case RequestCatchUp:
		return "catch_up"
	case TransferLeadership:
		return "transfer_leadership"
	default:
		return "none"
	}
}

// Group is the slice of a local replication group the resolver drives.
type Group interface {
	Status() raft.Status
	StepDown() bool
	TransferTo(target domain.NodeID) bool
	CatchUp(follower domain.NodeID) bool
}

type Lookup func(area domain.AreaID) (Group, bool)

type Ranker interface {
	Ranked() []membership.Node
	Get(id domain.NodeID) (membership.Node, bool)
	Eligible(id domain.NodeID) bool
}

type Config struct {
	PreferRankedLeader bool
	// RankMargin is how much heavier a voter must be before leadership moves
	// to it.
	RankMargin      float64
	CatchUpInterval time.Duration
}

type catchUp struct {
	policy *backoff.ExponentialBackOff
	next   time.Time
}

type Resolver struct {
	cfg    Config
	signer domain.Signer
	lookup Lookup
	ranker Ranker
	outbox ports.Outbox
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	pending map[domain.AreaID]*catchUp
}

func New(cfg Config, signer domain.Signer, lookup Lookup, ranker Ranker, outbox ports.Outbox) *Resolver {
	if cfg.CatchUpInterval <= 0 {
		cfg.CatchUpInterval = 500 * time.Millisecond
	}
	if cfg.RankMargin <= 0 {
		cfg.RankMargin = 0.25
	}
	return &Resolver{
		cfg:     cfg,
		signer:  signer,
		lookup:  lookup,
		ranker:  ranker,
		outbox:  outbox,
		now:     time.Now,
		logger:  slog.With("component", "resolver"),
		pending: make(map[domain.AreaID]*catchUp),
	}
}

// Observe evaluates the digests a peer announced and acts on every area both
// nodes host.
func (r *Resolver) Observe(from domain.NodeID, digests []transport.AreaDigest) {
	for _, d := range digests {
		r.Evaluate(from, d)
	}
}

// Evaluate compares one peer digest with the local group of the same area.
func (r *Resolver) Evaluate(from domain.NodeID, d transport.AreaDigest) Action {
	g, ok := r.lookup(d.Area)
	if !ok {
		return None
	}
	st := g.Status()

	if st.IsLeader() && d.Term > st.Term {
		err := fmt.Errorf("%w: area %s term %d, peer %s reports term %d", domain.ErrStaleLeader, d.Area, st.Term, from, d.Term)
		r.logger.Warn("stepping down", "area", d.Area, "error", err)
		g.StepDown()
		metrics.ResolverActions.WithLabelValues(StepDown.String()).Inc()
		return StepDown
	}

	if st.IsLeader() || d.Version <= st.Version {
		r.caughtUp(d.Area)
		return None
	}
	if d.Term < st.Term {
		return None
	}

	leader := st.Leader
	if leader == 0 {
		leader = d.Leader
	}
	if leader == 0 || leader == st.Self {
		return None
	}
	if !r.due(d.Area) {
		return None
	}

	req := transport.CatchUpRequest{Version: st.Version, Commit: st.Commit}
	env := &transport.Envelope{
		Kind:   transport.KindCatchUpRequest,
		AreaID: d.Area,
		To:     leader,
		Term:   st.Term,
		Body:   req.Marshal(),
	}
	env.Seal(r.signer, r.now())
	if err := r.outbox.Send(env); err != nil {
		r.logger.Debug("catch-up request not sent", "area", d.Area, "leader", leader, "error", err)
		return None
	}
	r.logger.Info("behind peer, requesting catch-up", "area", d.Area, "local_version", st.Version, "peer_version", d.Version, "leader", leader)
	metrics.ResolverActions.WithLabelValues(RequestCatchUp.String()).Inc()
	return RequestCatchUp
}

// due spaces repeated catch-up requests for the same area with exponential
// backoff until the area catches up.
func (r *Resolver) due(area domain.AreaID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c, ok := r.pending[area]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.CatchUpInterval
		b.MaxInterval = 20 * r.cfg.CatchUpInterval
		c = &catchUp{policy: b}
		r.pending[area] = c
	}
	if now.Before(c.next) {
		return false
	}
	c.next = now.Add(c.policy.NextBackOff())
	return true
}

func (r *Resolver) caughtUp(area domain.AreaID) {
	r.mu.Lock()
	delete(r.pending, area)
	r.mu.Unlock()
}

// HandleCatchUp runs on the leader when a follower reports it is behind.
func (r *Resolver) HandleCatchUp(from domain.NodeID, area domain.AreaID, req transport.CatchUpRequest) bool {
	g, ok := r.lookup(area)
	if !ok {
		return false
	}
	st := g.Status()
	if !st.IsLeader() || req.Version >= st.Version {
		return false
	}
	if !g.CatchUp(from) {
		return false
	}
	r.logger.Debug("re-probing lagging follower", "area", area, "follower", from, "follower_version", req.Version, "version", st.Version)
	return true
}

// Rebalance moves leadership of a locally led area away from this node when
// it is no longer eligible, or toward a much heavier caught-up voter when
// PreferRankedLeader is set.
func (r *Resolver) Rebalance(area domain.AreaID) Action {
	g, ok := r.lookup(area)
	if !ok {
		return None
	}
	st := g.Status()
	if !st.IsLeader() {
		return None
	}

	if !r.ranker.Eligible(st.Self) {
		if g.StepDown() {
			r.logger.Info("no longer eligible to lead, stepping down", "area", area)
			metrics.ResolverActions.WithLabelValues(StepDown.String()).Inc()
			return StepDown
		}
		return None
	}
	if !r.cfg.PreferRankedLeader {
		return None
	}

	self, ok := r.ranker.Get(st.Self)
	if !ok {
		return None
	}
	for _, n := range r.ranker.Ranked() {
		if n.ID == st.Self {
			// Everyone after this is lighter.
			return None
		}
		if !slices.Contains(st.Voters, n.ID) || n.Weight() < self.Weight()+r.cfg.RankMargin {
			continue
		}
		if g.TransferTo(n.ID) {
			r.logger.Info("handing leadership to higher-ranked voter", "area", area, "target", n.ID)
			metrics.ResolverActions.WithLabelValues(TransferLeadership.String()).Inc()
			return TransferLeadership
		}
	}
	return None
}
