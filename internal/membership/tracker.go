package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"areastate/internal/domain"
	"areastate/internal/metrics"
)

var ErrUnknownNode = errors.New("unknown node")

type Config struct {
	HeartbeatInterval    time.Duration
	SuspectAfter         int
	DeadAfter            int
	InitialParticipation float64
	ParticipationStep    float64
	RejectionPenalty     float64
	UptimeAlpha          float64
	MinLeaderTrust       float64
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    5 * time.Second,
		SuspectAfter:         3,
		DeadAfter:            10,
		InitialParticipation: 0.5,
		ParticipationStep:    0.02,
		RejectionPenalty:     0.2,
		UptimeAlpha:          0.1,
		MinLeaderTrust:       0.3,
	}
}

type view struct {
	nodes  map[domain.NodeID]Node
	ranked []Node
}

// Tracker keeps liveness and reputation for every known node. Readers load an
// immutable view; writers rebuild it under mu.
type Tracker struct {
	cfg    Config
	self   domain.NodeID
	now    func() time.Time
	mu     sync.Mutex
	cur    atomic.Pointer[view]
	events chan NodeEvent
	logger *slog.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(cfg Config, self Handshake, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		self:   self.ID,
		now:    time.Now,
		events: make(chan NodeEvent, 1024),
		logger: slog.With("component", "membership", "node_id", self.ID),
	}
	for _, o := range opts {
		o(t)
	}

	n := t.fresh(self)
	t.cur.Store(t.build(map[domain.NodeID]Node{self.ID: n}))
	return t
}

func (t *Tracker) Self() domain.NodeID { return t.self }

func (t *Tracker) Events() <-chan NodeEvent { return t.events }

func (t *Tracker) fresh(h Handshake) Node {
	stake := h.Stake
	if stake <= 0 {
		stake = 1
	}
	return Node{
		ID:            h.ID,
		PublicKey:     append([]byte(nil), h.PublicKey...),
		Address:       h.Address,
		Region:        h.Region,
		Stake:         stake,
		Liveness:      Alive,
		Uptime:        1,
		Participation: t.cfg.InitialParticipation,
		LastSeen:      t.now(),
	}
}

// Observe records a verified handshake. It counts as a heartbeat and returns
// true when the node was not known before.
func (t *Tracker) Observe(h Handshake) bool {
	if h.ID == 0 {
		return false
	}
	var created bool
	t.mutate(func(nodes map[domain.NodeID]Node) []NodeEvent {
		n, ok := nodes[h.ID]
		if !ok {
			created = true
			nodes[h.ID] = t.fresh(h)
			t.logger.Info("node joined", "peer", h.ID, "address", h.Address, "region", h.Region)
			return []NodeEvent{{Node: h.ID, Liveness: Alive}}
		}
		if h.Address != "" {
			n.Address = h.Address
		}
		if h.Region != "" {
			n.Region = h.Region
		}
		if h.Stake > 0 {
			n.Stake = h.Stake
		}
		if len(n.PublicKey) == 0 {
			n.PublicKey = append([]byte(nil), h.PublicKey...)
		}
		ev := t.seen(&n, t.now())
		nodes[h.ID] = n
		return ev
	})
	return created
}

func (t *Tracker) Heartbeat(id domain.NodeID, ts time.Time) error {
	var err error
	t.mutate(func(nodes map[domain.NodeID]Node) []NodeEvent {
		n, ok := nodes[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownNode, id)
			return nil
		}
		ev := t.seen(&n, ts)
		nodes[id] = n
		return ev
	})
	return err
}

func (t *Tracker) seen(n *Node, ts time.Time) []NodeEvent {
	if ts.After(n.LastSeen) {
		n.LastSeen = ts
	}
	n.Missed = 0
	if n.Liveness == Alive {
		return nil
	}
	t.logger.Info("node back alive", "peer", n.ID, "was", n.Liveness)
	n.Liveness = Alive
	return []NodeEvent{{Node: n.ID, Liveness: Alive, Banned: n.Banned}}
}

// Check advances liveness from elapsed heartbeat intervals and folds the
// result into each node's uptime average.
func (t *Tracker) Check(now time.Time) {
	interval := t.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	t.mutate(func(nodes map[domain.NodeID]Node) []NodeEvent {
		var events []NodeEvent
		for id, n := range nodes {
			if id == t.self {
				n.LastSeen = now
				n.Uptime = ewma(n.Uptime, 1, t.cfg.UptimeAlpha)
				nodes[id] = n
				continue
			}

			missed := 0
			if elapsed := now.Sub(n.LastSeen); elapsed > interval {
				missed = int(elapsed / interval)
			}
			n.Missed = missed
			hit := 0.0
			if missed == 0 {
				hit = 1
			}
			n.Uptime = ewma(n.Uptime, hit, t.cfg.UptimeAlpha)

			next := n.Liveness
			switch {
			case missed >= t.cfg.DeadAfter:
				next = Dead
			case missed >= t.cfg.SuspectAfter:
				next = Suspected
			case missed == 0:
				next = Alive
			}
			if next != n.Liveness {
				t.logger.Info("node liveness changed", "peer", id, "from", n.Liveness, "to", next, "missed", missed)
				n.Liveness = next
				events = append(events, NodeEvent{Node: id, Liveness: next, Banned: n.Banned})
			}
			nodes[id] = n
		}
		return events
	})
}

func (t *Tracker) RecordParticipation(id domain.NodeID) {
	t.update(id, func(n *Node) []NodeEvent {
		if n.Banned {
			return nil
		}
		n.Participation = clamp(n.Participation + t.cfg.ParticipationStep*(1-n.Participation))
		return nil
	})
}

// RecordRejection penalises a rejected or invalid proposal, or a bad signature.
func (t *Tracker) RecordRejection(id domain.NodeID) {
	t.update(id, func(n *Node) []NodeEvent {
		n.Participation = clamp(n.Participation - t.cfg.RejectionPenalty*n.Participation)
		return nil
	})
}

// Ban zeroes participation and excludes the node from every ranking. It
// returns false if the node was already banned or is the local node.
func (t *Tracker) Ban(id domain.NodeID, reason string) bool {
	if id == t.self {
		t.logger.Error("refusing to ban self", "reason", reason)
		return false
	}
	var banned bool
	known := t.update(id, func(n *Node) []NodeEvent {
		if n.Banned {
			return nil
		}
		banned = true
		n.Banned = true
		n.BanReason = reason
		n.Participation = 0
		t.logger.Warn("node banned", "peer", id, "reason", reason)
		return []NodeEvent{{Node: id, Liveness: n.Liveness, Banned: true}}
	})
	if !known {
		// Evidence may arrive before the handshake.
		t.mutate(func(nodes map[domain.NodeID]Node) []NodeEvent {
			if _, ok := nodes[id]; ok {
				return nil
			}
			n := t.fresh(Handshake{ID: id})
			n.Banned, n.BanReason, n.Participation = true, reason, 0
			nodes[id] = n
			banned = true
			return []NodeEvent{{Node: id, Liveness: n.Liveness, Banned: true}}
		})
	}
	return banned
}

func (t *Tracker) Get(id domain.NodeID) (Node, bool) {
	n, ok := t.cur.Load().nodes[id]
	return n, ok
}

func (t *Tracker) Known(id domain.NodeID) bool {
	_, ok := t.Get(id)
	return ok
}

func (t *Tracker) IsBanned(id domain.NodeID) bool {
	n, ok := t.Get(id)
	return ok && n.Banned
}

// Eligible reports whether id may lead or vote: alive, not banned and
// trusted enough.
func (t *Tracker) Eligible(id domain.NodeID) bool {
	n, ok := t.Get(id)
	return ok && t.eligible(n)
}

func (t *Tracker) eligible(n Node) bool {
	return n.Liveness == Alive && !n.Banned && n.Trust() >= t.cfg.MinLeaderTrust
}

// Ranked returns eligible nodes ordered by stake·trust, then uptime, then id.
// The slice is shared and must not be modified.
func (t *Tracker) Ranked() []Node {
	return t.cur.Load().ranked
}

func (t *Tracker) Nodes() []Node {
	v := t.cur.Load()
	out := make([]Node, 0, len(v.nodes))
	for _, n := range v.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(t.now())
		}
	}
}

func (t *Tracker) update(id domain.NodeID, fn func(*Node) []NodeEvent) bool {
	var ok bool
	t.mutate(func(nodes map[domain.NodeID]Node) []NodeEvent {
		var n Node
		n, ok = nodes[id]
		if !ok {
			return nil
		}
		ev := fn(&n)
		nodes[id] = n
		return ev
	})
	return ok
}

func (t *Tracker) mutate(fn func(map[domain.NodeID]Node) []NodeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	nodes := make(map[domain.NodeID]Node, len(old.nodes)+1)
	for id, n := range old.nodes {
		nodes[id] = n
	}
	events := fn(nodes)
	t.cur.Store(t.build(nodes))

	for _, ev := range events {
		select {
		case t.events <- ev:
		default:
			t.logger.Warn("node event dropped", "peer", ev.Node, "liveness", ev.Liveness, "banned", ev.Banned)
		}
	}
}

func (t *Tracker) build(nodes map[domain.NodeID]Node) *view {
	ranked := make([]Node, 0, len(nodes))
	counts := map[Liveness]int{}
	banned := 0
	for _, n := range nodes {
		counts[n.Liveness]++
		if n.Banned {
			banned++
		}
		if t.eligible(n) {
			ranked = append(ranked, n)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if wa, wb := a.Weight(), b.Weight(); wa != wb {
			return wa > wb
		}
		if a.Uptime != b.Uptime {
			return a.Uptime > b.Uptime
		}
		return a.ID < b.ID
	})

	for _, l := range []Liveness{Alive, Suspected, Dead} {
		metrics.MembershipNodes.WithLabelValues(l.String()).Set(float64(counts[l]))
	}
	metrics.NodesBanned.Set(float64(banned))

	return &view{nodes: nodes, ranked: ranked}
}

func ewma(prev, sample, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		return prev
	}
	return clamp(alpha*sample + (1-alpha)*prev)
}
