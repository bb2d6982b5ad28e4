package node

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"areastate/internal/domain"
	"areastate/internal/membership"
	"areastate/internal/metrics"
	"areastate/internal/registry"
	"areastate/internal/transport"
)

// seedDialer paces contact attempts to seed addresses nobody answered from yet.
type seedDialer struct {
	mu    sync.Mutex
	seeds map[string]*seedState
}

type seedState struct {
	policy *backoff.ExponentialBackOff
	next   time.Time
}

func (d *seedDialer) due(addr string, now time.Time, interval time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seeds == nil {
		d.seeds = make(map[string]*seedState)
	}
	s, ok := d.seeds[addr]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = interval
		b.MaxInterval = 12 * interval
		s = &seedState{policy: b}
		d.seeds[addr] = s
	}
	if now.Before(s.next) {
		return false
	}
	s.next = now.Add(s.policy.NextBackOff())
	return true
}

func (d *seedDialer) reached(addr string) {
	d.mu.Lock()
	delete(d.seeds, addr)
	d.mu.Unlock()
}

// runHeartbeats sends the handshake to every known node each interval,
// announces led areas and lets the resolver move leadership when needed.
func (h *Host) runHeartbeats(ctx context.Context) {
	var seeds seedDialer
	interval := h.cfg.Membership.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.heartbeatRound(&seeds, interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Host) heartbeatRound(seeds *seedDialer, interval time.Duration) {
	now := time.Now()
	known := make(map[string]bool)
	for _, n := range h.tracker.Nodes() {
		if n.Address != "" {
			known[n.Address] = true
		}
		if n.ID == h.self || n.Banned {
			continue
		}
		h.sendHeartbeat(n.ID)
	}

	for _, addr := range h.cfg.Seeds {
		if addr == h.transport.Addr() || known[addr] {
			seeds.reached(addr)
			continue
		}
		if !seeds.due(addr, now, interval) {
			continue
		}
		env := &transport.Envelope{Kind: transport.KindHeartbeat, Body: h.heartbeat().Marshal()}
		env.Seal(h.key, now)
		if err := h.transport.SendAddr(addr, env); err != nil {
			h.logger.Debug("seed unreachable", "seed", addr, "error", err)
		}
	}

	for _, area := range h.LocalAreas() {
		h.announce(area, 0)
		h.resolver.Rebalance(area)
	}
	h.syncReplicas()
	h.reportMembership()
}

func (h *Host) heartbeat() *transport.Heartbeat {
	groups := h.localGroups()
	digests := make([]transport.AreaDigest, 0, len(groups))
	for _, g := range groups {
		digests = append(digests, g.Digest())
	}
	slices.SortFunc(digests, func(a, b transport.AreaDigest) int {
		switch {
		case a.Area < b.Area:
			return -1
		case a.Area > b.Area:
			return 1
		}
		return 0
	})
	return &transport.Heartbeat{
		PublicKey: h.key.PublicKey(),
		Address:   h.transport.Addr(),
		Region:    h.cfg.Region,
		Stake:     h.cfg.Stake,
		Digests:   digests,
	}
}

func (h *Host) sendHeartbeat(to domain.NodeID) {
	h.send(&transport.Envelope{
		Kind: transport.KindHeartbeat,
		To:   to,
		Body: h.heartbeat().Marshal(),
	})
}

// announce publishes the authority of an area this node leads, to one node
// or, with to == 0, to every known node.
func (h *Host) announce(area domain.AreaID, to domain.NodeID) {
	g, ok := h.group(area)
	if !ok {
		return
	}
	st := g.Status()
	if !st.IsLeader() {
		return
	}
	a, err := h.registry.ResolveAuthority(area)
	if err != nil {
		return
	}
	ann := transport.AreaAnnounce{
		Replicas: a.ReplicaSet,
		Leader:   h.self,
		Term:     st.Term,
		Version:  st.Version,
	}
	body := ann.Marshal()

	targets := []domain.NodeID{to}
	if to == 0 {
		targets = targets[:0]
		for _, n := range h.tracker.Nodes() {
			if n.ID != h.self && !n.Banned {
				targets = append(targets, n.ID)
			}
		}
	}
	for _, id := range targets {
		h.send(&transport.Envelope{
			Kind:   transport.KindAreaAnnounce,
			AreaID: area,
			To:     id,
			Term:   st.Term,
			Body:   body,
		})
	}
}

func (h *Host) announceTo(to domain.NodeID) {
	for _, area := range h.LocalAreas() {
		h.announce(area, to)
	}
}

// syncReplicas hands every local group the registry's current replica set.
func (h *Host) syncReplicas() {
	for _, g := range h.localGroups() {
		a, err := h.registry.ResolveAuthority(g.Area())
		if err != nil {
			continue
		}
		h.reconfigure(g, a)
	}
}

func (h *Host) reportMembership() {
	counts := map[string]int{}
	banned := 0
	for _, n := range h.tracker.Nodes() {
		counts[n.Liveness.String()]++
		if n.Banned {
			banned++
		}
	}
	for _, l := range []membership.Liveness{membership.Alive, membership.Suspected, membership.Dead} {
		metrics.MembershipNodes.WithLabelValues(l.String()).Set(float64(counts[l.String()]))
	}
	metrics.NodesBanned.Set(float64(banned))
}

// runNodeEvents rebalances areas when nodes die, get banned or come back.
func (h *Host) runNodeEvents(ctx context.Context) {
	events := h.tracker.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch {
			case ev.Banned:
				h.transport.RemovePeer(ev.Node)
				fallthrough
			case ev.Liveness == membership.Dead:
				if err := h.registry.EvictNode(ev.Node); err != nil {
					h.logger.Warn("rebalance after node loss incomplete", "peer", ev.Node, "error", err)
				}
			case ev.Liveness == membership.Alive:
				h.registry.Refresh()
			}
		}
	}
}

// runMembershipChanges applies registry decisions to local groups and joins
// areas this node was added to.
func (h *Host) runMembershipChanges(ctx context.Context, events <-chan registry.MembershipChanged) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.onMembershipChanged(ev)
		}
	}
}

func (h *Host) onMembershipChanged(ev registry.MembershipChanged) {
	a, err := h.registry.ResolveAuthority(ev.Area)
	if err != nil {
		return
	}
	g, ok := h.group(ev.Area)
	if !ok {
		if !a.Contains(h.self) || h.recentlyRemoved(ev.Area) {
			return
		}
		// A fresh registration is started by RegisterArea itself, which may
		// bootstrap raft.
		if len(ev.Old) == 0 && a.Term == 0 && a.Version == 0 {
			return
		}
		if g, err = h.ensureGroup(ev.Area, nil); err != nil {
			h.logger.Warn("failed to join area", "area", ev.Area, "error", err)
			return
		}
	}
	h.reconfigure(g, a)
	h.announce(ev.Area, 0)
}

// runRebalancer periodically recomputes the replica sets of the areas this
// node leads, replacing members that turned dead or ineligible.
func (h *Host) runRebalancer(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.registry.Refresh()
			for _, g := range h.localGroups() {
				if !g.IsLeader() {
					continue
				}
				a, err := h.registry.ResolveAuthority(g.Area())
				if err != nil {
					continue
				}
				if _, err := h.registry.Rebalance(a.Area, max(len(a.ReplicaSet), h.cfg.Registry.DefaultReplicas)); err != nil {
					h.logger.Debug("rebalance incomplete", "area", a.Area, "error", err)
				}
			}
		}
	}
}
