package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"areastate/internal/domain"
	"areastate/internal/membership"
	"areastate/internal/metrics"
)

// Ranker is the slice of the membership tracker the registry depends on.
type Ranker interface {
	Ranked() []membership.Node
	Get(id domain.NodeID) (membership.Node, bool)
}

type Config struct {
	MinQuorum       int
	DefaultReplicas int
}

type table map[domain.AreaID]Authority

type Registry struct {
	cfg    Config
	ranker Ranker
	mu     sync.Mutex
	cur    atomic.Pointer[table]
	subsMu sync.Mutex
	subs   map[int]chan MembershipChanged
	nextID int
	logger *slog.Logger
}

func New(cfg Config, ranker Ranker) *Registry {
	if cfg.MinQuorum <= 0 {
		cfg.MinQuorum = 3
	}
	if cfg.DefaultReplicas < cfg.MinQuorum {
		cfg.DefaultReplicas = cfg.MinQuorum
	}
	r := &Registry{
		cfg:    cfg,
		ranker: ranker,
		subs:   make(map[int]chan MembershipChanged),
		logger: slog.With("component", "registry"),
	}
	empty := table{}
	r.cur.Store(&empty)
	return r
}

// Register adds an area. With no replicas the set is picked from the ranking.
// Registering a known area returns its current authority.
func (r *Registry) Register(area domain.AreaID, replicas []domain.NodeID) (Authority, error) {
	if area == "" {
		return Authority{}, fmt.Errorf("%w: empty area id", domain.ErrInvalidProposal)
	}

	var (
		out Authority
		err error
		ev  *MembershipChanged
	)
	r.write(func(t table) {
		if a, ok := t[area]; ok {
			out = a.clone()
			return
		}
		set := dedupe(replicas)
		if len(set) == 0 {
			set = r.pick(nil, r.cfg.DefaultReplicas)
		}
		a := Authority{Area: area, ReplicaSet: set, Voters: slices.Clone(set)}
		if len(set) < r.cfg.MinQuorum {
			a.Degraded = true
			err = fmt.Errorf("%w: area %s has %d of %d replicas", domain.ErrInsufficientNodes, area, len(set), r.cfg.MinQuorum)
		}
		t[area] = a
		out = a.clone()
		ev = &MembershipChanged{Area: area, New: slices.Clone(set), Degraded: a.Degraded}
		r.logger.Info("area registered", "area", area, "replicas", set, "degraded", a.Degraded)
	})
	r.publish(ev)
	return out, err
}

// Learn merges an authority announced by a peer. Unknown areas are adopted;
// known ones take the announced target set only when it comes with a newer term.
func (r *Registry) Learn(a Authority) {
	if a.Area == "" || len(a.ReplicaSet) == 0 {
		return
	}
	r.write(func(t table) {
		cur, ok := t[a.Area]
		if !ok {
			a = a.clone()
			a.ReplicaSet = dedupe(a.ReplicaSet)
			if a.Leader != 0 && !a.Contains(a.Leader) {
				a.Leader = 0
			}
			t[a.Area] = a
			return
		}
		if a.Term > cur.Term {
			cur.ReplicaSet = dedupe(a.ReplicaSet)
			cur.Term = a.Term
			if a.Leader != 0 && cur.Contains(a.Leader) {
				cur.Leader = a.Leader
			}
		}
		if a.Version > cur.Version {
			cur.Version = a.Version
		}
		t[a.Area] = cur
	})
}

func (r *Registry) ResolveAuthority(area domain.AreaID) (Authority, error) {
	a, ok := (*r.cur.Load())[area]
	if !ok {
		return Authority{}, fmt.Errorf("%w: %s", domain.ErrUnknownArea, area)
	}
	return a.clone(), nil
}

func (r *Registry) Areas() []domain.AreaID {
	t := *r.cur.Load()
	out := make([]domain.AreaID, 0, len(t))
	for id := range t {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AreasOf lists the areas whose replica set or voters include id.
func (r *Registry) AreasOf(id domain.NodeID) []domain.AreaID {
	t := *r.cur.Load()
	var out []domain.AreaID
	for area, a := range t {
		if a.Contains(id) {
			out = append(out, area)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rebalance recomputes the target replica set. Dead or banned members are
// dropped and the set is filled from the ranking, preferring regions not yet
// represented. With fewer than MinQuorum eligible nodes the area turns
// degraded and ErrInsufficientNodes is returned; unusable members are still
// dropped so they never lead or vote while the area waits for nodes.
func (r *Registry) Rebalance(area domain.AreaID, desired int) (Authority, error) {
	if desired <= 0 {
		desired = r.cfg.DefaultReplicas
	}

	var (
		out Authority
		err error
		ev  *MembershipChanged
	)
	r.write(func(t table) {
		a, ok := t[area]
		if !ok {
			err = fmt.Errorf("%w: %s", domain.ErrUnknownArea, area)
			return
		}

		keep := make([]domain.NodeID, 0, len(a.ReplicaSet))
		for _, id := range a.ReplicaSet {
			if r.usable(id) {
				keep = append(keep, id)
			}
		}
		if len(keep) > desired {
			keep = r.trim(keep, a.Leader, desired)
		}
		next := r.pick(keep, desired)

		old := a.ReplicaSet
		wasDegraded := a.Degraded
		if len(next) < r.cfg.MinQuorum {
			a.Degraded = true
			err = fmt.Errorf("%w: area %s has %d eligible nodes, need %d",
				domain.ErrInsufficientNodes, area, len(next), r.cfg.MinQuorum)
			if len(next) > 0 {
				a.ReplicaSet = next
			}
		} else {
			a.Degraded = false
			a.ReplicaSet = next
		}
		if a.Leader != 0 && !a.Contains(a.Leader) {
			a.Leader = 0
		}
		t[area] = a
		out = a.clone()

		if !sameMembers(old, a.ReplicaSet) || wasDegraded != a.Degraded {
			ev = &MembershipChanged{Area: area, Old: slices.Clone(old), New: slices.Clone(a.ReplicaSet), Degraded: a.Degraded}
			r.logger.Info("area rebalanced", "area", area, "old", old, "new", a.ReplicaSet, "degraded", a.Degraded)
		}
	})
	r.publish(ev)
	return out, err
}

// EvictNode rebalances every area that lists id.
func (r *Registry) EvictNode(id domain.NodeID) error {
	var errs []error
	for _, area := range r.AreasOf(id) {
		a, err := r.ResolveAuthority(area)
		if err != nil {
			continue
		}
		if _, err := r.Rebalance(area, max(len(a.ReplicaSet), r.cfg.DefaultReplicas)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh retries every degraded area, typically after a node comes back.
func (r *Registry) Refresh() {
	for _, area := range r.Areas() {
		a, err := r.ResolveAuthority(area)
		if err != nil || !a.Degraded {
			continue
		}
		_, _ = r.Rebalance(area, r.cfg.DefaultReplicas)
	}
}

func (r *Registry) ObserveLeader(area domain.AreaID, leader domain.NodeID, term uint64) {
	r.write(func(t table) {
		a, ok := t[area]
		if !ok || term < a.Term {
			return
		}
		if leader != 0 && !a.Contains(leader) {
			r.logger.Debug("ignoring leader outside replica set", "area", area, "leader", leader)
			return
		}
		a.Leader, a.Term = leader, term
		t[area] = a
	})
}

func (r *Registry) ObserveVersion(area domain.AreaID, version uint64) {
	r.write(func(t table) {
		a, ok := t[area]
		if !ok || version <= a.Version {
			return
		}
		a.Version = version
		t[area] = a
	})
}

func (r *Registry) ObserveVoters(area domain.AreaID, voters []domain.NodeID) {
	r.write(func(t table) {
		a, ok := t[area]
		if !ok {
			return
		}
		a.Voters = dedupe(voters)
		if a.Leader != 0 && !a.Contains(a.Leader) {
			a.Leader = 0
		}
		t[area] = a
	})
}

// Subscribe returns a channel of membership changes and a cancel func.
// Slow subscribers miss events rather than block writers.
func (r *Registry) Subscribe(buffer int) (<-chan MembershipChanged, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan MembershipChanged, buffer)
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(ev *MembershipChanged) {
	if ev == nil {
		return
	}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- *ev:
		default:
			r.logger.Warn("membership event dropped", "area", ev.Area)
		}
	}
}

func (r *Registry) write(fn func(table)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.cur.Load()
	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.cur.Store(&next)

	degraded := 0
	for _, a := range next {
		if a.Degraded {
			degraded++
		}
	}
	metrics.AreasDegraded.Set(float64(degraded))
}

// usable keeps members that have not been declared dead or banned. Nodes the
// tracker has not heard from yet are kept until proven otherwise.
func (r *Registry) usable(id domain.NodeID) bool {
	n, ok := r.ranker.Get(id)
	if !ok {
		return true
	}
	return !n.Banned && n.Liveness != membership.Dead
}

func (r *Registry) trim(keep []domain.NodeID, leader domain.NodeID, n int) []domain.NodeID {
	out := make([]domain.NodeID, 0, n)
	if slices.Contains(keep, leader) {
		out = append(out, leader)
	}
	for _, id := range keep {
		if len(out) == n {
			break
		}
		if id != leader {
			out = append(out, id)
		}
	}
	return out
}

// pick fills keep up to n from the ranking, first with nodes from regions not
// yet represented, then with the best of the rest.
func (r *Registry) pick(keep []domain.NodeID, n int) []domain.NodeID {
	out := slices.Clone(keep)
	regions := map[string]bool{}
	for _, id := range out {
		if node, ok := r.ranker.Get(id); ok {
			regions[node.Region] = true
		}
	}

	ranked := r.ranker.Ranked()
	for _, node := range ranked {
		if len(out) >= n {
			return out
		}
		if slices.Contains(out, node.ID) || regions[node.Region] {
			continue
		}
		out = append(out, node.ID)
		regions[node.Region] = true
	}
	for _, node := range ranked {
		if len(out) >= n {
			break
		}
		if !slices.Contains(out, node.ID) {
			out = append(out, node.ID)
		}
	}
	return out
}

func dedupe(ids []domain.NodeID) []domain.NodeID {
	out := make([]domain.NodeID, 0, len(ids))
	for _, id := range ids {
		if id != 0 && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func sameMembers(a, b []domain.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !slices.Contains(b, id) {
			return false
		}
	}
	return true
}
