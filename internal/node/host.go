// Package node assembles one host of the authority layer: identity,
// membership, the area registry, one raft group per hosted area, the
// proposal pipeline and the partition resolver, all behind a transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"areastate/internal/cache"
	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/membership"
	"areastate/internal/metrics"
	"areastate/internal/persistence"
	"areastate/internal/pipeline"
	"areastate/internal/raft"
	"areastate/internal/raft/ops"
	"areastate/internal/registry"
	"areastate/internal/resolver"
	"areastate/internal/snapshot"
	"areastate/internal/transport"
	"areastate/internal/types"
)

type Config struct {
	DataDir string
	NoSync  bool
	Region  string
	Stake   float64
	// Seeds are addresses contacted until their owners are known.
	Seeds []string

	Raft       raft.Config
	Membership membership.Config
	Registry   registry.Config
	Pipeline   pipeline.Config
	Resolver   resolver.Config

	CacheCapacity     int
	SnapshotDB        string
	SnapshotsRetained int
	RebalanceInterval time.Duration
	// GuardWindow bounds how many (area, term, index) slots the equivocation
	// guard remembers.
	GuardWindow int
	// RejoinHold keeps a removed replica from being re-created by stale
	// traffic for a while.
	RejoinHold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stake <= 0 {
		c.Stake = 1
	}
	if c.Membership.HeartbeatInterval <= 0 {
		c.Membership = membership.DefaultConfig()
	}
	if c.SnapshotDB == "" {
		c.SnapshotDB = filepath.Join(c.DataDir, "snapshots.db")
	}
	if c.SnapshotsRetained <= 0 {
		c.SnapshotsRetained = 8
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 10 * time.Second
	}
	if c.GuardWindow <= 0 {
		c.GuardWindow = 4096
	}
	if c.RejoinHold <= 0 {
		c.RejoinHold = 30 * time.Second
	}
	return c
}

type Host struct {
	cfg    Config
	key    *identity.KeyPair
	self   domain.NodeID
	logger *slog.Logger

	keyring   *identity.Keyring
	tracker   *membership.Tracker
	registry  *registry.Registry
	transport transport.Transport
	logStore  *persistence.LogStore
	snapStore *persistence.SnapshotStore
	snapshots *snapshot.Manager
	acks      *snapshot.AckTracker
	cache     *cache.Cache
	guard     *raft.Guard
	pipeline  *pipeline.Pipeline
	resolver  *resolver.Resolver

	groupsMu sync.RWMutex
	groups   map[domain.AreaID]*raft.Group
	removed  map[domain.AreaID]time.Time
	joinMu   sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	loops   *errgroup.Group
	bg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// New opens the host's stores and wires its components. Nothing runs until
// Start.
func New(cfg Config, key *identity.KeyPair, tr transport.Transport) (*Host, error) {
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "raft"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logStore, err := persistence.OpenLogStore(filepath.Join(cfg.DataDir, "log"), cfg.NoSync)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	snapStore, err := persistence.OpenSnapshotStore(cfg.SnapshotDB, cfg.SnapshotsRetained)
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	h := &Host{
		cfg:       cfg,
		key:       key,
		self:      key.ID(),
		logger:    slog.With("component", "host", "node_id", key.ID()),
		keyring:   identity.NewKeyring(),
		transport: tr,
		logStore:  logStore,
		snapStore: snapStore,
		snapshots: snapshot.NewManager(snapStore),
		acks:      snapshot.NewAckTracker(),
		cache:     cache.New(cfg.CacheCapacity),
		groups:    make(map[domain.AreaID]*raft.Group),
		removed:   make(map[domain.AreaID]time.Time),
		stopped:   make(chan struct{}),
	}
	if _, err := h.keyring.Learn(key.PublicKey()); err != nil {
		h.closeStores()
		return nil, err
	}

	h.tracker = membership.New(cfg.Membership, membership.Handshake{
		ID:        h.self,
		PublicKey: key.PublicKey(),
		Address:   tr.Addr(),
		Region:    cfg.Region,
		Stake:     cfg.Stake,
	})
	h.registry = registry.New(cfg.Registry, h.tracker)
	h.guard = raft.NewGuard(h.keyring, h.tracker, cfg.GuardWindow)
	h.pipeline = pipeline.New(cfg.Pipeline, key, h, h.registry, h.tracker, tr)
	h.resolver = resolver.New(cfg.Resolver, key, h.lookupForResolver, h.tracker, tr)
	return h, nil
}

func (h *Host) ID() domain.NodeID { return h.self }

func (h *Host) Registry() *registry.Registry { return h.registry }

func (h *Host) Membership() *membership.Tracker { return h.tracker }

func (h *Host) Pipeline() *pipeline.Pipeline { return h.pipeline }

// Start reopens the groups found on disk, starts the transport and the
// background loops.
func (h *Host) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	if err := h.restoreGroups(); err != nil {
		h.cancel()
		return err
	}
	if err := h.transport.Start(h); err != nil {
		h.cancel()
		return fmt.Errorf("start transport: %w", err)
	}

	events, unsubscribe := h.registry.Subscribe(256)
	g, gctx := errgroup.WithContext(h.ctx)
	g.Go(func() error {
		h.tracker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		h.pipeline.Run(gctx)
		return nil
	})
	g.Go(func() error {
		h.runHeartbeats(gctx)
		return nil
	})
	g.Go(func() error {
		h.runNodeEvents(gctx)
		return nil
	})
	g.Go(func() error {
		defer unsubscribe()
		h.runMembershipChanges(gctx, events)
		return nil
	})
	g.Go(func() error {
		h.runRebalancer(gctx)
		return nil
	})
	h.loops = g

	h.logger.Info("host started", "address", h.transport.Addr(), "areas", len(h.LocalAreas()))
	return nil
}

// Stop is safe to call more than once.
func (h *Host) Stop() {
	h.once.Do(func() {
		h.logger.Info("stopping host")
		if h.cancel != nil {
			h.cancel()
		}
		if h.loops != nil {
			_ = h.loops.Wait()
		}

		h.groupsMu.Lock()
		groups := make([]*raft.Group, 0, len(h.groups))
		for _, g := range h.groups {
			groups = append(groups, g)
		}
		h.groups = make(map[domain.AreaID]*raft.Group)
		h.groupsMu.Unlock()

		var wg sync.WaitGroup
		for _, g := range groups {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.Stop()
			}()
		}
		wg.Wait()
		h.bg.Wait()

		if err := h.transport.Close(); err != nil {
			h.logger.Warn("failed to close transport", "error", err)
		}
		h.closeStores()
		close(h.stopped)
		h.logger.Info("host stopped")
	})
}

func (h *Host) closeStores() {
	if err := h.logStore.Close(); err != nil {
		h.logger.Warn("failed to close log store", "error", err)
	}
	if err := h.snapStore.Close(); err != nil {
		h.logger.Warn("failed to close snapshot store", "error", err)
	}
}

// Ready reports whether the host is running and every local group is live.
func (h *Host) Ready() bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	if h.ctx == nil || h.ctx.Err() != nil {
		return false
	}
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	for _, g := range h.groups {
		if g.Failed() {
			return false
		}
	}
	return true
}

// RegisterArea creates an area with the given replica set, or one picked
// from the ranking when replicas is empty, and starts the local replica if
// this node is part of it. Only a registration nobody has seen commit yet
// bootstraps raft; otherwise the local replica waits to be added.
func (h *Host) RegisterArea(area domain.AreaID, replicas []domain.NodeID) (registry.Authority, error) {
	a, err := h.registry.Register(area, replicas)
	if err != nil && !errors.Is(err, domain.ErrInsufficientNodes) {
		return a, err
	}
	if a.Contains(h.self) {
		h.clearRemoved(area)
		var peers []domain.NodeID
		if a.Term == 0 && a.Version == 0 {
			peers = a.ReplicaSet
		}
		g, gerr := h.ensureGroup(area, peers)
		if gerr != nil {
			return a, gerr
		}
		h.reconfigure(g, a)
	}
	return a, err
}

// SubmitProposal is the game-logic entry point for changes to an area.
func (h *Host) SubmitProposal(ctx context.Context, area domain.AreaID, change types.Change) (*pipeline.Handle, error) {
	return h.pipeline.Submit(ctx, pipeline.Proposal{AreaID: area, Change: change})
}

// ReadArea returns the latest locally applied view of an area this node
// replicates.
func (h *Host) ReadArea(area domain.AreaID) (cache.AreaView, error) {
	g, ok := h.group(area)
	if !ok {
		return cache.AreaView{}, fmt.Errorf("%w: %s is not replicated on %s", domain.ErrUnknownArea, area, h.self)
	}
	version := g.Version()
	if v, hit := h.cache.Get(area); hit && v.Version == version {
		return v, nil
	}
	state, version := g.View()
	view := cache.AreaView{Area: area, State: state, Version: version}
	h.cache.Put(cache.AreaView{Area: area, State: state.Clone(), Version: version})
	return view, nil
}

// Group returns the local replica of area.
func (h *Host) Group(area domain.AreaID) (*raft.Group, bool) { return h.group(area) }

// LocalGroup satisfies pipeline.Groups.
func (h *Host) LocalGroup(area domain.AreaID) (pipeline.Group, bool) {
	g, ok := h.group(area)
	if !ok {
		return nil, false
	}
	return g, true
}

func (h *Host) lookupForResolver(area domain.AreaID) (resolver.Group, bool) {
	g, ok := h.group(area)
	if !ok {
		return nil, false
	}
	return g, true
}

func (h *Host) LocalAreas() []domain.AreaID {
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	out := make([]domain.AreaID, 0, len(h.groups))
	for area := range h.groups {
		out = append(out, area)
	}
	slices.Sort(out)
	return out
}

func (h *Host) group(area domain.AreaID) (*raft.Group, bool) {
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	g, ok := h.groups[area]
	return g, ok
}

func (h *Host) localGroups() []*raft.Group {
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	out := make([]*raft.Group, 0, len(h.groups))
	for _, g := range h.groups {
		out = append(out, g)
	}
	return out
}

// ensureGroup opens and starts the local replica of area if it is not
// running yet. peers is only used when the raft storage is empty.
func (h *Host) ensureGroup(area domain.AreaID, peers []domain.NodeID) (*raft.Group, error) {
	h.joinMu.Lock()
	defer h.joinMu.Unlock()

	if g, ok := h.group(area); ok {
		return g, nil
	}
	if h.ctx == nil || h.ctx.Err() != nil {
		return nil, domain.ErrShuttingDown
	}

	cfg := h.cfg.Raft
	cfg.Area = area
	cfg.Self = h.self
	g, err := raft.Open(filepath.Join(h.cfg.DataDir, "raft"), h.cfg.NoSync, cfg, peers, raft.Deps{
		Outbox:    h.transport,
		Signer:    h.key,
		Log:       h.logStore,
		Snapshots: h.snapshots,
		Acks:      h.acks,
		Cache:     h.cache,
		Observer:  h,
		Logger:    h.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := g.Start(); err != nil {
		g.Stop()
		return nil, err
	}

	h.groupsMu.Lock()
	h.groups[area] = g
	n := len(h.groups)
	h.groupsMu.Unlock()
	metrics.AreasHosted.Set(float64(n))

	h.logger.Info("hosting area", "area", area, "bootstrap", len(peers) > 0)
	return g, nil
}

// restoreGroups reopens every area whose raft storage is on disk.
func (h *Host) restoreGroups() error {
	dir := filepath.Join(h.cfg.DataDir, "raft")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan raft dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		area, ok := raft.AreaFromStorageDir(e.Name())
		if !ok {
			continue
		}
		g, err := h.ensureGroup(area, nil)
		if err != nil {
			return fmt.Errorf("restore area %s: %w", area, err)
		}
		st := g.Status()
		set := slices.Concat(st.Voters, st.Learners)
		if len(set) == 0 {
			set = []domain.NodeID{h.self}
		}
		h.registry.Learn(registry.Authority{
			Area:       area,
			ReplicaSet: set,
			Voters:     st.Voters,
			Term:       st.Term,
			Version:    st.Version,
		})
	}
	return nil
}

// dropGroup stops and deletes a replica this node was removed from.
func (h *Host) dropGroup(area domain.AreaID) {
	h.joinMu.Lock()
	defer h.joinMu.Unlock()

	h.groupsMu.Lock()
	g, ok := h.groups[area]
	delete(h.groups, area)
	h.removed[area] = time.Now()
	n := len(h.groups)
	h.groupsMu.Unlock()
	if !ok {
		return
	}
	metrics.AreasHosted.Set(float64(n))

	g.Stop()
	if err := os.RemoveAll(raft.StorageDir(filepath.Join(h.cfg.DataDir, "raft"), area)); err != nil {
		h.logger.Warn("failed to remove raft storage", "area", area, "error", err)
	}
	if err := h.logStore.ResetLog(area, 0); err != nil {
		h.logger.Warn("failed to reset change log", "area", area, "error", err)
	}
	// A rejoin starts from whatever the leader ships; an old local snapshot
	// would put the state ahead of the emptied log.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.snapStore.DeleteSnapshots(ctx, area); err != nil {
		h.logger.Warn("failed to delete snapshots", "area", area, "error", err)
	}
	h.acks.Close(area)
	h.cache.Invalidate(area)
	h.logger.Info("removed from area", "area", area)
}

func (h *Host) recentlyRemoved(area domain.AreaID) bool {
	h.groupsMu.RLock()
	at, ok := h.removed[area]
	h.groupsMu.RUnlock()
	return ok && time.Since(at) < h.cfg.RejoinHold
}

func (h *Host) clearRemoved(area domain.AreaID) {
	h.groupsMu.Lock()
	delete(h.removed, area)
	h.groupsMu.Unlock()
}

// reconfigure hands the registry's replica set to the group's leader loop.
// It waits until every member's key is known, since members without keys
// cannot be shipped to new replicas.
func (h *Host) reconfigure(g *raft.Group, a registry.Authority) {
	members := make([]ops.Member, 0, len(a.ReplicaSet))
	for _, id := range a.ReplicaSet {
		pub, ok := h.keyring.PublicKey(id)
		if !ok {
			h.logger.Debug("deferring reconfiguration until member is known", "area", a.Area, "member", id)
			return
		}
		var addr string
		if n, ok := h.tracker.Get(id); ok {
			addr = n.Address
		}
		members = append(members, ops.Member{ID: id, Addr: addr, PublicKey: pub})
	}
	g.Reconfigure(members)
}
