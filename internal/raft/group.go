// Package raft runs one etcd raft group per area. A group owns the area's
// state machine: a single goroutine ticks raft, steps inbound messages,
// persists Ready batches and applies committed entries in order.
package raft

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.etcd.io/raft/v3/tracker"

	"areastate/internal/cache"
	"areastate/internal/domain"
	"areastate/internal/metrics"
	"areastate/internal/raft/ops"
	"areastate/internal/raft/ports"
	"areastate/internal/snapshot"
	"areastate/internal/statemachine"
	"areastate/internal/types"
)

var (
	ErrNotLeader = errors.New("not leader")

	ErrStopped = errors.New("group stopped")
)

// NotLeaderError names the leader a proposal should be sent to instead.
type NotLeaderError struct {
	Leader domain.NodeID
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("not leader, leader is %s", e.Leader)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// Observer receives the group's side effects. Calls come from the group's
// loop goroutine and must not block.
type Observer interface {
	Committed(area domain.AreaID, entry domain.LogEntry, res statemachine.Result)
	LeaderChanged(area domain.AreaID, leader domain.NodeID, term uint64)
	VotersChanged(area domain.AreaID, voters []domain.NodeID)
	Participated(area domain.AreaID, ids []domain.NodeID)
	MemberLearned(id domain.NodeID, addr string, pub []byte)
	Removed(area domain.AreaID)
}

type Deps struct {
	Node      ports.RaftNode
	Storage   ports.WALStorage
	Outbox    ports.Outbox
	Signer    domain.Signer
	Log       domain.LogStore
	Snapshots *snapshot.Manager
	Acks      *snapshot.AckTracker
	Cache     *cache.Cache
	Observer  Observer
	Logger    *slog.Logger
}

type stepRequest struct {
	ctx  context.Context
	msg  raftpb.Message
	resp chan error
}

// Status is a point-in-time view of a group.
type Status struct {
	Area     domain.AreaID
	Self     domain.NodeID
	Leader   domain.NodeID
	Term     uint64
	Commit   uint64
	Applied  uint64
	Version  uint64
	State    string
	Voters   []domain.NodeID
	Learners []domain.NodeID
}

func (s Status) IsLeader() bool { return s.Leader != 0 && s.Leader == s.Self }

type Group struct {
	cfg  Config
	area domain.AreaID
	self domain.NodeID

	node     ports.RaftNode
	storage  ports.WALStorage
	outbox   ports.Outbox
	signer   domain.Signer
	sm       *statemachine.StateMachine
	log      domain.LogStore
	snaps    *snapshot.Manager
	acks     *snapshot.AckTracker
	cache    *cache.Cache
	observer Observer
	logger   *slog.Logger

	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
	stopOnce  sync.Once

	inFlight     sync.WaitGroup
	shuttingDown atomic.Bool
	failed       atomic.Bool

	stepInbox  chan stepRequest
	stopCtx    context.Context
	stopCancel context.CancelFunc

	appliedMu   sync.RWMutex
	lastApplied uint64

	confMu    sync.RWMutex
	confState raftpb.ConfState

	// Owned by the loop goroutine.
	appliedFloor uint64
	leader       domain.NodeID
	term         uint64

	snapMu          sync.Mutex
	lastSnapVersion uint64
	lastSnapAt      time.Time
	barrierAt       time.Time
	truncateFor     uint64

	desired     atomic.Pointer[[]ops.Member]
	confPending atomic.Int64

	lastChangeIndex atomic.Uint64
	reportedIndex   atomic.Uint64
}

// New assembles a group around an already started raft node.
func New(cfg Config, deps Deps) *Group {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("area", cfg.Area, "node_id", cfg.Self)
	stopCtx, stopCancel := context.WithCancel(context.Background())

	g := &Group{
		cfg:        cfg,
		area:       cfg.Area,
		self:       cfg.Self,
		node:       deps.Node,
		storage:    deps.Storage,
		outbox:     deps.Outbox,
		signer:     deps.Signer,
		sm:         statemachine.New(cfg.Area),
		log:        deps.Log,
		snaps:      deps.Snapshots,
		acks:       deps.Acks,
		cache:      deps.Cache,
		observer:   deps.Observer,
		logger:     logger,
		stopCh:     make(chan struct{}),
		stepInbox:  make(chan stepRequest, cfg.StepInboxSize),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		confState:  deps.Storage.ConfState(),
	}
	return g
}

// Open creates the raft storage for cfg.Area under dir, starts the etcd node
// and returns the assembled group. peers bootstraps a brand new group; with
// no peers a group with empty storage waits to be added by a leader.
func Open(dir string, noSync bool, cfg Config, peers []domain.NodeID, deps Deps) (*Group, error) {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("area", cfg.Area)

	storage, applied, err := OpenStorage(StorageDir(dir, cfg.Area), noSync, logger)
	if err != nil {
		return nil, fmt.Errorf("open raft storage for %s: %w", cfg.Area, err)
	}
	node, err := startNode(cfg, storage, applied, peers, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	deps.Node = node
	deps.Storage = storage
	return New(cfg, deps), nil
}

// StorageDir is where Open keeps the raft log of area under dir.
func StorageDir(dir string, area domain.AreaID) string {
	return filepath.Join(dir, hex.EncodeToString([]byte(area)))
}

// AreaFromStorageDir reverses StorageDir for a directory entry name.
func AreaFromStorageDir(name string) (domain.AreaID, bool) {
	b, err := hex.DecodeString(name)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return domain.AreaID(b), true
}

func (g *Group) Area() domain.AreaID { return g.area }

func (g *Group) Start() error {
	g.logger.Info("starting area group")

	if err := g.recoverState(); err != nil {
		return fmt.Errorf("recover area %s: %w", g.area, err)
	}
	g.startLoops()

	g.logger.Info("area group started", "version", g.sm.Version(), "applied_floor", g.appliedFloor)
	return nil
}

func (g *Group) startLoops() {
	g.stoppedWg.Add(3)

	go func() {
		defer g.stoppedWg.Done()
		g.runMainLoop()
	}()

	go func() {
		defer g.stoppedWg.Done()
		g.runMetricsCollector()
	}()

	go func() {
		defer g.stoppedWg.Done()
		g.runReconciler()
	}()
}

// Stop hands off leadership when possible, waits for in-flight work and
// stops the raft node.
func (g *Group) Stop() {
	g.stopOnce.Do(func() {
		g.logger.Info("stopping area group")
		g.shuttingDown.Store(true)

		if g.IsLeader() {
			g.transferLeadership(true)
		}

		g.waitForInflight()
		g.waitForPendingApplies()

		g.stopCancel()
		close(g.stopCh)
		g.stoppedWg.Wait()

		g.node.Stop()
		if err := g.storage.Close(); err != nil {
			g.logger.Warn("failed to close raft storage", "error", err)
		}
		metrics.ForgetArea(string(g.area))
		g.logger.Info("area group stopped")
	})
}

func (g *Group) waitForInflight() {
	done := make(chan struct{})
	go func() {
		g.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.cfg.DrainTimeout):
		g.logger.Warn("timed out waiting for in-flight operations")
	}
}

func (g *Group) waitForPendingApplies() {
	target := g.node.Status().Commit
	if g.LastApplied() >= target {
		return
	}

	deadline := time.Now().Add(g.cfg.DrainTimeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if g.LastApplied() >= target || g.failed.Load() {
			return
		}
		<-ticker.C
	}
	g.logger.Warn("timed out waiting for pending applies", "applied", g.LastApplied(), "target", target)
}

func (g *Group) acquireInflight() bool {
	if g.shuttingDown.Load() {
		return false
	}
	g.inFlight.Add(1)

	if g.shuttingDown.Load() {
		g.inFlight.Done()
		return false
	}
	return true
}

func (g *Group) releaseInflight() {
	g.inFlight.Done()
}

// Propose submits a signed change entry. Only the leader accepts proposals,
// and only while it still hears from a majority of voters.
func (g *Group) Propose(ctx context.Context, entry domain.LogEntry) error {
	if g.shuttingDown.Load() {
		return domain.ErrShuttingDown
	}
	if g.failed.Load() {
		return fmt.Errorf("%w: area %s group failed", domain.ErrQuorumUnavailable, g.area)
	}
	if !g.acquireInflight() {
		return domain.ErrShuttingDown
	}
	defer g.releaseInflight()

	st := g.node.Status()
	if st.RaftState != etcdraft.StateLeader {
		if st.Lead == etcdraft.None {
			return fmt.Errorf("%w: area %s has no leader", domain.ErrQuorumUnavailable, g.area)
		}
		return &NotLeaderError{Leader: domain.NodeID(st.Lead)}
	}
	if !quorumActive(st) {
		return fmt.Errorf("%w: area %s leader lost contact with majority", domain.ErrQuorumUnavailable, g.area)
	}

	if err := g.node.Propose(ctx, ops.EncodeChangeEntry(entry)); err != nil {
		if errors.Is(err, etcdraft.ErrProposalDropped) {
			return fmt.Errorf("%w: %v", domain.ErrQuorumUnavailable, err)
		}
		return err
	}
	return nil
}

// quorumActive reports whether a majority of voters, the leader included,
// was recently active.
func quorumActive(st etcdraft.Status) bool {
	voters := st.Config.Voters.IDs()
	if len(voters) == 0 {
		return false
	}
	active := 0
	for id := range voters {
		if id == st.ID {
			active++
			continue
		}
		if pr, ok := st.Progress[id]; ok && pr.RecentActive {
			active++
		}
	}
	return active >= len(voters)/2+1
}

// Step hands an inbound raft message to the loop goroutine.
func (g *Group) Step(ctx context.Context, msg raftpb.Message) error {
	if g.shuttingDown.Load() {
		return domain.ErrShuttingDown
	}
	req := stepRequest{ctx: ctx, msg: msg, resp: make(chan error, 1)}

	select {
	case g.stepInbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopCh:
		return ErrStopped
	}

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopCh:
		return ErrStopped
	}
}

func (g *Group) Campaign(ctx context.Context) error {
	return g.node.Campaign(ctx)
}

// StepDown transfers leadership to the most caught-up follower. It returns
// false when this node is not leader or no follower qualifies.
func (g *Group) StepDown() bool {
	if !g.IsLeader() {
		return false
	}
	return g.transferLeadership(false)
}

func (g *Group) transferLeadership(wait bool) bool {
	status := g.node.Status()
	if status.RaftState != etcdraft.StateLeader {
		return false
	}

	var targetID, maxMatch uint64
	for id, pr := range status.Progress {
		if id == uint64(g.self) || pr.IsLearner {
			continue
		}
		if pr.State == tracker.StateReplicate && pr.Match > maxMatch {
			maxMatch = pr.Match
			targetID = id
		}
	}

	if targetID == 0 {
		g.logger.Warn("no suitable target for leadership transfer")
		return false
	}

	g.logger.Info("transferring leadership", "target", domain.NodeID(targetID))
	g.node.TransferLeadership(context.Background(), uint64(g.self), targetID)
	if !wait {
		return true
	}

	deadline := time.Now().Add(g.cfg.electionTimeout() * 2)
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		if st := g.node.Status(); st.RaftState != etcdraft.StateLeader {
			g.logger.Info("leadership transferred", "new_leader", domain.NodeID(st.Lead))
			return true
		}
	}
	g.logger.Warn("leadership transfer timed out")
	return false
}

// TransferTo hands leadership to target when it is a voter that has
// replicated everything committed so far.
func (g *Group) TransferTo(target domain.NodeID) bool {
	st := g.node.Status()
	if st.RaftState != etcdraft.StateLeader || target == g.self {
		return false
	}
	pr, ok := st.Progress[uint64(target)]
	if !ok || pr.IsLearner || pr.State != tracker.StateReplicate || pr.Match < st.Commit {
		return false
	}
	g.logger.Info("transferring leadership", "target", target)
	g.node.TransferLeadership(context.Background(), uint64(g.self), uint64(target))
	return true
}

// CatchUp makes the leader resume replication to a follower that reported a lagging
// committed version, so raft resends missing entries or a snapshot.
func (g *Group) CatchUp(follower domain.NodeID) bool {
	if !g.IsLeader() || follower == g.self {
		return false
	}
	g.node.ReportUnreachable(uint64(follower))
	return true
}

// SendFailed reports an undeliverable raft message back to raft.
func (g *Group) SendFailed(to domain.NodeID, snapshot bool) {
	g.node.ReportUnreachable(uint64(to))
	if snapshot {
		g.node.ReportSnapshot(uint64(to), etcdraft.SnapshotFailure)
	}
}

// Reconfigure sets the replica set the leader converges the raft
// configuration to, one conf change at a time.
func (g *Group) Reconfigure(desired []ops.Member) {
	cp := slices.Clone(desired)
	g.desired.Store(&cp)
}

func (g *Group) IsLeader() bool {
	return g.node.Status().RaftState == etcdraft.StateLeader
}

func (g *Group) Leader() domain.NodeID {
	return domain.NodeID(g.node.Status().Lead)
}

func (g *Group) Version() uint64 { return g.sm.Version() }

// View returns a private copy of the committed state and its version.
func (g *Group) View() (types.AreaState, uint64) {
	return g.sm.View()
}

func (g *Group) Failed() bool { return g.failed.Load() }

func (g *Group) Status() Status {
	st := g.node.Status()
	cs := g.ConfState()

	out := Status{
		Area:    g.area,
		Self:    g.self,
		Leader:  domain.NodeID(st.Lead),
		Term:    st.Term,
		Commit:  st.Commit,
		Applied: g.LastApplied(),
		Version: g.sm.Version(),
		State:   st.RaftState.String(),
		Voters:  ops.Voters(cs),
	}
	for _, l := range cs.Learners {
		out.Learners = append(out.Learners, domain.NodeID(l))
	}
	return out
}

func (g *Group) ConfState() raftpb.ConfState {
	g.confMu.RLock()
	defer g.confMu.RUnlock()
	return g.confState
}

func (g *Group) setConfState(cs raftpb.ConfState) {
	g.confMu.Lock()
	g.confState = cs
	g.confMu.Unlock()
}

func (g *Group) LastApplied() uint64 {
	g.appliedMu.RLock()
	defer g.appliedMu.RUnlock()
	return g.lastApplied
}

func (g *Group) setLastApplied(index uint64) {
	g.appliedMu.Lock()
	if index > g.lastApplied {
		g.lastApplied = index
	}
	g.appliedMu.Unlock()
}

func (g *Group) UpdateMetrics() {
	status := g.node.Status()
	area := string(g.area)

	if status.RaftState == etcdraft.StateLeader {
		metrics.RaftIsLeader.WithLabelValues(area).Set(1)
	} else {
		metrics.RaftIsLeader.WithLabelValues(area).Set(0)
	}
	metrics.RaftTerm.WithLabelValues(area).Set(float64(status.Term))
	metrics.RaftCommitIndex.WithLabelValues(area).Set(float64(status.Commit))
	metrics.RaftAppliedIndex.WithLabelValues(area).Set(float64(g.LastApplied()))
	metrics.RaftSnapshotIndex.WithLabelValues(area).Set(float64(g.storage.SnapshotIndex()))
	metrics.RaftVoters.WithLabelValues(area).Set(float64(len(g.ConfState().Voters)))
}
