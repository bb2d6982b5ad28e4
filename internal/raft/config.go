package raft

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	etcdraft "go.etcd.io/raft/v3"

	"areastate/internal/configuration"
	"areastate/internal/domain"
	"areastate/internal/snapshot"
)

// Config holds the per-group settings. Area and Self are filled in by the
// host for each group; the rest comes from configuration.
type Config struct {
	Area domain.AreaID
	Self domain.NodeID

	TickInterval              time.Duration
	ElectionTick              int
	HeartbeatTick             int
	MaxSizePerMsg             uint64
	MaxInflightMsgs           int
	MaxUncommittedEntriesSize uint64
	PreVote                   bool
	CheckQuorum               bool

	StepInboxSize          int
	PromotionThreshold     uint64
	PromotionCheckInterval time.Duration
	DrainTimeout           time.Duration
	ProposalTimeout        time.Duration

	Snapshot snapshot.Policy
}

func NewConfigFromProperties(rp *configuration.RaftProperties, sp *configuration.SnapshotProperties, pp *configuration.PipelineProperties) Config {
	return Config{
		TickInterval:              rp.TickInterval,
		ElectionTick:              rp.Etcd.ElectionTick,
		HeartbeatTick:             rp.Etcd.HeartbeatTick,
		MaxSizePerMsg:             rp.Etcd.MaxSizePerMsg,
		MaxInflightMsgs:           rp.Etcd.MaxInflightMsgs,
		MaxUncommittedEntriesSize: rp.Etcd.MaxUncommittedEntriesSize,
		PreVote:                   rp.Etcd.PreVote,
		CheckQuorum:               rp.Etcd.CheckQuorum,
		StepInboxSize:             int(rp.StepInboxSize),
		PromotionThreshold:        rp.PromotionThreshold,
		PromotionCheckInterval:    rp.PromotionCheckInterval,
		DrainTimeout:              rp.DrainTimeout,
		ProposalTimeout:           pp.ProposalTimeout,
		Snapshot: snapshot.Policy{
			Threshold: sp.EntryThreshold,
			Interval:  sp.Interval,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Millisecond
	}
	if c.ElectionTick <= 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = 1
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1024 * 1024
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxUncommittedEntriesSize == 0 {
		c.MaxUncommittedEntriesSize = 1 << 30
	}
	if c.StepInboxSize <= 0 {
		c.StepInboxSize = 1024
	}
	if c.PromotionThreshold == 0 {
		c.PromotionThreshold = 10
	}
	if c.PromotionCheckInterval <= 0 {
		c.PromotionCheckInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.ProposalTimeout <= 0 {
		c.ProposalTimeout = 5 * time.Second
	}
	return c
}

// electionTimeout is the upper bound of raft's randomized election timeout.
func (c Config) electionTimeout() time.Duration {
	return 2 * time.Duration(c.ElectionTick) * c.TickInterval
}

// startNode boots the etcd node for a group. Empty storage with a replica set
// bootstraps the group; empty storage without one waits to be added by the
// current leader.
func startNode(cfg Config, storage *Storage, applied uint64, peers []domain.NodeID, logger *slog.Logger) (etcdraft.Node, error) {
	c := &etcdraft.Config{
		ID:                        uint64(cfg.Self),
		ElectionTick:              cfg.ElectionTick,
		HeartbeatTick:             cfg.HeartbeatTick,
		Storage:                   storage.RaftStorage(),
		Applied:                   applied,
		MaxSizePerMsg:             cfg.MaxSizePerMsg,
		MaxInflightMsgs:           cfg.MaxInflightMsgs,
		MaxUncommittedEntriesSize: cfg.MaxUncommittedEntriesSize,
		PreVote:                   cfg.PreVote,
		CheckQuorum:               cfg.CheckQuorum,
		Logger:                    NewLogger(logger),
	}

	empty, err := storage.IsStorageEmpty()
	if err != nil {
		return nil, fmt.Errorf("failed to check storage state: %w", err)
	}

	if empty && len(peers) > 0 {
		list := buildPeersList(peers)
		logger.Debug("starting new raft group", "peers", formatPeers(list))
		return etcdraft.StartNode(c, list), nil
	}

	if empty {
		logger.Debug("starting empty raft group, waiting to be added")
	} else {
		logger.Debug("restarting raft group from saved state", "applied", applied)
	}
	return etcdraft.RestartNode(c), nil
}

// buildPeersList orders peers by id and leaves the context empty: every
// replica must write byte-identical bootstrap entries at the same indexes.
func buildPeersList(ids []domain.NodeID) []etcdraft.Peer {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	list := make([]etcdraft.Peer, 0, len(sorted))
	for _, id := range sorted {
		list = append(list, etcdraft.Peer{ID: uint64(id)})
	}
	return list
}

func formatPeers(peers []etcdraft.Peer) string {
	strs := make([]string, 0, len(peers))
	for _, p := range peers {
		strs = append(strs, domain.NodeID(p.ID).String())
	}
	return strings.Join(strs, ",")
}
