package configuration

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

func ApplyDefaults(c *Properties) {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if c.Node.KeyFile == "" {
		c.Node.KeyFile = filepath.Join(c.Node.DataDir, "node.key")
	}
	if c.Node.Stake == 0 {
		c.Node.Stake = 1
	}

	t := &c.Transport
	if t.Network == "" {
		t.Network = "tcp"
	}
	if t.Timeout == 0 {
		t.Timeout = 2 * time.Second
	}
	if t.SendQueueSize == 0 {
		t.SendQueueSize = 1024
	}
	if c.Node.AdvertiseAddress == "" && t.Port != "" {
		c.Node.AdvertiseAddress = t.ListenAddr()
	}

	r := &c.Raft
	if r.TickInterval == 0 {
		r.TickInterval = 15 * time.Millisecond
	}
	if r.StepInboxSize == 0 {
		r.StepInboxSize = 256
	}
	if r.PromotionThreshold == 0 {
		r.PromotionThreshold = 64
	}
	if r.PromotionCheckInterval == 0 {
		r.PromotionCheckInterval = 500 * time.Millisecond
	}
	if r.DrainTimeout == 0 {
		r.DrainTimeout = 2 * time.Second
	}
	if r.Etcd.ElectionTick == 0 {
		r.Etcd.ElectionTick = 10
	}
	if r.Etcd.HeartbeatTick == 0 {
		r.Etcd.HeartbeatTick = 1
	}
	if r.Etcd.MaxSizePerMsg == 0 {
		r.Etcd.MaxSizePerMsg = 1024 * 1024
	}
	if r.Etcd.MaxInflightMsgs == 0 {
		r.Etcd.MaxInflightMsgs = 256
	}
	if r.Etcd.MaxUncommittedEntriesSize == 0 {
		r.Etcd.MaxUncommittedEntriesSize = 1 << 30
	}

	m := &c.Membership
	if m.HeartbeatInterval == 0 {
		m.HeartbeatInterval = 5 * time.Second
	}
	if m.SuspectAfter == 0 {
		m.SuspectAfter = 3
	}
	if m.DeadAfter == 0 {
		m.DeadAfter = 10
	}
	if m.InitialParticipation == 0 {
		m.InitialParticipation = 0.5
	}
	if m.ParticipationStep == 0 {
		m.ParticipationStep = 0.02
	}
	if m.RejectionPenalty == 0 {
		m.RejectionPenalty = 0.2
	}
	if m.UptimeAlpha == 0 {
		m.UptimeAlpha = 0.1
	}
	if m.MinLeaderTrust == 0 {
		m.MinLeaderTrust = 0.3
	}

	if c.Registry.MinQuorum == 0 {
		c.Registry.MinQuorum = 3
	}
	if c.Registry.DefaultReplicas == 0 {
		c.Registry.DefaultReplicas = 3
	}
	if c.Registry.RebalanceInterval == 0 {
		c.Registry.RebalanceInterval = 10 * time.Second
	}

	if c.Pipeline.ProposalTimeout == 0 {
		c.Pipeline.ProposalTimeout = 5 * time.Second
	}
	if c.Pipeline.Retention == 0 {
		c.Pipeline.Retention = 30 * time.Second
	}
	if c.Pipeline.GCInterval == 0 {
		c.Pipeline.GCInterval = time.Second
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 256
	}

	if c.Snapshot.EntryThreshold == 0 {
		c.Snapshot.EntryThreshold = 1000
	}
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 5 * time.Minute
	}
	if c.Snapshot.DBPath == "" {
		c.Snapshot.DBPath = filepath.Join(c.Node.DataDir, "snapshots.db")
	}
	if c.Snapshot.Retained == 0 {
		c.Snapshot.Retained = 8
	}

	if c.Resolver.CatchUpInterval == 0 {
		c.Resolver.CatchUpInterval = time.Second
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "areastate"
	}
}

func Validate(c *Properties) error {
	var errs []error
	if c.Transport.Port == "" {
		errs = append(errs, errors.New("transport.port is required"))
	}
	if c.Registry.MinQuorum < 1 {
		errs = append(errs, errors.New("registry.min-quorum must be positive"))
	}
	if c.Registry.DefaultReplicas < c.Registry.MinQuorum {
		errs = append(errs, fmt.Errorf("registry.default-replicas (%d) must be >= min-quorum (%d)",
			c.Registry.DefaultReplicas, c.Registry.MinQuorum))
	}
	if c.Membership.DeadAfter <= c.Membership.SuspectAfter {
		errs = append(errs, errors.New("membership.dead-after must exceed suspect-after"))
	}
	if c.Raft.Etcd.ElectionTick <= c.Raft.Etcd.HeartbeatTick {
		errs = append(errs, errors.New("raft.etcd.election-tick must exceed heartbeat-tick"))
	}
	if c.Membership.MinLeaderTrust < 0 || c.Membership.MinLeaderTrust > 1 {
		errs = append(errs, errors.New("membership.min-leader-trust must be within [0,1]"))
	}
	return errors.Join(errs...)
}
