package main

import (
	"errors"
	"fmt"
	"log/slog"

	"areastate/internal/configuration"
	"areastate/internal/domain"
	"areastate/internal/identity"
	"areastate/internal/membership"
	"areastate/internal/node"
	"areastate/internal/pipeline"
	"areastate/internal/raft"
	"areastate/internal/registry"
	"areastate/internal/resolver"
	"areastate/internal/transport"
)

func newHostConfig(p *configuration.Properties) node.Config {
	return node.Config{
		DataDir: p.Node.DataDir,
		NoSync:  p.Raft.Wal.NoSync,
		Region:  p.Node.Region,
		Stake:   p.Node.Stake,
		Seeds:   p.Transport.Seeds,
		Raft:    raft.NewConfigFromProperties(&p.Raft, &p.Snapshot, &p.Pipeline),
		Membership: membership.Config{
			HeartbeatInterval:    p.Membership.HeartbeatInterval,
			SuspectAfter:         p.Membership.SuspectAfter,
			DeadAfter:            p.Membership.DeadAfter,
			InitialParticipation: p.Membership.InitialParticipation,
			ParticipationStep:    p.Membership.ParticipationStep,
			RejectionPenalty:     p.Membership.RejectionPenalty,
			UptimeAlpha:          p.Membership.UptimeAlpha,
			MinLeaderTrust:       p.Membership.MinLeaderTrust,
		},
		Registry: registry.Config{
			MinQuorum:       p.Registry.MinQuorum,
			DefaultReplicas: p.Registry.DefaultReplicas,
		},
		Pipeline: pipeline.Config{
			Timeout:    p.Pipeline.ProposalTimeout,
			Retention:  p.Pipeline.Retention,
			GCInterval: p.Pipeline.GCInterval,
		},
		Resolver: resolver.Config{
			PreferRankedLeader: p.Resolver.PreferRankedLeader,
			CatchUpInterval:    p.Resolver.CatchUpInterval,
		},
		CacheCapacity:     p.Cache.Capacity,
		SnapshotDB:        p.Snapshot.DBPath,
		SnapshotsRetained: p.Snapshot.Retained,
		RebalanceInterval: p.Registry.RebalanceInterval,
	}
}

func newTransport(p *configuration.Properties) *transport.GRPCTransport {
	return transport.NewGRPCTransport(transport.GRPCConfig{
		Network:              p.Transport.Network,
		ListenAddr:           p.Transport.ListenAddr(),
		AdvertiseAddr:        p.Node.AdvertiseAddress,
		Timeout:              p.Transport.Timeout,
		MaxConcurrentStreams: p.Transport.MaxConcurrentStreams,
		SendQueueSize:        p.Transport.SendQueueSize,
	})
}

// registerStaticAreas registers the areas listed in configuration. An area
// short of replicas is still registered, degraded, and retried on rebalance.
func registerStaticAreas(host *node.Host, areas []configuration.StaticArea) error {
	var errs []error
	for _, sa := range areas {
		replicas := make([]domain.NodeID, 0, len(sa.Replicas))
		for _, s := range sa.Replicas {
			id, err := domain.ParseNodeID(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("area %s: %w", sa.ID, err))
				continue
			}
			replicas = append(replicas, id)
		}

		a, err := host.RegisterArea(domain.AreaID(sa.ID), replicas)
		switch {
		case errors.Is(err, domain.ErrInsufficientNodes):
			slog.Warn("area registered degraded", "area", sa.ID, "replicas", a.ReplicaSet)
		case err != nil:
			errs = append(errs, fmt.Errorf("area %s: %w", sa.ID, err))
		default:
			slog.Info("area registered", "area", sa.ID, "replicas", a.ReplicaSet, "local", a.Contains(host.ID()))
		}
	}
	return errors.Join(errs...)
}

func loadIdentity(p *configuration.Properties) (*identity.KeyPair, error) {
	key, err := identity.LoadOrCreate(p.Node.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load node key %s: %w", p.Node.KeyFile, err)
	}
	return key, nil
}
