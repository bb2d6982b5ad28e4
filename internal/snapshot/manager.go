// Package snapshot builds, verifies and installs hash-chained area snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"areastate/internal/domain"
	"areastate/internal/metrics"
)

type Manager struct {
	store  domain.SnapshotStore
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store domain.SnapshotStore) *Manager {
	return &Manager{
		store:  store,
		now:    time.Now,
		logger: slog.With("component", "snapshot"),
	}
}

// Take seals state at version onto the area's chain and persists it. Taking
// the same version twice returns the stored snapshot.
func (m *Manager) Take(ctx context.Context, area domain.AreaID, version, raftIndex, raftTerm uint64, state []byte) (domain.Snapshot, error) {
	start := time.Now()

	if existing, err := m.store.LoadSnapshotAt(ctx, area, version); err == nil && existing != nil {
		return *existing, nil
	}

	save := m.store.SaveSnapshot
	prev, err := m.store.LoadSnapshot(ctx, area)
	switch {
	case errors.Is(err, domain.ErrSnapshotCorrupt):
		m.logger.Warn("no verifiable previous snapshot, starting new chain", "area", area, "error", err)
		prev, save = nil, m.store.InstallSnapshot
	case err != nil:
		return domain.Snapshot{}, fmt.Errorf("load previous snapshot: %w", err)
	}

	snap := domain.Snapshot{
		AreaID:    area,
		Version:   version,
		RaftIndex: raftIndex,
		RaftTerm:  raftTerm,
		State:     state,
		CreatedAt: m.now().UTC(),
	}
	var prevHash []byte
	if prev != nil {
		prevHash = prev.Hash
	}
	snap.Seal(prevHash)

	err = save(ctx, snap)
	if errors.Is(err, domain.ErrSnapshotCorrupt) {
		// The stored head failed verification; restart the chain here.
		m.logger.Warn("snapshot chain head is corrupt, starting new chain", "area", area, "error", err)
		snap.Seal(nil)
		err = m.store.InstallSnapshot(ctx, snap)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	metrics.SnapshotsTotal.WithLabelValues(string(area), "taken").Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.WithLabelValues(string(area)).Set(float64(len(state)))
	m.logger.Info("snapshot taken", "area", area, "version", version, "raft_index", raftIndex, "bytes", len(state))
	return snap, nil
}

// Install verifies a snapshot received from the leader and makes it the new
// head of the local chain.
func (m *Manager) Install(ctx context.Context, snap domain.Snapshot) error {
	if err := snap.Verify(); err != nil {
		metrics.SnapshotsTotal.WithLabelValues(string(snap.AreaID), "corrupt").Inc()
		return err
	}
	if err := m.store.InstallSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	metrics.SnapshotsTotal.WithLabelValues(string(snap.AreaID), "installed").Inc()
	metrics.SnapshotSizeBytes.WithLabelValues(string(snap.AreaID)).Set(float64(len(snap.State)))
	m.logger.Info("snapshot installed", "area", snap.AreaID, "version", snap.Version, "raft_index", snap.RaftIndex)
	return nil
}

// Latest returns the newest verifiable snapshot, or nil.
func (m *Manager) Latest(ctx context.Context, area domain.AreaID) (*domain.Snapshot, error) {
	snap, err := m.store.LoadSnapshot(ctx, area)
	if errors.Is(err, domain.ErrSnapshotCorrupt) {
		metrics.SnapshotsTotal.WithLabelValues(string(area), "corrupt").Inc()
	}
	return snap, err
}
