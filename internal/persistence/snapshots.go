package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"areastate/internal/domain"
	"areastate/internal/persistence/migrations"

	_ "modernc.org/sqlite"
)

const defaultRetained = 8

var ErrStaleSnapshot = errors.New("snapshot older than latest")

// SnapshotStore persists hash-chained snapshots in SQLite.
type SnapshotStore struct {
	sqlDB    *sql.DB
	retained int
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSnapshotStore opens the database at path and applies migrations.
// retained bounds how many snapshots per area are kept; 0 uses the default.
func OpenSnapshotStore(path string, retained int) (*SnapshotStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot db path is required")
	}
	if retained <= 0 {
		retained = defaultRetained
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SnapshotStore{sqlDB: sqlDB, retained: retained}, nil
}

func (s *SnapshotStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveSnapshot appends snap to the area's chain. Saving the same version
// twice with the same hash is a no-op.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := snap.Verify(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	latest, err := queryOne(ctx, tx,
		`SELECT area_id, version, raft_index, raft_term, state, chain_hash, prev_hash, created_at
		   FROM snapshots WHERE area_id = ? ORDER BY version DESC LIMIT 1`, string(snap.AreaID))
	if err != nil {
		return err
	}

	if latest != nil {
		switch {
		case snap.Version == latest.Version && bytes.Equal(snap.Hash, latest.Hash):
			return nil
		case snap.Version == latest.Version:
			return fmt.Errorf("%w: area %s version %d already saved with a different hash",
				domain.ErrSnapshotCorrupt, snap.AreaID, snap.Version)
		case snap.Version < latest.Version:
			return fmt.Errorf("%w: area %s version %d < %d", ErrStaleSnapshot, snap.AreaID, snap.Version, latest.Version)
		}
		if err := snap.VerifyLink(latest); err != nil {
			return err
		}
	}

	if err := insertSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	if err := s.pruneLocked(ctx, tx, snap.AreaID); err != nil {
		return err
	}
	return tx.Commit()
}

// InstallSnapshot replaces the area's chain with snap, which becomes the new
// chain head. Used for snapshots received from a leader.
func (s *SnapshotStore) InstallSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := snap.Verify(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE area_id = ?`, string(snap.AreaID)); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	if err := insertSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSnapshot returns the newest snapshot whose hash and chain link verify.
// A corrupt head falls back to its predecessor; nil means the area has none.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, area domain.AreaID) (*domain.Snapshot, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT area_id, version, raft_index, raft_term, state, chain_hash, prev_hash, created_at
		   FROM snapshots WHERE area_id = ? ORDER BY version DESC`, string(area))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var chain []*domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	if len(chain) == 0 {
		return nil, nil
	}

	for i, snap := range chain {
		if err := snap.Verify(); err != nil {
			slog.Warn("skipping corrupt snapshot", "area", area, "version", snap.Version, "error", err)
			continue
		}
		if i+1 < len(chain) {
			if err := snap.VerifyLink(chain[i+1]); err != nil {
				slog.Warn("skipping unlinked snapshot", "area", area, "version", snap.Version, "error", err)
				continue
			}
		}
		return snap, nil
	}

	return nil, fmt.Errorf("%w: no verifiable snapshot for area %s", domain.ErrSnapshotCorrupt, area)
}

func (s *SnapshotStore) LoadSnapshotAt(ctx context.Context, area domain.AreaID, version uint64) (*domain.Snapshot, error) {
	snap, err := queryOne(ctx, s.sqlDB,
		`SELECT area_id, version, raft_index, raft_term, state, chain_hash, prev_hash, created_at
		   FROM snapshots WHERE area_id = ? AND version = ?`, string(area), version)
	if err != nil || snap == nil {
		return snap, err
	}
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	return snap, nil
}

// DeleteSnapshots forgets the area's whole chain.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, area domain.AreaID) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM snapshots WHERE area_id = ?`, string(area)); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

func (s *SnapshotStore) pruneLocked(ctx context.Context, tx *sql.Tx, area domain.AreaID) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots
		  WHERE area_id = ?
		    AND version NOT IN (
		        SELECT version FROM snapshots WHERE area_id = ? ORDER BY version DESC LIMIT ?
		    )`,
		string(area), string(area), s.retained)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func queryOne(ctx context.Context, q queryer, query string, args ...any) (*domain.Snapshot, error) {
	snap, err := scanSnapshot(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func scanSnapshot(row scanner) (*domain.Snapshot, error) {
	var (
		snap      domain.Snapshot
		area      string
		createdAt int64
	)
	if err := row.Scan(
		&area,
		&snap.Version,
		&snap.RaftIndex,
		&snap.RaftTerm,
		&snap.State,
		&snap.Hash,
		&snap.PrevHash,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.AreaID = domain.AreaID(area)
	snap.CreatedAt = fromMillis(createdAt)
	return &snap, nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, snap domain.Snapshot) error {
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	state := snap.State
	if state == nil {
		state = []byte{}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (area_id, version, raft_index, raft_term, state, chain_hash, prev_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(snap.AreaID),
		snap.Version,
		snap.RaftIndex,
		snap.RaftTerm,
		state,
		snap.Hash,
		snap.PrevHash,
		toMillis(created),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}
