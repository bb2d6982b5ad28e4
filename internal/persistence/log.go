// Package persistence is the durable backend for committed change logs and
// hash-chained area snapshots.
package persistence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"areastate/internal/domain"

	"github.com/tidwall/wal"
)

var ErrOutOfOrder = errors.New("log entry out of order")

// LogStore keeps one tidwall/wal log per area. WAL indexes are contiguous and
// so are sequence numbers, so seq = walIndex + offset for the whole log.
type LogStore struct {
	mu     sync.Mutex
	dir    string
	noSync bool
	logs   map[domain.AreaID]*areaLog
}

type areaLog struct {
	log    *wal.Log
	dir    string
	offset uint64
	// next is the seq the next append must carry; 0 means unconstrained.
	next uint64
}

func OpenLogStore(dir string, noSync bool) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &LogStore{
		dir:    dir,
		noSync: noSync,
		logs:   make(map[domain.AreaID]*areaLog),
	}, nil
}

func (s *LogStore) areaLocked(area domain.AreaID) (*areaLog, error) {
	if al, ok := s.logs[area]; ok {
		return al, nil
	}

	dir := filepath.Join(s.dir, hex.EncodeToString([]byte(area)))
	opts := *wal.DefaultOptions
	opts.NoSync = s.noSync
	log, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open %s: %w", dir, err)
	}

	al := &areaLog{log: log, dir: dir}
	first, err := log.FirstIndex()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last > 0 {
		data, err := log.Read(first)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("wal.Read(%d): %w", first, err)
		}
		entry, err := domain.UnmarshalLogEntry(data)
		if err != nil {
			log.Close()
			return nil, err
		}
		al.offset = entry.Seq - first
		al.next = last + al.offset + 1
	}

	s.logs[area] = al
	return al, nil
}

func (s *LogStore) AppendLog(area domain.AreaID, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	al, err := s.areaLocked(area)
	if err != nil {
		return err
	}

	last, err := al.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last == 0 {
		if al.next != 0 && entry.Seq != al.next {
			return fmt.Errorf("%w: area %s expected seq %d, got %d", ErrOutOfOrder, area, al.next, entry.Seq)
		}
		al.offset = entry.Seq - 1
	} else if entry.Seq != al.next {
		return fmt.Errorf("%w: area %s expected seq %d, got %d", ErrOutOfOrder, area, al.next, entry.Seq)
	}

	idx := entry.Seq - al.offset
	if err := al.log.Write(idx, entry.Marshal()); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", idx, err)
	}
	al.next = entry.Seq + 1
	return nil
}

func (s *LogStore) LoadLog(area domain.AreaID) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	al, err := s.areaLocked(area)
	if err != nil {
		return nil, err
	}

	first, err := al.log.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := al.log.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last == 0 {
		return nil, nil
	}

	entries := make([]domain.LogEntry, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		data, err := al.log.Read(idx)
		if err != nil {
			return nil, fmt.Errorf("wal.Read(%d): %w", idx, err)
		}
		entry, err := domain.UnmarshalLogEntry(data)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", idx, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TruncateLog drops entries with seq <= upTo. The newest entry is always
// kept so the seq offset survives a restart.
func (s *LogStore) TruncateLog(area domain.AreaID, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	al, err := s.areaLocked(area)
	if err != nil {
		return err
	}

	first, err := al.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := al.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last == 0 || upTo <= al.offset {
		return nil
	}

	idx := upTo - al.offset + 1
	if idx > last {
		idx = last
	}
	if idx <= first {
		return nil
	}

	if err := al.log.TruncateFront(idx); err != nil {
		return fmt.Errorf("wal.TruncateFront(%d): %w", idx, err)
	}

	slog.Debug("truncated change log", "area", area, "up_to", upTo, "first_seq", idx+al.offset)
	return nil
}

// ResetLog discards the area's log; the next append must carry seq after+1.
// Used when a snapshot newer than the whole log is installed.
func (s *LogStore) ResetLog(area domain.AreaID, after uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	al, err := s.areaLocked(area)
	if err != nil {
		return err
	}
	if err := al.log.Close(); err != nil {
		return fmt.Errorf("wal.Close: %w", err)
	}
	delete(s.logs, area)

	if err := os.RemoveAll(al.dir); err != nil {
		return fmt.Errorf("remove %s: %w", al.dir, err)
	}

	fresh, err := s.areaLocked(area)
	if err != nil {
		return err
	}
	fresh.next = after + 1

	slog.Info("reset change log", "area", area, "after", after)
	return nil
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for area, al := range s.logs {
		if err := al.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", area, err))
		}
	}
	s.logs = make(map[domain.AreaID]*areaLog)
	return errors.Join(errs...)
}
