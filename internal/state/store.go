package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Store persists run records as one JSON document per run ID under a
// namespaced directory. Saves are atomic (same-directory temp file plus
// rename) so a reader never observes a half-written record. Concurrent saves
// on distinct run IDs are safe; the executor owning a run serializes saves
// for that run.
type Store struct {
	dir    string
	logger *log.Logger
}

// NewStore creates a Store rooted at dir. The directory is created on the
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// WithLogger attaches a logger used to report skipped records during
// enumeration. Returns the receiver.
func (s *Store) WithLogger(logger *log.Logger) *Store {
	s.logger = logger
	return s
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// path returns the record path for a run ID.
func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes the record atomically. Filesystem errors propagate; on any
// error the previous record (if one existed) is left intact.
func (s *Store) Save(ps *PipelineState) error {
	if ps == nil || ps.RunID == "" {
		return fmt.Errorf("state: save requires a run ID")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("state: creating %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal run %s: %w", ps.RunID, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".agentpipe-tmp-*")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written := false
	defer func() {
		if !written {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: closing temp file: %w", err)
	}
	_ = os.Chmod(tmpPath, 0o644)

	if err := os.Rename(tmpPath, s.path(ps.RunID)); err != nil {
		return fmt.Errorf("state: renaming into place: %w", err)
	}
	written = true
	return nil
}

// Load reads the record for runID. A missing record returns (nil, nil).
func (s *Store) Load(runID string) (*PipelineState, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: reading run %s: %w", runID, err)
	}
	var ps PipelineState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("state: parsing run %s: %w", runID, err)
	}
	return &ps, nil
}

// Latest returns the most recently modified record, or nil when the store is
// empty. Malformed records are skipped.
func (s *Store) Latest() (*PipelineState, error) {
	entries, err := s.recordFiles()
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mtime.After(entries[j].mtime)
	})
	for _, e := range entries {
		ps, err := s.Load(e.runID)
		if err != nil {
			s.warn("skipping unreadable run record", "run", e.runID, "error", err)
			continue
		}
		if ps != nil {
			return ps, nil
		}
	}
	return nil, nil
}

// All returns every readable record sorted by trigger timestamp, newest
// first. Per-file parse errors are logged and skipped so aggregate queries
// never fail on one bad record.
func (s *Store) All() ([]*PipelineState, error) {
	entries, err := s.recordFiles()
	if err != nil {
		return nil, err
	}

	var states []*PipelineState
	for _, e := range entries {
		ps, err := s.Load(e.runID)
		if err != nil {
			s.warn("skipping unreadable run record", "run", e.runID, "error", err)
			continue
		}
		if ps != nil {
			states = append(states, ps)
		}
	}

	sort.SliceStable(states, func(i, j int) bool {
		return states[i].Trigger.Timestamp.After(states[j].Trigger.Timestamp)
	})
	return states, nil
}

// DeleteByPipeline removes every record whose embedded config name equals
// name and returns how many were removed.
func (s *Store) DeleteByPipeline(name string) (int, error) {
	states, err := s.All()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, ps := range states {
		if ps.PipelineConfig == nil || ps.PipelineConfig.Name != name {
			continue
		}
		if err := os.Remove(s.path(ps.RunID)); err != nil {
			return deleted, fmt.Errorf("state: deleting run %s: %w", ps.RunID, err)
		}
		deleted++
	}
	return deleted, nil
}

// recordEntry pairs a run ID with its file modification time.
type recordEntry struct {
	runID string
	mtime time.Time
}

// recordFiles enumerates the store directory. A missing directory yields an
// empty list.
func (s *Store) recordFiles() ([]recordEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: listing %s: %w", s.dir, err)
	}

	var entries []recordEntry
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		entries = append(entries, recordEntry{
			runID: strings.TrimSuffix(e.Name(), ".json"),
			mtime: info.ModTime(),
		})
	}
	return entries, nil
}

func (s *Store) warn(msg string, kvs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, kvs...)
}
