package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spcoaching/coachsync/pkg/types"
)

// FileName returns the database file a backend keeps inside its data directory
func FileName(backend Backend) string {
	if backend == BackendSQLite {
		return SQLiteFileName
	}
	return BoltFileName
}

// Path returns the database path of a backend inside dataDir
func Path(backend Backend, dataDir string) string {
	return filepath.Join(dataDir, FileName(backend))
}

// CopyStats counts the entries seen by Copy per resource type
type CopyStats struct {
	Copied  map[types.ResourceType]int
	Skipped map[types.ResourceType]int // already present in dst with a newer QueuedAt
}

// Total returns the number of copied entries
func (c *CopyStats) Total() int {
	n := 0
	for _, v := range c.Copied {
		n += v
	}
	return n
}

// Copy copies the staged entries of every resource type from src to dst.
// Entries dst already holds with a later QueuedAt are kept. With dryRun
// nothing is written.
func Copy(dst, src LocalStore, dryRun bool) (*CopyStats, error) {
	stats := &CopyStats{
		Copied:  make(map[types.ResourceType]int),
		Skipped: make(map[types.ResourceType]int),
	}

	for _, rt := range types.AllResourceTypes() {
		entries, err := src.List(rt)
		if err != nil {
			return stats, fmt.Errorf("list %s: %w", rt, err)
		}
		for _, e := range entries {
			existing, err := dst.Get(rt, e.RecordID)
			switch {
			case err == nil && existing.QueuedAt.After(e.QueuedAt):
				stats.Skipped[rt]++
				continue
			case err != nil && !errors.Is(err, ErrNotFound):
				return stats, fmt.Errorf("read %s/%s: %w", rt, e.RecordID, err)
			}

			if !dryRun {
				if err := dst.Put(e); err != nil {
					return stats, fmt.Errorf("write %s/%s: %w", rt, e.RecordID, err)
				}
			}
			stats.Copied[rt]++
		}
	}
	return stats, nil
}
