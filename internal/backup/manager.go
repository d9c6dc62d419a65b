package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Snapshotter produces a consistent copy of the live database.
type Snapshotter interface {
	BackupTo(ctx context.Context, destPath string) error
}

// Manager owns the backup directory: it takes snapshots, prunes old ones
// down to the retention count, and hands the newest file to the uploader.
type Manager struct {
	snapshotter Snapshotter
	uploader    Uploader
	dir         string
	keep        int
}

// NewManager creates a Manager writing snapshots under dir and keeping at
// most keep local files.
func NewManager(snapshotter Snapshotter, uploader Uploader, dir string, keep int) *Manager {
	return &Manager{
		snapshotter: snapshotter,
		uploader:    uploader,
		dir:         dir,
		keep:        keep,
	}
}

// Run takes one snapshot, uploads it, and prunes old snapshots. A failed
// upload keeps the local file and does not fail the run; the next cycle
// uploads a fresh snapshot anyway.
func (m *Manager) Run(ctx context.Context, now time.Time) (string, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	name := backupName(now)
	path := filepath.Join(m.dir, name)
	if err := m.snapshotter.BackupTo(ctx, path); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	if err := m.uploader.Upload(ctx, name, path); err != nil {
		slog.Warn("backup upload failed",
			"component", "backup",
			"file", name,
			"error", err,
		)
	}

	if err := m.prune(); err != nil {
		slog.Warn("backup prune failed",
			"component", "backup",
			"error", err,
		)
	}

	return path, nil
}

// List returns the snapshot file names currently on disk, newest first.
func (m *Manager) List() ([]string, error) {
	names, err := m.snapshotNames()
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// prune deletes the oldest snapshots beyond the retention count.
func (m *Manager) prune() error {
	names, err := m.snapshotNames()
	if err != nil {
		return err
	}
	if len(names) <= m.keep {
		return nil
	}

	// Names embed the timestamp, so lexical order is chronological.
	sort.Strings(names)
	for _, name := range names[:len(names)-m.keep] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("remove old backup %s: %w", name, err)
		}
		slog.Debug("old backup removed",
			"component", "backup",
			"file", name,
		)
	}
	return nil
}

func (m *Manager) snapshotNames() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".db" {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
