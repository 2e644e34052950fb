// Package backup snapshots the database into timestamped files and
// prunes old snapshots.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conorfennell/tactix/internal/storage"
)

const (
	namePrefix = "tactix_"
	nameSuffix = ".sqlite3"
	nameLayout = "2006-01-02_150405"
)

// Snapshot writes a compacted copy of the database into dir and returns
// its path.
func Snapshot(ctx context.Context, db *storage.DB, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	path := filepath.Join(dir, namePrefix+now.UTC().Format(nameLayout)+nameSuffix)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backup %s already exists", path)
	}
	if err := db.VacuumInto(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// Rotate deletes all but the newest keep snapshots in dir. Files that do
// not look like snapshots are left alone.
func Rotate(dir string, keep int) error {
	if keep < 1 {
		return fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read backup dir: %w", err)
	}

	var snapshots []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
			continue
		}
		snapshots = append(snapshots, name)
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(snapshots)))

	for _, name := range snapshots[min(keep, len(snapshots)):] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", name, err)
		}
	}
	return nil
}
