// Package update orchestrates the refresh cycle: pull puzzle packs,
// sync attempt history from Lichess, rebuild affected schedules and
// snapshot the database.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/conorfennell/tactix/internal/backup"
	"github.com/conorfennell/tactix/internal/gitsource"
	"github.com/conorfennell/tactix/internal/importer"
	"github.com/conorfennell/tactix/internal/lichess"
	"github.com/conorfennell/tactix/internal/review"
	"github.com/conorfennell/tactix/internal/storage"
)

// Options selects what an update run does.
type Options struct {
	UserID   int64
	Username string

	// PuzzleURL downloads the full puzzle dump when set.
	PuzzleURL string
	// PackRepos are git repositories holding CSV puzzle packs.
	PackRepos []string
	// ReposDir is where pack repos are mirrored.
	ReposDir string

	// SkipPuzzles leaves the puzzle table untouched.
	SkipPuzzles bool
	// SkipAttempts leaves the attempt log untouched.
	SkipAttempts bool

	BackupDir  string
	BackupKeep int
}

// Runner executes update cycles.
type Runner struct {
	db       *storage.DB
	svc      *review.Service
	importer *importer.Importer
	client   *lichess.Client
	logger   *slog.Logger

	scheduler *gocron.Scheduler
}

// NewRunner wires an update runner. client may be nil when attempt sync
// is not wanted; logger may be nil.
func NewRunner(db *storage.DB, svc *review.Service, im *importer.Importer, client *lichess.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, svc: svc, importer: im, client: client, logger: logger}
}

// Run performs one full update cycle.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	if !opts.SkipPuzzles {
		if err := r.syncPuzzles(ctx, opts); err != nil {
			return err
		}
	}

	if err := r.db.EnsureUser(ctx, opts.UserID, opts.Username); err != nil {
		return err
	}

	if !opts.SkipAttempts && r.client != nil {
		changed, err := r.syncAttempts(ctx, opts.UserID)
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			r.logger.Info("rebuilding schedules", "puzzles", len(changed))
			if err := r.svc.Rebuild(ctx, opts.UserID, changed...); err != nil {
				return err
			}
		}
	}

	if opts.BackupDir != "" {
		path, err := backup.Snapshot(ctx, r.db, opts.BackupDir, time.Now())
		if err != nil {
			return err
		}
		r.logger.Info("database snapshot written", "path", path)
		if err := backup.Rotate(opts.BackupDir, opts.BackupKeep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) syncPuzzles(ctx context.Context, opts Options) error {
	for _, repoURL := range opts.PackRepos {
		localPath, err := gitsource.LocalPath(opts.ReposDir, repoURL)
		if err != nil {
			return err
		}
		if err := gitsource.Sync(ctx, repoURL, localPath); err != nil {
			return err
		}
		n, err := r.importer.ImportDir(ctx, localPath)
		if err != nil {
			return err
		}
		r.logger.Info("synced puzzle pack repo", "url", repoURL, "puzzles", n)
	}

	if opts.PuzzleURL != "" {
		n, err := r.importer.ImportURL(ctx, opts.PuzzleURL)
		if err != nil {
			return err
		}
		r.logger.Info("imported puzzle dump", "url", opts.PuzzleURL, "puzzles", n)
	}
	return nil
}

// syncAttempts pulls activity newer than the newest stored attempt. The
// stream arrives newest first, so rows are inserted raw and the caller
// rebuilds the touched schedules afterwards.
func (r *Runner) syncAttempts(ctx context.Context, userID int64) ([]string, error) {
	var since time.Time
	last, err := r.db.LastAttemptTime(ctx, userID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		since = *last
	}

	seen := make(map[string]bool)
	var changed []string
	skipped := 0

	err = r.client.StreamActivity(ctx, since, func(e lichess.Entry) error {
		p, err := r.db.FindPuzzle(ctx, e.Puzzle.ID)
		if err != nil {
			return err
		}
		if p == nil {
			// Activity can reference puzzles absent from the imported
			// packs. Skipped entries reappear on the next run after a
			// fresh dump import.
			skipped++
			return nil
		}
		inserted, err := r.db.InsertAttemptIgnore(ctx, e.Attempt(userID))
		if err != nil {
			return err
		}
		if inserted && !seen[e.Puzzle.ID] {
			seen[e.Puzzle.ID] = true
			changed = append(changed, e.Puzzle.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync attempts: %w", err)
	}
	if skipped > 0 {
		r.logger.Warn("skipped activity for unknown puzzles", "count", skipped)
	}
	r.logger.Info("attempt sync complete", "new_attempts", len(changed))
	return changed, nil
}

// StartPeriodic runs update cycles on an interval until Stop is called.
func (r *Runner) StartPeriodic(interval time.Duration, opts Options) error {
	if r.scheduler != nil {
		return fmt.Errorf("periodic updates already running")
	}
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).Do(func() {
		if err := r.Run(context.Background(), opts); err != nil {
			r.logger.Error("scheduled update failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule updates: %w", err)
	}
	s.StartAsync()
	r.scheduler = s
	return nil
}

// Stop halts periodic updates.
func (r *Runner) Stop() {
	if r.scheduler != nil {
		r.scheduler.Stop()
		r.scheduler = nil
	}
}
