// Command tactix is a personal chess tactics trainer. It schedules
// puzzle reviews with spaced repetition, syncs attempt history from
// Lichess and serves a local review queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/tactix/internal/backup"
	"github.com/conorfennell/tactix/internal/config"
	"github.com/conorfennell/tactix/internal/domain"
	"github.com/conorfennell/tactix/internal/importer"
	"github.com/conorfennell/tactix/internal/lichess"
	"github.com/conorfennell/tactix/internal/review"
	"github.com/conorfennell/tactix/internal/srs"
	"github.com/conorfennell/tactix/internal/storage"
	"github.com/conorfennell/tactix/internal/update"
	"github.com/conorfennell/tactix/internal/web"
)

const usage = `Usage: tactix <command> [flags]

Commands:
  serve    serve the review queue web UI
  update   sync puzzles and attempts, rebuild schedules, snapshot the db
  import   load puzzle CSVs from files, directories or URLs
  due      print the puzzles due for review
  log      record one attempt from the command line
  backup   snapshot the database and rotate old snapshots
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "update":
		err = runUpdate(args)
	case "import":
		err = runImport(args)
	case "due":
		err = runDue(args)
	case "log":
		err = runLog(args)
	case "backup":
		err = runBackup(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("tactix %s: %v", cmd, err)
	}
}

// newFlagSet defines the flags shared by every command. Defaults must
// match config.Default(): the flag loader treats defaulted flags as set.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	def := config.Default()
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	cfgPath := fs.String("config", "tactix.yaml", "path to the YAML config file")
	fs.String("db.path", def.DB.Path, "path to the SQLite database")
	fs.String("server.listen", def.Server.Listen, "address the web UI listens on")
	fs.Int64("user.id", def.User.ID, "trainer user id")
	fs.String("user.username", def.User.Username, "trainer username")
	fs.String("lichess.token", def.Lichess.Token, "Lichess API token")
	return fs, cfgPath
}

func loadConfig(fs *pflag.FlagSet, cfgPath *string, args []string) (*config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*cfgPath, fs)
}

func openAll(cfg *config.Config) (*storage.DB, *review.Service, error) {
	db, err := storage.Open(cfg.DB.Path)
	if err != nil {
		return nil, nil, err
	}
	params := &srs.Params{
		Cadence:         cfg.SRS.Cadence,
		LossResetDays:   cfg.SRS.LossResetDays,
		MaxIntervalDays: cfg.SRS.MaxIntervalDays,
		SeedMode:        cfg.SRS.SeedMode,
		StaggerBuckets:  cfg.SRS.StaggerBuckets,
	}
	return db, review.NewService(db, params), nil
}

func updateOptions(cfg *config.Config, packRepos []string) update.Options {
	return update.Options{
		UserID:     cfg.User.ID,
		Username:   cfg.User.Username,
		PuzzleURL:  cfg.Lichess.PuzzleURL,
		PackRepos:  packRepos,
		ReposDir:   "repos",
		BackupDir:  cfg.Backup.Dir,
		BackupKeep: cfg.Backup.Keep,
	}
}

func runServe(args []string) error {
	fs, cfgPath := newFlagSet("serve")
	updateEvery := fs.Duration("update-every", 0, "run update cycles on this interval (0 disables)")
	cfg, err := loadConfig(fs, cfgPath, args)
	if err != nil {
		return err
	}

	db, svc, err := openAll(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureUser(ctx, cfg.User.ID, cfg.User.Username); err != nil {
		return err
	}

	if *updateEvery > 0 {
		client := lichess.NewClient(nil, cfg.Lichess.Token, cfg.Lichess.ActivityURL)
		runner := update.NewRunner(db, svc, importer.New(db, nil), client, nil)
		if err := runner.StartPeriodic(*updateEvery, updateOptions(cfg, nil)); err != nil {
			return err
		}
		defer runner.Stop()
		log.Printf("Periodic updates every %s", *updateEvery)
	}

	srv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: web.NewServer(db, svc, web.Options{
			UserID:         cfg.User.ID,
			QueueCap:       cfg.Queue.Cap,
			IncludeOverdue: cfg.Queue.IncludeOverdue,
			HideTodayDone:  cfg.Queue.HideTodayDone,
			DedupWindow:    time.Duration(cfg.Queue.DedupSeconds) * time.Second,
		}),
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Serving review queue on http://%s", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-shutdownCtx.Done():
		log.Print("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runUpdate(args []string) error {
	fs, cfgPath := newFlagSet("update")
	skipPuzzles := fs.Bool("skip-puzzles", false, "do not touch the puzzle table")
	skipAttempts := fs.Bool("skip-attempts", false, "do not sync attempt history")
	packRepos := fs.StringSlice("pack-repo", nil, "git repository with CSV puzzle packs (repeatable)")
	cfg, err := loadConfig(fs, cfgPath, args)
	if err != nil {
		return err
	}

	db, svc, err := openAll(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var client *lichess.Client
	if !*skipAttempts {
		client = lichess.NewClient(nil, cfg.Lichess.Token, cfg.Lichess.ActivityURL)
	}
	runner := update.NewRunner(db, svc, importer.New(db, nil), client, nil)

	opts := updateOptions(cfg, *packRepos)
	opts.SkipPuzzles = *skipPuzzles
	opts.SkipAttempts = *skipAttempts
	return runner.Run(context.Background(), opts)
}

func runImport(args []string) error {
	fs, cfgPath := newFlagSet("import")
	cfg, err := loadConfig(fs, cfgPath, args)
	if err != nil {
		return err
	}
	sources := fs.Args()
	if len(sources) == 0 {
		return errors.New("import needs at least one file, directory or URL")
	}

	db, _, err := openAll(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	im := importer.New(db, nil)
	ctx := context.Background()
	total := 0
	for _, src := range sources {
		var n int
		switch {
		case src == "-":
			n, err = im.Read(ctx, os.Stdin)
		case isURL(src):
			n, err = im.ImportURL(ctx, src)
		case isDir(src):
			n, err = im.ImportDir(ctx, src)
		default:
			n, err = im.ImportFile(ctx, src)
		}
		if err != nil {
			return err
		}
		total += n
	}
	fmt.Printf("Imported %d puzzles.\n", total)
	return nil
}

func runDue(args []string) error {
	fs, cfgPath := newFlagSet("due")
	onDate := fs.String("on", "", "reference date YYYY-MM-DD (default today)")
	cfg, err := loadConfig(fs, cfgPath, args)
	if err != nil {
		return err
	}

	ref := time.Now()
	if *onDate != "" {
		if ref, err = time.ParseInLocation("2006-01-02", *onDate, time.UTC); err != nil {
			return fmt.Errorf("bad --on date: %w", err)
		}
	}

	db, svc, err := openAll(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := svc.DueSet(context.Background(), cfg.User.ID, ref)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Nothing due.")
		return nil
	}
	for _, it := range items {
		fmt.Printf("%s  due %s  attempts %d  %s\n",
			it.PuzzleID, it.DueDate.Format("2006-01-02"), it.Attempts, it.Themes)
	}
	return nil
}

func runLog(args []string) error {
	fs, cfgPath := newFlagSet("log")
	puzzleID := fs.String("puzzle", "", "puzzle id")
	result := fs.String("result", "", "win or loss")
	cfg, err := loadConfig(fs, cfgPath, args)
	if err != nil {
		return err
	}

	res, err := domain.ParseResult(*result)
	if err != nil {
		return err
	}

	db, svc, err := openAll(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureUser(ctx, cfg.User.ID, cfg.User.Username); err != nil {
		return err
	}
	rec, err := svc.RecordAttempt(ctx, review.AttemptInput{
		UserID:      cfg.User.ID,
		PuzzleID:    *puzzleID,
		Result:      res,
		AttemptedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: streak %d, next review %s\n",
		rec.PuzzleID, rec.SuccessStreak, rec.DueDate.Format("2006-01-02"))
	return nil
}

func runBackup(args []string) error {
	fs, cfgPath := newFlagSet("backup")
	cfg, err := loadConfig(fs, cfgPath, args)
	if err != nil {
		return err
	}

	db, _, err := openAll(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	path, err := backup.Snapshot(context.Background(), db, cfg.Backup.Dir, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot written to %s\n", path)
	return backup.Rotate(cfg.Backup.Dir, cfg.Backup.Keep)
}

func isURL(s string) bool {
	return len(s) > 8 && (s[:7] == "http://" || s[:8] == "https://")
}

func isDir(s string) bool {
	info, err := os.Stat(s)
	return err == nil && info.IsDir()
}
