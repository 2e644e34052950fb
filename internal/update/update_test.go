package update

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/tactix/internal/domain"
	"github.com/conorfennell/tactix/internal/importer"
	"github.com/conorfennell/tactix/internal/lichess"
	"github.com/conorfennell/tactix/internal/review"
	"github.com/conorfennell/tactix/internal/srs"
	"github.com/conorfennell/tactix/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func activityLine(id string, win bool, at time.Time) string {
	return fmt.Sprintf(`{"date":%d,"win":%t,"puzzle":{"id":%q,"rating":1700}}`, at.UnixMilli(), win, id)
}

func TestRunSyncsAttemptsAndRebuilds(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.UpsertPuzzles(ctx, []domain.Puzzle{
		{ID: "aaa", Rating: 1500, FEN: "fen", Moves: "e2e4"},
	}); err != nil {
		t.Fatal(err)
	}

	day0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	body := activityLine("aaa", true, day0.AddDate(0, 0, 1)) + "\n" +
		activityLine("aaa", false, day0) + "\n" +
		activityLine("zzz", true, day0) + "\n" // unknown puzzle, skipped
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	svc := review.NewService(db, srs.DefaultParams())
	runner := NewRunner(db, svc, importer.New(db, nil), lichess.NewClient(srv.Client(), "", srv.URL), nil)

	opts := Options{UserID: 1, Username: "me", SkipPuzzles: true}
	if err := runner.Run(ctx, opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	attempts, err := db.AttemptsForPuzzle(ctx, 1, "aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 synced attempts, got %d", len(attempts))
	}

	// Loss then win replayed chronologically.
	rec, err := db.FindRecord(ctx, 1, "aaa")
	if err != nil || rec == nil {
		t.Fatalf("FindRecord: %v, %v", rec, err)
	}
	if rec.SuccessStreak != 1 || rec.LastResult != domain.Win {
		t.Errorf("rebuild wrong: %+v", rec)
	}

	// A second run sees nothing newer and changes nothing.
	if err := runner.Run(ctx, opts); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	attempts, err = db.AttemptsForPuzzle(ctx, 1, "aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Errorf("second run duplicated attempts: %d", len(attempts))
	}
}

func TestRunImportsPuzzleDump(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	csv := "PuzzleId,FEN,Moves,Rating\nabc,fen,e2e4,1600\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(csv))
	}))
	defer srv.Close()

	svc := review.NewService(db, srs.DefaultParams())
	runner := NewRunner(db, svc, importer.New(db, nil), nil, nil)

	err := runner.Run(ctx, Options{
		UserID: 1, Username: "me",
		PuzzleURL: srv.URL + "/dump.csv",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	p, err := db.FindPuzzle(ctx, "abc")
	if err != nil || p == nil {
		t.Fatalf("dump not imported: %v, %v", p, err)
	}
}

func TestRunWritesBackup(t *testing.T) {
	db := newTestDB(t)
	svc := review.NewService(db, srs.DefaultParams())
	runner := NewRunner(db, svc, importer.New(db, nil), nil, nil)

	dir := t.TempDir()
	err := runner.Run(context.Background(), Options{
		UserID: 1, Username: "me",
		SkipPuzzles: true,
		BackupDir:   dir, BackupKeep: 3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(entries))
	}
}
