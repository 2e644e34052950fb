package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/tactix/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *DB, puzzleIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := db.EnsureUser(ctx, 1, "me"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	var puzzles []domain.Puzzle
	for _, id := range puzzleIDs {
		puzzles = append(puzzles, domain.Puzzle{
			ID: id, Rating: 1500, Themes: "fork middlegame",
			FEN: "r1bqkbnr/pppp1ppp/2n5/4p3/2B1P3/5N2/PPPP1PPP/RNBQK2R w KQkq - 4 4",
			Moves: "c4f7 e8f7",
		})
	}
	if err := db.UpsertPuzzles(ctx, puzzles); err != nil {
		t.Fatalf("UpsertPuzzles failed: %v", err)
	}
}

func date(s string) time.Time {
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEnsureUserIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.EnsureUser(ctx, 1, "me"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if err := db.EnsureUser(ctx, 1, "me"); err != nil {
		t.Fatalf("second EnsureUser failed: %v", err)
	}
	u, err := db.FindUser(ctx, 1)
	if err != nil || u == nil {
		t.Fatalf("FindUser failed: %v, %v", u, err)
	}
	if u.Username != "me" {
		t.Errorf("unexpected username %q", u.Username)
	}
	if missing, err := db.FindUser(ctx, 99); err != nil || missing != nil {
		t.Errorf("expected nil for missing user, got %v, %v", missing, err)
	}
}

func TestUpsertPuzzleRefreshesRating(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "00sHx")

	if err := db.UpsertPuzzles(ctx, []domain.Puzzle{{
		ID: "00sHx", Rating: 1600, RatingDeviation: 75, FEN: "fen", Moves: "e2e4",
	}}); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	p, err := db.FindPuzzle(ctx, "00sHx")
	if err != nil || p == nil {
		t.Fatalf("FindPuzzle failed: %v, %v", p, err)
	}
	if p.Rating != 1600 || p.RatingDeviation != 75 {
		t.Errorf("rating not refreshed: %+v", p)
	}
}

func TestAttemptUniqueness(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "00sHx")

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	a := domain.Attempt{UserID: 1, PuzzleID: "00sHx", AttemptedAt: at, Result: domain.Win}

	inserted, err := db.InsertAttemptIgnore(ctx, a)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = db.InsertAttemptIgnore(ctx, a)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if inserted {
		t.Error("duplicate attempt was inserted")
	}

	err = db.InTx(ctx, func(tx *Tx) error {
		exists, err := tx.AttemptExists(ctx, 1, "00sHx", at)
		if err != nil {
			return err
		}
		if !exists {
			t.Error("AttemptExists did not see the row")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "00sHx")

	rec := domain.Record{
		UserID: 1, PuzzleID: "00sHx", LastResult: domain.Win,
		SuccessStreak: 2, IntervalDays: 2,
		DueDate: date("2025-06-03"), LastReviewed: date("2025-06-01"),
	}
	err := db.InTx(ctx, func(tx *Tx) error { return tx.UpsertRecord(ctx, rec) })
	if err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	got, err := db.FindRecord(ctx, 1, "00sHx")
	if err != nil || got == nil {
		t.Fatalf("FindRecord failed: %v, %v", got, err)
	}
	if *got != rec {
		t.Errorf("record round trip mismatch: got %+v want %+v", *got, rec)
	}

	// Whole-record overwrite.
	rec.SuccessStreak = 0
	rec.IntervalDays = 1
	rec.LastResult = domain.Loss
	rec.DueDate = date("2025-06-02")
	err = db.InTx(ctx, func(tx *Tx) error { return tx.UpsertRecord(ctx, rec) })
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err = db.FindRecord(ctx, 1, "00sHx")
	if err != nil || got == nil || *got != rec {
		t.Errorf("overwrite mismatch: got %+v want %+v (err %v)", got, rec, err)
	}
}

func TestFindRecordAbsent(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "00sHx")
	rec, err := db.FindRecord(context.Background(), 1, "00sHx")
	if err != nil {
		t.Fatalf("FindRecord failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for unscheduled pair, got %+v", rec)
	}
}

func TestDueBeforeOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "bbb", "aaa", "ccc", "ddd")

	records := []domain.Record{
		{UserID: 1, PuzzleID: "ccc", LastResult: domain.Loss, IntervalDays: 1, DueDate: date("2025-06-01"), LastReviewed: date("2025-05-31")},
		{UserID: 1, PuzzleID: "bbb", LastResult: domain.Loss, IntervalDays: 1, DueDate: date("2025-06-02"), LastReviewed: date("2025-06-01")},
		{UserID: 1, PuzzleID: "aaa", LastResult: domain.Loss, IntervalDays: 1, DueDate: date("2025-06-02"), LastReviewed: date("2025-06-01")},
		{UserID: 1, PuzzleID: "ddd", LastResult: domain.Win, IntervalDays: 30, DueDate: date("2025-07-01"), LastReviewed: date("2025-06-01")},
	}
	for _, rec := range records {
		rec := rec
		if err := db.InTx(ctx, func(tx *Tx) error { return tx.UpsertRecord(ctx, rec) }); err != nil {
			t.Fatalf("UpsertRecord %s failed: %v", rec.PuzzleID, err)
		}
	}

	items, err := db.DueBefore(ctx, 1, DueQuery{Before: date("2025-06-02")})
	if err != nil {
		t.Fatalf("DueBefore failed: %v", err)
	}
	want := []string{"ccc", "aaa", "bbb"} // due date asc, then puzzle id asc
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for i, id := range want {
		if items[i].PuzzleID != id {
			t.Errorf("position %d: got %s, want %s", i, items[i].PuzzleID, id)
		}
	}

	t.Run("limit", func(t *testing.T) {
		items, err := db.DueBefore(ctx, 1, DueQuery{Before: date("2025-06-02"), Limit: 2})
		if err != nil {
			t.Fatalf("DueBefore failed: %v", err)
		}
		if len(items) != 2 || items[0].PuzzleID != "ccc" || items[1].PuzzleID != "aaa" {
			t.Errorf("limit broke ordering: %+v", items)
		}
	})

	t.Run("only on date", func(t *testing.T) {
		items, err := db.DueBefore(ctx, 1, DueQuery{Before: date("2025-06-02"), OnlyOn: true})
		if err != nil {
			t.Fatalf("DueBefore failed: %v", err)
		}
		if len(items) != 2 {
			t.Errorf("expected 2 items due exactly on date, got %d", len(items))
		}
	})

	t.Run("empty for other user", func(t *testing.T) {
		if err := db.EnsureUser(ctx, 2, "other"); err != nil {
			t.Fatal(err)
		}
		items, err := db.DueBefore(ctx, 2, DueQuery{Before: date("2025-06-02")})
		if err != nil {
			t.Fatalf("DueBefore failed: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("expected empty queue, got %+v", items)
		}
	})
}

func TestDueBeforeHidesAttemptedToday(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "aaa", "bbb")

	for _, rec := range []domain.Record{
		{UserID: 1, PuzzleID: "aaa", LastResult: domain.Loss, IntervalDays: 1, DueDate: date("2025-06-02"), LastReviewed: date("2025-06-01")},
		{UserID: 1, PuzzleID: "bbb", LastResult: domain.Loss, IntervalDays: 1, DueDate: date("2025-06-02"), LastReviewed: date("2025-06-01")},
	} {
		rec := rec
		if err := db.InTx(ctx, func(tx *Tx) error { return tx.UpsertRecord(ctx, rec) }); err != nil {
			t.Fatal(err)
		}
	}
	_, err := db.InsertAttemptIgnore(ctx, domain.Attempt{
		UserID: 1, PuzzleID: "aaa", Result: domain.Win,
		AttemptedAt: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := db.DueBefore(ctx, 1, DueQuery{Before: date("2025-06-02"), HideAttemptedOn: date("2025-06-02")})
	if err != nil {
		t.Fatalf("DueBefore failed: %v", err)
	}
	if len(items) != 1 || items[0].PuzzleID != "bbb" {
		t.Errorf("expected only bbb, got %+v", items)
	}
}

func TestLastAttemptTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "aaa")

	if ts, err := db.LastAttemptTime(ctx, 1); err != nil || ts != nil {
		t.Fatalf("expected nil before attempts, got %v, %v", ts, err)
	}

	newest := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{
		time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		newest,
		time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
	} {
		if _, err := db.InsertAttemptIgnore(ctx, domain.Attempt{UserID: 1, PuzzleID: "aaa", AttemptedAt: at, Result: domain.Loss}); err != nil {
			t.Fatal(err)
		}
	}
	ts, err := db.LastAttemptTime(ctx, 1)
	if err != nil || ts == nil {
		t.Fatalf("LastAttemptTime failed: %v, %v", ts, err)
	}
	if !ts.Equal(newest) {
		t.Errorf("expected %v, got %v", newest, ts)
	}
}

func TestAttemptsForPuzzleChronological(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "aaa")

	times := []time.Time{
		time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC),
	}
	for _, at := range times {
		if _, err := db.InsertAttemptIgnore(ctx, domain.Attempt{UserID: 1, PuzzleID: "aaa", AttemptedAt: at, Result: domain.Win}); err != nil {
			t.Fatal(err)
		}
	}
	attempts, err := db.AttemptsForPuzzle(ctx, 1, "aaa")
	if err != nil {
		t.Fatalf("AttemptsForPuzzle failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i := 1; i < len(attempts); i++ {
		if attempts[i].AttemptedAt.Before(attempts[i-1].AttemptedAt) {
			t.Errorf("attempts not chronological at %d", i)
		}
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "aaa")

	boom := domain.ErrConstraintViolation
	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertAttempt(ctx, domain.Attempt{
			UserID: 1, PuzzleID: "aaa", Result: domain.Win,
			AttemptedAt: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		}); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected sentinel error back, got %v", err)
	}

	attempts, err := db.AttemptsForPuzzle(ctx, 1, "aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Errorf("rollback left %d attempt rows behind", len(attempts))
	}
}
