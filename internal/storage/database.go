// Package storage persists users, puzzles, attempts and schedule records
// in SQLite. Writes that belong to one logical operation go through Tx so
// the read-modify-write of a schedule record is atomic.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conorfennell/tactix/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339
)

// DB wraps the SQL database connection.
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up to
// date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection also keeps
	// the per-connection pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// VacuumInto writes a compacted snapshot of the database to path.
func (db *DB) VacuumInto(ctx context.Context, path string) error {
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to snapshot database to %s: %w", path, err)
	}
	return nil
}

// EnsureUser creates the user if it does not exist yet.
func (db *DB) EnsureUser(ctx context.Context, id int64, username string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, username) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, username)
	if err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", id, err)
	}
	return nil
}

// FindUser retrieves a user by id. Returns nil when absent.
func (db *DB) FindUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, username FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %d: %w", id, err)
	}
	return &u, nil
}

// UpsertPuzzles inserts or refreshes a batch of puzzles in one
// transaction.
func (db *DB) UpsertPuzzles(ctx context.Context, puzzles []domain.Puzzle) error {
	if len(puzzles) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin puzzle upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO puzzles (puzzle_id, rating, rating_deviation, popularity, nb_plays, themes, game_url, fen, moves)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(puzzle_id) DO UPDATE SET
		  rating = excluded.rating,
		  rating_deviation = excluded.rating_deviation,
		  popularity = excluded.popularity,
		  nb_plays = excluded.nb_plays,
		  themes = excluded.themes,
		  game_url = excluded.game_url,
		  fen = excluded.fen,
		  moves = excluded.moves
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare puzzle upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range puzzles {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Rating, p.RatingDeviation, p.Popularity, p.NbPlays, p.Themes, p.GameURL, p.FEN, p.Moves); err != nil {
			return fmt.Errorf("failed to upsert puzzle %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit puzzle upsert: %w", err)
	}
	return nil
}

// FindPuzzle retrieves a puzzle by id. Returns nil when absent.
func (db *DB) FindPuzzle(ctx context.Context, id string) (*domain.Puzzle, error) {
	var p domain.Puzzle
	err := db.conn.QueryRowContext(ctx, `
		SELECT puzzle_id, rating, rating_deviation, popularity, nb_plays, themes, game_url, fen, moves
		FROM puzzles WHERE puzzle_id = ?
	`, id).Scan(&p.ID, &p.Rating, &p.RatingDeviation, &p.Popularity, &p.NbPlays, &p.Themes, &p.GameURL, &p.FEN, &p.Moves)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find puzzle %s: %w", id, err)
	}
	return &p, nil
}

// InsertAttemptIgnore appends an attempt, silently skipping exact
// (user, puzzle, attempted_at) duplicates. Used by the bulk activity
// sync, which replays overlapping history on every run.
func (db *DB) InsertAttemptIgnore(ctx context.Context, a domain.Attempt) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO attempts (user_id, puzzle_id, attempted_at, result, time_ms, puzzle_rating_after)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.UserID, a.PuzzleID, a.AttemptedAt.UTC().Format(timeLayout), string(a.Result), a.TimeMs, a.PuzzleRatingAfter)
	if err != nil {
		return false, fmt.Errorf("failed to insert attempt for %s: %w", a.PuzzleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read attempt insert result: %w", err)
	}
	return n > 0, nil
}

// LastAttemptTime returns the newest attempt timestamp for a user, or nil
// when the user has no attempts.
func (db *DB) LastAttemptTime(ctx context.Context, userID int64) (*time.Time, error) {
	var raw sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT MAX(attempted_at) FROM attempts WHERE user_id = ?
	`, userID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to find last attempt time: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	ts, err := time.Parse(timeLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attempt time %q: %w", raw.String, err)
	}
	return &ts, nil
}

// LastAttemptOfResult returns the newest attempt with the given result
// for a pair, or nil. The web layer uses it to suppress double-clicks.
func (db *DB) LastAttemptOfResult(ctx context.Context, userID int64, puzzleID string, result domain.Result) (*time.Time, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `
		SELECT attempted_at FROM attempts
		WHERE user_id = ? AND puzzle_id = ? AND result = ?
		ORDER BY attempted_at DESC LIMIT 1
	`, userID, puzzleID, string(result)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find last %s attempt: %w", result, err)
	}
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attempt time %q: %w", raw, err)
	}
	return &ts, nil
}

// PuzzlesWithAttempts lists the distinct puzzle ids a user has attempted.
func (db *DB) PuzzlesWithAttempts(ctx context.Context, userID int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT puzzle_id FROM attempts WHERE user_id = ? ORDER BY puzzle_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempted puzzles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan puzzle id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AttemptsForPuzzle returns a user's attempts at one puzzle in
// chronological order.
func (db *DB) AttemptsForPuzzle(ctx context.Context, userID int64, puzzleID string) ([]domain.Attempt, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, puzzle_id, attempted_at, result, time_ms, puzzle_rating_after
		FROM attempts
		WHERE user_id = ? AND puzzle_id = ?
		ORDER BY attempted_at
	`, userID, puzzleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", puzzleID, err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(rows *sql.Rows) (domain.Attempt, error) {
	var (
		a      domain.Attempt
		rawAt  string
		result string
		timeMs sql.NullInt64
		rating sql.NullInt64
	)
	if err := rows.Scan(&a.ID, &a.UserID, &a.PuzzleID, &rawAt, &result, &timeMs, &rating); err != nil {
		return a, fmt.Errorf("failed to scan attempt row: %w", err)
	}
	ts, err := time.Parse(timeLayout, rawAt)
	if err != nil {
		return a, fmt.Errorf("failed to parse attempt time %q: %w", rawAt, err)
	}
	a.AttemptedAt = ts
	a.Result = domain.Result(result)
	if timeMs.Valid {
		v := int(timeMs.Int64)
		a.TimeMs = &v
	}
	if rating.Valid {
		v := int(rating.Int64)
		a.PuzzleRatingAfter = &v
	}
	return a, nil
}

// FindRecord retrieves the schedule record for a pair. Returns nil when
// the pair has never been scheduled.
func (db *DB) FindRecord(ctx context.Context, userID int64, puzzleID string) (*domain.Record, error) {
	return findRecord(ctx, db.conn, userID, puzzleID)
}

// DueItem is one row of a review queue.
type DueItem struct {
	PuzzleID    string
	Themes      string
	DueDate     time.Time
	Attempts    int
	LastAttempt *time.Time
}

// DueQuery selects and bounds a review queue.
type DueQuery struct {
	// Before includes records with due_date <= Before (a calendar date).
	Before time.Time
	// OnlyOn, when set, restricts to records due exactly on Before.
	OnlyOn bool
	// HideAttemptedOn excludes puzzles already attempted on the given
	// calendar date.
	HideAttemptedOn time.Time
	// Limit caps the result; 0 means no cap.
	Limit int
}

// DueBefore returns the puzzles due for review, ordered by ascending due
// date and then by ascending puzzle id so sessions are reproducible.
func (db *DB) DueBefore(ctx context.Context, userID int64, q DueQuery) ([]DueItem, error) {
	cond := "s.due_date <= ?"
	if q.OnlyOn {
		cond = "s.due_date = ?"
	}
	args := []any{userID, q.Before.UTC().Format(dateLayout)}

	hide := ""
	if !q.HideAttemptedOn.IsZero() {
		hide = `AND NOT EXISTS (
			SELECT 1 FROM attempts a
			WHERE a.user_id = s.user_id AND a.puzzle_id = s.puzzle_id
			  AND date(a.attempted_at) = ?
		)`
		args = append(args, q.HideAttemptedOn.UTC().Format(dateLayout))
	}

	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.puzzle_id, p.themes, s.due_date,
		       (SELECT COUNT(*) FROM attempts a WHERE a.user_id = s.user_id AND a.puzzle_id = s.puzzle_id),
		       (SELECT MAX(a.attempted_at) FROM attempts a WHERE a.user_id = s.user_id AND a.puzzle_id = s.puzzle_id)
		FROM srs s
		JOIN puzzles p ON p.puzzle_id = s.puzzle_id
		WHERE s.user_id = ? AND %s %s
		ORDER BY s.due_date, s.puzzle_id
		%s
	`, cond, hide, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due puzzles: %w", err)
	}
	defer rows.Close()

	items := []DueItem{}
	for rows.Next() {
		var (
			it      DueItem
			rawDue  string
			rawLast sql.NullString
		)
		if err := rows.Scan(&it.PuzzleID, &it.Themes, &rawDue, &it.Attempts, &rawLast); err != nil {
			return nil, fmt.Errorf("failed to scan due row: %w", err)
		}
		due, err := time.ParseInLocation(dateLayout, rawDue, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse due date %q: %w", rawDue, err)
		}
		it.DueDate = due
		if rawLast.Valid {
			last, err := time.Parse(timeLayout, rawLast.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse last attempt %q: %w", rawLast.String, err)
			}
			it.LastAttempt = &last
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Tx is a transaction covering one atomic read-modify-write of a pair's
// schedule state.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func (db *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UserExists reports whether the user row is present.
func (t *Tx) UserExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user %d: %w", id, err)
	}
	return n > 0, nil
}

// PuzzleExists reports whether the puzzle row is present.
func (t *Tx) PuzzleExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM puzzles WHERE puzzle_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check puzzle %s: %w", id, err)
	}
	return n > 0, nil
}

// AttemptExists reports whether an attempt with the exact key is present.
func (t *Tx) AttemptExists(ctx context.Context, userID int64, puzzleID string, at time.Time) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempts
		WHERE user_id = ? AND puzzle_id = ? AND attempted_at = ?
	`, userID, puzzleID, at.UTC().Format(timeLayout)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check attempt: %w", err)
	}
	return n > 0, nil
}

// InsertAttempt appends one attempt row and returns its id. The unique
// index on (user_id, puzzle_id, attempted_at) backstops AttemptExists.
func (t *Tx) InsertAttempt(ctx context.Context, a domain.Attempt) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO attempts (user_id, puzzle_id, attempted_at, result, time_ms, puzzle_rating_after)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.UserID, a.PuzzleID, a.AttemptedAt.UTC().Format(timeLayout), string(a.Result), a.TimeMs, a.PuzzleRatingAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attempt for %s: %w", a.PuzzleID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt id: %w", err)
	}
	return id, nil
}

// FindRecord retrieves the pair's schedule record within the transaction.
func (t *Tx) FindRecord(ctx context.Context, userID int64, puzzleID string) (*domain.Record, error) {
	return findRecord(ctx, t.tx, userID, puzzleID)
}

// UpsertRecord overwrites the pair's schedule record whole. Partial-field
// updates are deliberately not offered.
func (t *Tx) UpsertRecord(ctx context.Context, rec domain.Record) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO srs (user_id, puzzle_id, last_result, success_streak, interval_days, due_date, last_reviewed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, puzzle_id) DO UPDATE SET
		  last_result = excluded.last_result,
		  success_streak = excluded.success_streak,
		  interval_days = excluded.interval_days,
		  due_date = excluded.due_date,
		  last_reviewed = excluded.last_reviewed
	`, rec.UserID, rec.PuzzleID, string(rec.LastResult), rec.SuccessStreak, rec.IntervalDays,
		rec.DueDate.UTC().Format(dateLayout), rec.LastReviewed.UTC().Format(dateLayout))
	if err != nil {
		return fmt.Errorf("failed to upsert srs record for %s: %w", rec.PuzzleID, err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findRecord(ctx context.Context, q rowQuerier, userID int64, puzzleID string) (*domain.Record, error) {
	var (
		rec           domain.Record
		result        string
		rawDue, rawLR string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, puzzle_id, last_result, success_streak, interval_days, due_date, last_reviewed
		FROM srs WHERE user_id = ? AND puzzle_id = ?
	`, userID, puzzleID).Scan(&rec.UserID, &rec.PuzzleID, &result, &rec.SuccessStreak, &rec.IntervalDays, &rawDue, &rawLR)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find srs record for %s: %w", puzzleID, err)
	}
	rec.LastResult = domain.Result(result)
	if rec.DueDate, err = time.ParseInLocation(dateLayout, rawDue, time.UTC); err != nil {
		return nil, fmt.Errorf("failed to parse due date %q: %w", rawDue, err)
	}
	if rec.LastReviewed, err = time.ParseInLocation(dateLayout, rawLR, time.UTC); err != nil {
		return nil, fmt.Errorf("failed to parse last reviewed %q: %w", rawLR, err)
	}
	return &rec, nil
}
