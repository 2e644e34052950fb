package domain

import (
	"errors"
	"fmt"
	"time"
)

// Result is the outcome of a single puzzle attempt.
type Result string

const (
	Win  Result = "win"
	Loss Result = "loss"
)

// ParseResult converts a raw string into a Result.
func ParseResult(s string) (Result, error) {
	switch Result(s) {
	case Win, Loss:
		return Result(s), nil
	default:
		return "", fmt.Errorf("%w: result must be win or loss, got %q", ErrConstraintViolation, s)
	}
}

// User is a trainer account. Immutable once created.
type User struct {
	ID       int64
	Username string
}

// Puzzle is a tactics puzzle as imported from the upstream database.
// Content is immutable; Rating and RatingDeviation are maintained by an
// external rating process and are read-only inputs here.
type Puzzle struct {
	ID              string
	Rating          int
	RatingDeviation int
	Popularity      int
	NbPlays         int
	Themes          string // space-separated theme tags
	GameURL         string
	FEN             string
	Moves           string // solution line, space-separated UCI moves
}

// Attempt is one solve/fail event. Attempts are append-only and unique
// per (user, puzzle, attempted_at).
type Attempt struct {
	ID                int64
	UserID            int64
	PuzzleID          string
	AttemptedAt       time.Time
	Result            Result
	TimeMs            *int
	PuzzleRatingAfter *int
}

// Record is the spaced-repetition schedule state for one (user, puzzle)
// pair. DueDate and LastReviewed are calendar dates (UTC midnight).
// Records are created on the first attempt and overwritten whole on every
// subsequent one; they are never deleted.
type Record struct {
	UserID        int64
	PuzzleID      string
	LastResult    Result
	SuccessStreak int
	IntervalDays  int
	DueDate       time.Time
	LastReviewed  time.Time
}

var (
	// ErrNotFound reports a missing row on a direct lookup.
	ErrNotFound = errors.New("not found")
	// ErrInvalidReference reports an attempt against a user or puzzle
	// that does not exist.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrDuplicateAttempt reports a second attempt with the exact same
	// (user, puzzle, attempted_at) key.
	ErrDuplicateAttempt = errors.New("duplicate attempt")
	// ErrStaleAttempt reports an attempt dated before the pair's
	// last_reviewed date. It is never applied silently.
	ErrStaleAttempt = errors.New("stale attempt")
	// ErrConstraintViolation reports malformed input rejected before any
	// write.
	ErrConstraintViolation = errors.New("constraint violation")
)
