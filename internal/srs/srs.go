// Package srs implements the scheduling state machine: given the prior
// schedule record for a (user, puzzle) pair and the outcome of a new
// attempt, it decides the next review interval, due date and streak.
package srs

import (
	"time"

	"github.com/conorfennell/tactix/internal/domain"
)

// Seed modes control the first due date of a record created by a loss.
const (
	SeedTomorrow = "tomorrow"
	SeedStagger  = "stagger"
)

// Params holds the tunable knobs of the scheduler.
type Params struct {
	// Cadence maps success streak n to an interval of Cadence[n-1] days;
	// streaks beyond the table stay at the last entry. The table must be
	// strictly increasing for the growth law to hold.
	Cadence []int
	// LossResetDays is the interval applied after any loss on an
	// existing record.
	LossResetDays int
	// MaxIntervalDays caps how far a review can be deferred.
	MaxIntervalDays int
	// SeedMode is SeedTomorrow or SeedStagger.
	SeedMode string
	// StaggerBuckets spreads loss-seeded first reviews over 1..N days
	// when SeedMode is SeedStagger.
	StaggerBuckets int
}

// DefaultParams mirrors the cadence the trainer ships with.
func DefaultParams() *Params {
	return &Params{
		Cadence:         []int{1, 2, 4, 7, 14, 30, 60, 90},
		LossResetDays:   1,
		MaxIntervalDays: 365,
		SeedMode:        SeedTomorrow,
		StaggerBuckets:  7,
	}
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Next computes the successor record for a pair. prev is nil for a brand
// new pair. attemptedAt may carry a time of day; scheduling is
// day-granular. Next is pure: equal inputs always produce equal outputs.
func (p *Params) Next(prev *domain.Record, userID int64, puzzleID string, result domain.Result, attemptedAt time.Time) domain.Record {
	day := DateOf(attemptedAt)

	streak := 0
	if prev != nil {
		streak = prev.SuccessStreak
	}

	var interval int
	if result == domain.Win {
		streak++
		interval = p.intervalForStreak(streak)
	} else {
		streak = 0
		if prev == nil {
			interval = p.seedOffset(puzzleID)
		} else {
			interval = p.LossResetDays
		}
	}
	if interval < 0 {
		interval = 0
	}
	if p.MaxIntervalDays > 0 && interval > p.MaxIntervalDays {
		interval = p.MaxIntervalDays
	}

	return domain.Record{
		UserID:        userID,
		PuzzleID:      puzzleID,
		LastResult:    result,
		SuccessStreak: streak,
		IntervalDays:  interval,
		DueDate:       day.AddDate(0, 0, interval),
		LastReviewed:  day,
	}
}

// intervalForStreak looks up the cadence table. Streaks past the end of
// the table hold at the last entry.
func (p *Params) intervalForStreak(streak int) int {
	if len(p.Cadence) == 0 {
		return 1
	}
	idx := streak - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Cadence) {
		idx = len(p.Cadence) - 1
	}
	return p.Cadence[idx]
}

// seedOffset picks the first due offset for a loss-created record.
// Stagger mode hashes the puzzle id over the bucket count so a bulk
// import does not dump every new puzzle on the same day. The offset is
// never zero.
func (p *Params) seedOffset(puzzleID string) int {
	if p.SeedMode != SeedStagger {
		return 1
	}
	buckets := p.StaggerBuckets
	if buckets < 1 {
		buckets = 1
	}
	h := 0
	for _, ch := range puzzleID {
		h = (h*131 + int(ch)) & 0x7fffffff
	}
	if off := h % buckets; off != 0 {
		return off
	}
	return 1
}

// State classifies a pair relative to a reference date. It is derived,
// never stored, so it cannot drift from the due_date field.
type State int

const (
	StateNew State = iota
	StateScheduled
	StateDue
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateScheduled:
		return "scheduled"
	default:
		return "due"
	}
}

// Classify returns New when no record exists, Due when the record's due
// date is on or before the reference date, and Scheduled otherwise.
func Classify(rec *domain.Record, ref time.Time) State {
	if rec == nil {
		return StateNew
	}
	if rec.DueDate.After(DateOf(ref)) {
		return StateScheduled
	}
	return StateDue
}

// Stale reports whether an attempt at attemptedAt would regress the
// record's schedule. Same-day repeats are allowed.
func Stale(rec *domain.Record, attemptedAt time.Time) bool {
	return rec != nil && DateOf(attemptedAt).Before(rec.LastReviewed)
}
