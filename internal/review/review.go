// Package review coordinates attempt recording and queue building. It is
// the only writer of schedule records: every attempt flows through
// RecordAttempt or Rebuild, which serialize per (user, puzzle) pair.
package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/tactix/internal/domain"
	"github.com/conorfennell/tactix/internal/srs"
	"github.com/conorfennell/tactix/internal/storage"
)

// AttemptInput carries one attempt submission.
type AttemptInput struct {
	UserID            int64         `validate:"gt=0"`
	PuzzleID          string        `validate:"required"`
	Result            domain.Result `validate:"required,oneof=win loss"`
	AttemptedAt       time.Time     `validate:"required"`
	TimeMs            *int          `validate:"omitempty,gte=0"`
	PuzzleRatingAfter *int          `validate:"omitempty,gte=0"`
}

// QueueOptions bounds the review queue for interactive use.
type QueueOptions struct {
	// Cap limits the queue length; 0 means unbounded.
	Cap int
	// IncludeOverdue pulls in puzzles due before the reference date as
	// well as on it.
	IncludeOverdue bool
	// HideTodayDone drops puzzles already attempted on the reference
	// date.
	HideTodayDone bool
}

type pairKey struct {
	userID   int64
	puzzleID string
}

// Service applies attempts to the schedule and serves review queues.
type Service struct {
	db       *storage.DB
	params   *srs.Params
	validate *validator.Validate

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

// NewService creates a review service on top of an open database.
func NewService(db *storage.DB, params *srs.Params) *Service {
	if params == nil {
		params = srs.DefaultParams()
	}
	return &Service{
		db:       db,
		params:   params,
		validate: validator.New(),
		locks:    make(map[pairKey]*sync.Mutex),
	}
}

func (s *Service) pairLock(userID int64, puzzleID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{userID, puzzleID}
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// RecordAttempt appends the attempt and advances the pair's schedule in
// one atomic step. It returns the schedule record as written.
//
// Errors: domain.ErrConstraintViolation for malformed input,
// domain.ErrInvalidReference for an unknown user or puzzle,
// domain.ErrDuplicateAttempt for an exact replay, and
// domain.ErrStaleAttempt when the attempt predates the last review.
func (s *Service) RecordAttempt(ctx context.Context, in AttemptInput) (*domain.Record, error) {
	if err := s.validate.Struct(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConstraintViolation, err)
	}

	l := s.pairLock(in.UserID, in.PuzzleID)
	l.Lock()
	defer l.Unlock()

	var next domain.Record
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		ok, err := tx.UserExists(ctx, in.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %d", domain.ErrInvalidReference, in.UserID)
		}
		ok, err = tx.PuzzleExists(ctx, in.PuzzleID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: puzzle %s", domain.ErrInvalidReference, in.PuzzleID)
		}

		ok, err = tx.AttemptExists(ctx, in.UserID, in.PuzzleID, in.AttemptedAt)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s at %s", domain.ErrDuplicateAttempt,
				in.PuzzleID, in.AttemptedAt.UTC().Format(time.RFC3339))
		}

		prev, err := tx.FindRecord(ctx, in.UserID, in.PuzzleID)
		if err != nil {
			return err
		}
		if srs.Stale(prev, in.AttemptedAt) {
			return fmt.Errorf("%w: attempt on %s predates last review %s",
				domain.ErrStaleAttempt,
				srs.DateOf(in.AttemptedAt).Format("2006-01-02"),
				prev.LastReviewed.Format("2006-01-02"))
		}

		if _, err := tx.InsertAttempt(ctx, domain.Attempt{
			UserID:            in.UserID,
			PuzzleID:          in.PuzzleID,
			AttemptedAt:       in.AttemptedAt,
			Result:            in.Result,
			TimeMs:            in.TimeMs,
			PuzzleRatingAfter: in.PuzzleRatingAfter,
		}); err != nil {
			return err
		}

		next = s.params.Next(prev, in.UserID, in.PuzzleID, in.Result, in.AttemptedAt)
		return tx.UpsertRecord(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// DueSet returns every puzzle due on or before the reference date,
// ordered by due date and then puzzle id. Reading it never mutates the
// schedule.
func (s *Service) DueSet(ctx context.Context, userID int64, ref time.Time) ([]storage.DueItem, error) {
	return s.db.DueBefore(ctx, userID, storage.DueQuery{Before: srs.DateOf(ref)})
}

// Queue builds the interactive review queue for the reference date.
func (s *Service) Queue(ctx context.Context, userID int64, ref time.Time, opts QueueOptions) ([]storage.DueItem, error) {
	q := storage.DueQuery{
		Before: srs.DateOf(ref),
		OnlyOn: !opts.IncludeOverdue,
		Limit:  opts.Cap,
	}
	if opts.HideTodayDone {
		q.HideAttemptedOn = srs.DateOf(ref)
	}
	return s.db.DueBefore(ctx, userID, q)
}

// Classify reports the pair's state relative to the reference date.
func (s *Service) Classify(ctx context.Context, userID int64, puzzleID string, ref time.Time) (srs.State, error) {
	rec, err := s.db.FindRecord(ctx, userID, puzzleID)
	if err != nil {
		return srs.StateNew, err
	}
	return srs.Classify(rec, ref), nil
}

// Rebuild recomputes schedule records by replaying the attempt log in
// chronological order. With no puzzle ids it rebuilds every attempted
// puzzle. Bulk syncs use it after inserting history out of order.
func (s *Service) Rebuild(ctx context.Context, userID int64, puzzleIDs ...string) error {
	if len(puzzleIDs) == 0 {
		ids, err := s.db.PuzzlesWithAttempts(ctx, userID)
		if err != nil {
			return err
		}
		puzzleIDs = ids
	}

	for _, pid := range puzzleIDs {
		if err := s.rebuildPair(ctx, userID, pid); err != nil {
			return fmt.Errorf("failed to rebuild schedule for %s: %w", pid, err)
		}
	}
	return nil
}

func (s *Service) rebuildPair(ctx context.Context, userID int64, puzzleID string) error {
	l := s.pairLock(userID, puzzleID)
	l.Lock()
	defer l.Unlock()

	attempts, err := s.db.AttemptsForPuzzle(ctx, userID, puzzleID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}
	var rec *domain.Record
	for _, a := range attempts {
		next := s.params.Next(rec, userID, puzzleID, a.Result, a.AttemptedAt)
		rec = &next
	}
	return s.db.InTx(ctx, func(tx *storage.Tx) error {
		return tx.UpsertRecord(ctx, *rec)
	})
}
