// Package ratings maintains per-release rating aggregates, updated
// incrementally as individual user ratings arrive.
package ratings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrConflict      = errors.New("concurrent rating updates kept conflicting")
	ErrNotFound      = errors.New("rating aggregate not found")
)

const (
	applyAttempts = 3
	applyBackoff  = 25 * time.Millisecond
)

type Aggregate struct {
	ReleaseID     uuid.UUID `json:"release_id"`
	Average       float64   `json:"average"`
	Count         int       `json:"count"`
	FiveStarCount int       `json:"five_star_count"`
	// Version guards concurrent updates; bumped on every apply.
	Version int `json:"-"`
}

type UserRating struct {
	ReleaseID uuid.UUID `json:"release_id"`
	UserID    uuid.UUID `json:"user_id"`
	Rating    int       `json:"rating"`
}

type Repository interface {
	// GetUserRating returns the user's prior rating, if any.
	GetUserRating(ctx context.Context, releaseID, userID uuid.UUID) (int, bool, error)
	// GetAggregate returns the current aggregate, or a zero-valued one
	// (Version 0) when the release has no ratings yet.
	GetAggregate(ctx context.Context, releaseID uuid.UUID) (*Aggregate, error)
	// Apply upserts the user rating and writes the new aggregate in one
	// transaction, guarded on the aggregate's version being unchanged.
	// Returns false when another writer got there first.
	Apply(ctx context.Context, agg *Aggregate, rating UserRating) (bool, error)
}

type Service interface {
	// Rate records or updates one user's rating for a release and
	// returns the recomputed aggregate.
	Rate(ctx context.Context, releaseID, userID uuid.UUID, rating int) (*Aggregate, error)
	Get(ctx context.Context, releaseID uuid.UUID) (*Aggregate, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) Rate(ctx context.Context, releaseID, userID uuid.UUID, rating int) (*Aggregate, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	for attempt := 0; attempt < applyAttempts; attempt++ {
		prior, hasPrior, err := s.repo.GetUserRating(ctx, releaseID, userID)
		if err != nil {
			return nil, fmt.Errorf("ratings: failed to read prior rating: %w", err)
		}
		agg, err := s.repo.GetAggregate(ctx, releaseID)
		if err != nil {
			return nil, fmt.Errorf("ratings: failed to read aggregate: %w", err)
		}

		next := recompute(agg, rating, prior, hasPrior)
		applied, err := s.repo.Apply(ctx, next, UserRating{ReleaseID: releaseID, UserID: userID, Rating: rating})
		if err != nil {
			return nil, fmt.Errorf("ratings: failed to apply rating: %w", err)
		}
		if applied {
			return next, nil
		}

		log.Warn().Stringer("release_id", releaseID).Int("attempt", attempt+1).Msg("ratings: aggregate write conflicted, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(applyBackoff * time.Duration(attempt+1)):
		}
	}
	return nil, ErrConflict
}

// recompute applies one rating to the aggregate. An update replaces the
// user's prior rating without changing the count; a first rating grows
// it. A prior rating with count 0 cannot happen by construction, so
// that case falls back to the new-rating formula.
func recompute(agg *Aggregate, rating, prior int, hasPrior bool) *Aggregate {
	next := &Aggregate{ReleaseID: agg.ReleaseID, Version: agg.Version}

	if hasPrior && agg.Count > 0 {
		next.Count = agg.Count
		next.Average = (agg.Average*float64(agg.Count) - float64(prior) + float64(rating)) / float64(agg.Count)
		next.FiveStarCount = agg.FiveStarCount
		if rating == 5 {
			next.FiveStarCount++
		}
		if prior == 5 {
			next.FiveStarCount--
		}
	} else {
		next.Count = agg.Count + 1
		next.Average = (agg.Average*float64(agg.Count) + float64(rating)) / float64(next.Count)
		next.FiveStarCount = agg.FiveStarCount
		if rating == 5 {
			next.FiveStarCount++
		}
	}

	next.Average = math.Round(next.Average*100) / 100
	return next
}

func (s *service) Get(ctx context.Context, releaseID uuid.UUID) (*Aggregate, error) {
	agg, err := s.repo.GetAggregate(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if agg.Version == 0 && agg.Count == 0 {
		return nil, ErrNotFound
	}
	return agg, nil
}
