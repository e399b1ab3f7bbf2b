package ratings

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetUserRating(ctx context.Context, releaseID, userID uuid.UUID) (int, bool, error) {
	var rating int
	err := r.pool.QueryRow(ctx,
		`SELECT rating FROM user_ratings WHERE release_id = $1 AND user_id = $2`,
		releaseID, userID).Scan(&rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("repository: failed to query user rating: %w", err)
	}
	return rating, true, nil
}

func (r *postgresRepository) GetAggregate(ctx context.Context, releaseID uuid.UUID) (*Aggregate, error) {
	agg := &Aggregate{ReleaseID: releaseID}
	err := r.pool.QueryRow(ctx,
		`SELECT average, rating_count, five_star_count, version
		 FROM rating_aggregates WHERE release_id = $1`,
		releaseID).Scan(&agg.Average, &agg.Count, &agg.FiveStarCount, &agg.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query rating aggregate: %w", err)
	}
	return agg, nil
}

func (r *postgresRepository) Apply(ctx context.Context, agg *Aggregate, rating UserRating) (applied bool, err error) {
	tx, beginErr := r.pool.Begin(ctx)
	if beginErr != nil {
		return false, fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("release_id", agg.ReleaseID).Msg("Failed to rollback after panic")
			}
			panic(p)
		} else if err != nil || !applied {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("release_id", agg.ReleaseID).Msg("Failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			applied = false
			err = fmt.Errorf("repository: failed to commit rating transaction: %w", commitErr)
		}
	}()

	var tag pgconn.CommandTag
	if agg.Version == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO rating_aggregates (release_id, average, rating_count, five_star_count, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, now())
			 ON CONFLICT (release_id) DO NOTHING`,
			agg.ReleaseID, agg.Average, agg.Count, agg.FiveStarCount)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE rating_aggregates
			 SET average = $2, rating_count = $3, five_star_count = $4, version = version + 1, updated_at = now()
			 WHERE release_id = $1 AND version = $5`,
			agg.ReleaseID, agg.Average, agg.Count, agg.FiveStarCount, agg.Version)
	}
	if err != nil {
		return false, fmt.Errorf("repository: failed to write rating aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO user_ratings (release_id, user_id, rating, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (release_id, user_id) DO UPDATE SET rating = EXCLUDED.rating, updated_at = now()`,
		rating.ReleaseID, rating.UserID, rating.Rating)
	if err != nil {
		return false, fmt.Errorf("repository: failed to upsert user rating: %w", err)
	}

	return true, nil
}
