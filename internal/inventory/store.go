// Package inventory adjusts stock levels when refunded physical items
// return to the shelf.
package inventory

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RestoreStock adds the refunded quantities back to stock. Each
// (order, product) pair is restored at most once: a repeated call for
// the same pair is a no-op, so a retried refund cannot double stock.
func (s *Store) RestoreStock(ctx context.Context, orderID uuid.UUID, items []settlement.LineItem) (err error) {
	if len(items) == 0 {
		return nil
	}

	tx, beginErr := s.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("inventory: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("Failed to rollback after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("Failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("inventory: failed to commit stock restore: %w", commitErr)
		}
	}()

	for _, item := range items {
		tag, err := tx.Exec(ctx,
			`INSERT INTO stock_restores (order_id, product_id, quantity, created_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (order_id, product_id) DO NOTHING`,
			orderID, item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("inventory: failed to record stock restore: %w", err)
		}
		if tag.RowsAffected() == 0 {
			log.Debug().Stringer("order_id", orderID).Stringer("product_id", item.ProductID).Msg("inventory: stock already restored, skipping")
			continue
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO stock_levels (product_id, quantity)
			 VALUES ($1, $2)
			 ON CONFLICT (product_id) DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity`,
			item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("inventory: failed to adjust stock level: %w", err)
		}
	}

	return nil
}
