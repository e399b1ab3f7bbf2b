package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type postgresRepository struct {
	db     *pgxpool.Pool
	orders settlement.Repository
}

func NewRepository(db *pgxpool.Pool, orders settlement.Repository) Repository {
	return &postgresRepository{db: db, orders: orders}
}

func (r *postgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*settlement.Order, error) {
	return r.orders.GetOrderByID(ctx, id)
}

func (r *postgresRepository) ClaimRefund(ctx context.Context, orderID uuid.UUID, prior, next money.Pence, status settlement.RefundStatus) (bool, error) {
	query := `
		UPDATE orders
		SET refunded_amount_pence = $3, refund_status = $4, updated_at = $5
		WHERE id = $1 AND refunded_amount_pence = $2
	`
	cmdTag, err := r.db.Exec(ctx, query, orderID, prior, next, string(status), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("repository: failed to claim refund on order %s: %w", orderID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *postgresRepository) ReleaseClaim(ctx context.Context, orderID uuid.UUID, amount money.Pence) error {
	query := `
		UPDATE orders
		SET refunded_amount_pence = refunded_amount_pence - $2,
			refund_status = CASE
				WHEN refunded_amount_pence - $2 <= 0 THEN 'none'
				WHEN refunded_amount_pence - $2 >= subtotal_pence + shipping_pence THEN 'full'
				ELSE 'partial'
			END,
			updated_at = $3
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, orderID, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("repository: failed to release refund claim on order %s: %w", orderID, err)
	}
	return nil
}

func (r *postgresRepository) CreateRefund(ctx context.Context, ref *Refund) error {
	ref.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO refunds (id, order_id, amount_pence, method, external_ref, status, reason, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		ref.ID,
		ref.OrderID,
		ref.Amount,
		string(ref.Method),
		ref.ExternalRef,
		string(ref.Status),
		ref.Reason,
		ref.FailureReason,
		ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to insert refund for order %s: %w", ref.OrderID, err)
	}
	return nil
}

func (r *postgresRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error) {
	query := `
		SELECT id, order_id, amount_pence, method, external_ref, status, reason, failure_reason, created_at
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query refunds for order %s: %w", orderID, err)
	}
	defer rows.Close()

	refunds := make([]Refund, 0)
	for rows.Next() {
		var ref Refund
		err := rows.Scan(
			&ref.ID,
			&ref.OrderID,
			&ref.Amount,
			&ref.Method,
			&ref.ExternalRef,
			&ref.Status,
			&ref.Reason,
			&ref.FailureReason,
			&ref.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan refund: %w", err)
		}
		refunds = append(refunds, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating refunds: %w", err)
	}
	return refunds, nil
}
