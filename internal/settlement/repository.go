package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order with this payment reference already settled")
)

type Repository interface {
	// CreateSettlement persists the order, its line items and its payee
	// obligations as one transaction.
	CreateSettlement(ctx context.Context, order *Order, obligations []PayeeObligation) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// ListSettledOrders returns all non-processing orders with their
	// items, oldest first. Used by the ledger backfill.
	ListSettledOrders(ctx context.Context) ([]Order, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateSettlement(ctx context.Context, order *Order, obligations []PayeeObligation) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", order.ID).Msg("Failed to rollback after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", order.ID).Msg("Failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	queryOrder := `
		INSERT INTO orders (id, order_number, customer_email, customer_name, customer_user_id,
			subtotal_pence, shipping_pence, processor_fees_pence, platform_fees_pence, payee_payments_pence,
			payment_method, payment_reference, status, refund_status, refunded_amount_pence,
			shipping_address, is_test, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = tx.Exec(ctx, queryOrder,
		order.ID,
		order.OrderNumber,
		order.Customer.Email,
		order.Customer.Name,
		nullableUUID(order.Customer.UserID),
		order.Totals.Subtotal,
		order.Totals.Shipping,
		order.Totals.ProcessorFees,
		order.Totals.PlatformFees,
		order.Totals.PayeePayments,
		string(order.PaymentMethod),
		order.PaymentReference,
		string(order.Status),
		string(order.RefundStatus),
		order.RefundedAmount,
		order.ShippingAddress,
		order.Test,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("repository: failed to insert order: %w", err)
	}

	queryItem := `
		INSERT INTO order_items (id, order_id, product_id, item_type, payee_id, unit_price_pence,
			quantity, customer_price_pence, processor_fee_pence, platform_fee_pence, payee_share_pence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		item.CreatedAt = now
		_, err = tx.Exec(ctx, queryItem,
			item.ID,
			item.OrderID,
			item.ProductID,
			string(item.Type),
			nullableUUID(item.PayeeID),
			item.UnitPrice,
			item.Quantity,
			item.Split.CustomerPrice,
			item.Split.ProcessorFee,
			item.Split.PlatformFee,
			item.Split.PayeeShare,
			item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert line item for order %s: %w", order.ID, err)
		}
	}

	queryObligation := `
		INSERT INTO payee_obligations (id, payee_id, payee_type, order_id, amount_pence, currency,
			status, payout_method, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for i := range obligations {
		ob := &obligations[i]
		ob.CreatedAt = now
		ob.UpdatedAt = now
		_, err = tx.Exec(ctx, queryObligation,
			ob.ID,
			ob.PayeeID,
			string(ob.PayeeType),
			ob.OrderID,
			ob.Amount,
			ob.Currency,
			string(ob.Status),
			string(ob.PayoutMethod),
			ob.FailureReason,
			ob.CreatedAt,
			ob.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert obligation for payee %s: %w", ob.PayeeID, err)
		}
	}

	return nil
}

const orderColumns = `id, order_number, customer_email, customer_name, customer_user_id,
	subtotal_pence, shipping_pence, processor_fees_pence, platform_fees_pence, payee_payments_pence,
	payment_method, payment_reference, status, refund_status, refunded_amount_pence,
	shipping_address, is_test, created_at, updated_at`

func scanOrder(row pgx.Row, order *Order) error {
	var userID *uuid.UUID
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.Customer.Email,
		&order.Customer.Name,
		&userID,
		&order.Totals.Subtotal,
		&order.Totals.Shipping,
		&order.Totals.ProcessorFees,
		&order.Totals.PlatformFees,
		&order.Totals.PayeePayments,
		&order.PaymentMethod,
		&order.PaymentReference,
		&order.Status,
		&order.RefundStatus,
		&order.RefundedAmount,
		&order.ShippingAddress,
		&order.Test,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if userID != nil {
		order.Customer.UserID = *userID
	}
	return nil
}

func (r *postgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	var order Order
	err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id), &order)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order %s: %w", id, err)
	}

	items, err := r.loadItems(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	order.Items = items[id]
	if order.Items == nil {
		order.Items = []LineItem{}
	}
	return &order, nil
}

func (r *postgresRepository) ListSettledOrders(ctx context.Context) ([]Order, error) {
	rows, err := r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status <> 'processing' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query settled orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	var ids []uuid.UUID
	for rows.Next() {
		var order Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("repository: failed to scan settled order: %w", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating settled orders: %w", err)
	}
	if len(orders) == 0 {
		return []Order{}, nil
	}

	itemsByOrder, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = itemsByOrder[orders[i].ID]
		if orders[i].Items == nil {
			orders[i].Items = []LineItem{}
		}
	}
	return orders, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]LineItem, error) {
	query := `
		SELECT id, order_id, product_id, item_type, payee_id, unit_price_pence, quantity,
			customer_price_pence, processor_fee_pence, platform_fee_pence, payee_share_pence, created_at
		FROM order_items
		WHERE order_id = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]LineItem)
	for rows.Next() {
		var item LineItem
		var payeeID *uuid.UUID
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Type,
			&payeeID,
			&item.UnitPrice,
			&item.Quantity,
			&item.Split.CustomerPrice,
			&item.Split.ProcessorFee,
			&item.Split.PlatformFee,
			&item.Split.PayeeShare,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item: %w", err)
		}
		if payeeID != nil {
			item.PayeeID = *payeeID
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items: %w", err)
	}
	return result, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
