package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

// Insert relies on order_id being the primary key: a second append for
// the same order hits the conflict clause and writes nothing.
func (r *postgresRepository) Insert(ctx context.Context, entry *Entry) (bool, error) {
	items, err := json.Marshal(entry.Items)
	if err != nil {
		return false, fmt.Errorf("repository: failed to marshal ledger items: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (order_id, order_number, entry_timestamp, gross_total_pence,
			processor_fees_pence, platform_fees_pence, payee_payments_pence, net_revenue_pence,
			items, fees_estimated, migrated_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO NOTHING
	`
	cmdTag, err := r.db.Exec(ctx, query,
		entry.OrderID,
		entry.OrderNumber,
		entry.Timestamp,
		entry.GrossTotal,
		entry.ProcessorFees,
		entry.PlatformFees,
		entry.PayeePayments,
		entry.NetRevenue,
		items,
		entry.FeesEstimated,
		entry.MigratedFrom,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("repository: failed to insert ledger entry for order %s: %w", entry.OrderID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *postgresRepository) Get(ctx context.Context, orderID uuid.UUID) (*Entry, error) {
	query := `
		SELECT order_id, order_number, entry_timestamp, gross_total_pence, processor_fees_pence,
			platform_fees_pence, payee_payments_pence, net_revenue_pence, items, fees_estimated, migrated_from
		FROM ledger_entries
		WHERE order_id = $1
	`
	var entry Entry
	var items []byte
	err := r.db.QueryRow(ctx, query, orderID).Scan(
		&entry.OrderID,
		&entry.OrderNumber,
		&entry.Timestamp,
		&entry.GrossTotal,
		&entry.ProcessorFees,
		&entry.PlatformFees,
		&entry.PayeePayments,
		&entry.NetRevenue,
		&items,
		&entry.FeesEstimated,
		&entry.MigratedFrom,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("repository: failed to select ledger entry for order %s: %w", orderID, err)
	}
	if err := json.Unmarshal(items, &entry.Items); err != nil {
		return nil, fmt.Errorf("repository: failed to unmarshal ledger items for order %s: %w", orderID, err)
	}
	return &entry, nil
}
