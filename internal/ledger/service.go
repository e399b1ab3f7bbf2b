// Package ledger maintains the sales ledger: one immutable reporting
// row per order, idempotent on order id, written live at settlement and
// re-derivable after the fact by the backfill pass.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

var ErrEntryNotFound = errors.New("ledger entry not found")

// migratedFromBackfill marks rows recovered by the backfill pass rather
// than written live at settlement time.
const migratedFromBackfill = "backfill"

type EntryItem struct {
	ProductID  uuid.UUID           `json:"product_id"`
	Type       settlement.ItemType `json:"type"`
	PayeeID    uuid.UUID           `json:"payee_id,omitempty"`
	Quantity   int                 `json:"quantity"`
	UnitPrice  money.Pence         `json:"unit_price_pence"`
	PayeeShare money.Pence         `json:"payee_share_pence"`
}

type Entry struct {
	OrderID       uuid.UUID   `json:"order_id"`
	OrderNumber   string      `json:"order_number"`
	Timestamp     time.Time   `json:"timestamp"`
	GrossTotal    money.Pence `json:"gross_total_pence"`
	ProcessorFees money.Pence `json:"processor_fees_pence"`
	PlatformFees  money.Pence `json:"platform_fees_pence"`
	PayeePayments money.Pence `json:"payee_payments_pence"`
	NetRevenue    money.Pence `json:"net_revenue_pence"`
	Items         []EntryItem `json:"items"`
	// FeesEstimated flags backfilled rows whose fee fields were guessed
	// from the current rate constants rather than recorded at charge
	// time. Estimated rows must never be mistaken for authoritative fee
	// records.
	FeesEstimated bool   `json:"fees_estimated,omitempty"`
	MigratedFrom  string `json:"migrated_from,omitempty"`
}

type BackfillResult struct {
	Scanned          int `json:"scanned"`
	Inserted         int `json:"inserted"`
	AlreadyPresent   int `json:"already_present"`
	SkippedCancelled int `json:"skipped_cancelled"`
	SkippedTest      int `json:"skipped_test"`
	FeesEstimated    int `json:"fees_estimated"`
}

// OrderSource lists settled orders for the backfill pass.
type OrderSource interface {
	ListSettledOrders(ctx context.Context) ([]settlement.Order, error)
}

type Repository interface {
	// Insert writes the entry unless one already exists for its order
	// id. Returns false when the entry was already present.
	Insert(ctx context.Context, entry *Entry) (bool, error)
	Get(ctx context.Context, orderID uuid.UUID) (*Entry, error)
}

type Service interface {
	// Append records the order in the ledger; appending the same order
	// twice leaves exactly one row.
	Append(ctx context.Context, order *settlement.Order) error
	Get(ctx context.Context, orderID uuid.UUID) (*Entry, error)
	// Backfill re-derives ledger rows for every settled order, skipping
	// cancelled and test orders, estimating fee fields for orders that
	// predate fee tracking. Safe to re-run; existing rows are kept.
	Backfill(ctx context.Context, source OrderSource) (BackfillResult, error)
}

type service struct {
	repo  Repository
	rates fees.Rates
}

func NewService(repo Repository, rates fees.Rates) Service {
	return &service{repo: repo, rates: rates}
}

func (s *service) Append(ctx context.Context, order *settlement.Order) error {
	entry := entryFromOrder(order)
	inserted, err := s.repo.Insert(ctx, entry)
	if err != nil {
		return fmt.Errorf("ledger: failed to append entry for order %s: %w", order.ID, err)
	}
	if !inserted {
		log.Debug().Stringer("order_id", order.ID).Msg("ledger: entry already present, skipping")
	}
	return nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID) (*Entry, error) {
	return s.repo.Get(ctx, orderID)
}

func (s *service) Backfill(ctx context.Context, source OrderSource) (BackfillResult, error) {
	orders, err := source.ListSettledOrders(ctx)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("ledger: failed to list orders for backfill: %w", err)
	}

	result := BackfillResult{Scanned: len(orders)}
	for i := range orders {
		order := &orders[i]
		if order.Status == settlement.OrderCancelled {
			result.SkippedCancelled++
			continue
		}
		if order.Test {
			result.SkippedTest++
			continue
		}

		entry := entryFromOrder(order)
		entry.MigratedFrom = migratedFromBackfill
		if order.Totals.Gross() > 0 && order.Totals.ProcessorFees == 0 && order.Totals.PlatformFees == 0 {
			s.estimateFees(entry, order)
			result.FeesEstimated++
		}

		inserted, err := s.repo.Insert(ctx, entry)
		if err != nil {
			return result, fmt.Errorf("ledger: backfill failed at order %s: %w", order.ID, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.AlreadyPresent++
		}
	}

	log.Info().
		Int("scanned", result.Scanned).
		Int("inserted", result.Inserted).
		Int("already_present", result.AlreadyPresent).
		Int("fees_estimated", result.FeesEstimated).
		Msg("ledger: backfill finished")
	return result, nil
}

// estimateFees fills missing fee fields on orders that predate fee
// tracking, using the current rate constants. A flat-rate guess, never
// authoritative; the entry is flagged accordingly and the order record
// itself is left untouched.
func (s *service) estimateFees(entry *Entry, order *settlement.Order) {
	gross := float64(order.Totals.Gross())
	processor := money.Pence(math.Round(gross*s.rates.ProcessorRate)) + s.rates.ProcessorFixed
	platform := money.Pence(math.Round(float64(order.Totals.Gross()-processor) * s.rates.PlatformRate))

	entry.ProcessorFees = processor
	entry.PlatformFees = platform
	entry.PayeePayments = order.Totals.Gross() - processor - platform
	entry.NetRevenue = entry.GrossTotal - entry.ProcessorFees - entry.PayeePayments
	entry.FeesEstimated = true
}

func entryFromOrder(order *settlement.Order) *Entry {
	entry := &Entry{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Timestamp:     order.CreatedAt,
		GrossTotal:    order.Totals.Gross(),
		ProcessorFees: order.Totals.ProcessorFees,
		PlatformFees:  order.Totals.PlatformFees,
		PayeePayments: order.Totals.PayeePayments,
	}
	entry.NetRevenue = entry.GrossTotal - entry.ProcessorFees - entry.PayeePayments
	for _, item := range order.Items {
		entry.Items = append(entry.Items, EntryItem{
			ProductID:  item.ProductID,
			Type:       item.Type,
			PayeeID:    item.PayeeID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			PayeeShare: item.Split.PayeeShare,
		})
	}
	return entry
}
