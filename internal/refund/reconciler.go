// Package refund unwinds prior settlement: it reverses funds on the
// original payment rail, tracks cumulative refund state on the order,
// restores stock and records an immutable refund row per attempt.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/notify"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

var (
	ErrInvalidAmount = errors.New("invalid refund amount")
	ErrExceedsCap    = errors.New("refund exceeds refundable amount")
	ErrConflict      = errors.New("concurrent refund updates kept conflicting")
)

const (
	claimAttempts = 3
	claimBackoff  = 50 * time.Millisecond
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

type Refund struct {
	ID            uuid.UUID                `json:"id"`
	OrderID       uuid.UUID                `json:"order_id"`
	Amount        money.Pence              `json:"amount_pence"`
	Method        settlement.PaymentMethod `json:"method"`
	ExternalRef   string                   `json:"external_ref,omitempty"`
	Status        Status                   `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
}

type Request struct {
	// Amount in pence; zero means refund everything still refundable.
	Amount money.Pence
	Reason string
	// RestoreItems limits stock restoration to these product ids. Empty
	// on a full refund restores every physical line item.
	RestoreItems []uuid.UUID
}

// CardRail reverses a card charge or payment intent.
type CardRail interface {
	RefundCharge(ctx context.Context, paymentRef string, amount money.Pence) (externalRef string, err error)
}

// BatchRail reverses a captured batch-rail payment.
type BatchRail interface {
	RefundCapture(ctx context.Context, captureRef string, amount money.Pence) (externalRef string, err error)
}

// InventoryStore restores stock for refunded line items.
type InventoryStore interface {
	RestoreStock(ctx context.Context, orderID uuid.UUID, items []settlement.LineItem) error
}

type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*settlement.Order, error)
	// ClaimRefund bumps refunded_amount from prior to next, guarded on
	// the stored value still being prior. Returns false on conflict.
	ClaimRefund(ctx context.Context, orderID uuid.UUID, prior, next money.Pence, status settlement.RefundStatus) (bool, error)
	// ReleaseClaim gives back a claimed amount after a failed rail call.
	ReleaseClaim(ctx context.Context, orderID uuid.UUID, amount money.Pence) error
	CreateRefund(ctx context.Context, r *Refund) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error)
}

type Service interface {
	// Refund reverses up to the refundable remainder of an order.
	// Validation and not-found errors propagate; rail failures are
	// absorbed into a failed refund record.
	Refund(ctx context.Context, orderID uuid.UUID, req Request) (*Refund, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error)
}

type service struct {
	repo        Repository
	cardRail    CardRail
	batchRail   BatchRail
	inventory   InventoryStore
	notifier    notify.Notifier
	railTimeout time.Duration
}

func NewService(repo Repository, cardRail CardRail, batchRail BatchRail, inventory InventoryStore, notifier notify.Notifier, railTimeout time.Duration) Service {
	if railTimeout <= 0 {
		railTimeout = 15 * time.Second
	}
	return &service{
		repo:        repo,
		cardRail:    cardRail,
		batchRail:   batchRail,
		inventory:   inventory,
		notifier:    notifier,
		railTimeout: railTimeout,
	}
}

func (s *service) Refund(ctx context.Context, orderID uuid.UUID, req Request) (*Refund, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}

	order, amount, err := s.claim(ctx, orderID, req.Amount)
	if err != nil {
		return nil, err
	}

	refundID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("reconciler: failed to generate refund id: %w", err)
	}
	record := &Refund{
		ID:      refundID,
		OrderID: orderID,
		Amount:  amount,
		Method:  order.PaymentMethod,
		Reason:  req.Reason,
	}

	externalRef, railErr := s.reverse(ctx, order, amount)
	if railErr != nil {
		if relErr := s.repo.ReleaseClaim(ctx, orderID, amount); relErr != nil {
			log.Error().Err(relErr).Stringer("order_id", orderID).Msg("reconciler: failed to release refund claim")
		}
		record.Status = StatusFailed
		record.FailureReason = railErr.Error()
		if err := s.repo.CreateRefund(ctx, record); err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("reconciler: failed to record failed refund")
		}
		log.Warn().
			Stringer("order_id", orderID).
			Str("failure_reason", railErr.Error()).
			Msg("reconciler: rail refund failed")
		return record, nil
	}

	record.Status = StatusCompleted
	record.ExternalRef = externalRef
	if err := s.repo.CreateRefund(ctx, record); err != nil {
		// Funds are reversed and the claim stands; only the audit row is
		// missing. Log with the external ref for manual backfill.
		log.Error().Err(err).
			Stringer("order_id", orderID).
			Str("external_ref", externalRef).
			Msg("reconciler: refund completed but record write failed")
	}

	s.restoreStock(ctx, order, amount, req.RestoreItems)

	s.notifier.Notify(ctx, notify.KindRefundCompleted, map[string]any{
		"order_number": order.OrderNumber,
		"email":        order.Customer.Email,
		"amount_pence": amount,
	})

	log.Info().
		Stringer("order_id", orderID).
		Stringer("amount", amount).
		Str("external_ref", externalRef).
		Msg("reconciler: refund completed")
	return record, nil
}

// claim reserves the refund amount on the order via a guarded update,
// retrying on write conflicts. Claiming before the rail call is what
// keeps two concurrent refunds from jointly exceeding the cap.
func (s *service) claim(ctx context.Context, orderID uuid.UUID, requested money.Pence) (*settlement.Order, money.Pence, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, settlement.ErrOrderNotFound) {
				return nil, 0, settlement.ErrOrderNotFound
			}
			return nil, 0, fmt.Errorf("reconciler: failed to load order: %w", err)
		}

		refundable := order.Totals.Gross() - order.RefundedAmount
		amount := requested
		if amount == 0 {
			amount = refundable
		}
		if amount <= 0 {
			return nil, 0, fmt.Errorf("%w: nothing left to refund", ErrInvalidAmount)
		}
		if amount > refundable {
			return nil, 0, fmt.Errorf("%w: requested %s, refundable %s", ErrExceedsCap, amount, refundable)
		}

		next := order.RefundedAmount + amount
		status := settlement.RefundPartial
		if next == order.Totals.Gross() {
			status = settlement.RefundFull
		}

		claimed, err := s.repo.ClaimRefund(ctx, orderID, order.RefundedAmount, next, status)
		if err != nil {
			return nil, 0, fmt.Errorf("reconciler: failed to claim refund: %w", err)
		}
		if claimed {
			order.RefundedAmount = next
			order.RefundStatus = status
			return order, amount, nil
		}

		log.Warn().Stringer("order_id", orderID).Int("attempt", attempt+1).Msg("reconciler: refund claim conflicted, retrying")
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(claimBackoff * time.Duration(attempt+1)):
		}
	}
	return nil, 0, ErrConflict
}

func (s *service) reverse(ctx context.Context, order *settlement.Order, amount money.Pence) (string, error) {
	if order.PaymentMethod == settlement.PaymentFree {
		return "", nil
	}

	railCtx, cancel := context.WithTimeout(ctx, s.railTimeout)
	defer cancel()

	// An unconfigured rail is a rail failure, not a panic: the caller's
	// failure path releases the claim and records the failed attempt.
	switch order.PaymentMethod {
	case settlement.PaymentStripe:
		if s.cardRail == nil {
			return "", fmt.Errorf("reconciler: card rail is not configured")
		}
		return s.cardRail.RefundCharge(railCtx, order.PaymentReference, amount)
	case settlement.PaymentPayPal:
		if s.batchRail == nil {
			return "", fmt.Errorf("reconciler: batch rail is not configured")
		}
		return s.batchRail.RefundCapture(railCtx, order.PaymentReference, amount)
	default:
		return "", fmt.Errorf("reconciler: no rail for payment method %q", order.PaymentMethod)
	}
}

// restoreStock is best-effort: a refunded-but-not-restocked item is
// operationally recoverable, so failures never block the refund.
func (s *service) restoreStock(ctx context.Context, order *settlement.Order, amount money.Pence, restoreItems []uuid.UUID) {
	var items []settlement.LineItem
	if len(restoreItems) > 0 {
		wanted := make(map[uuid.UUID]bool, len(restoreItems))
		for _, id := range restoreItems {
			wanted[id] = true
		}
		for _, item := range order.Items {
			if item.Type.Physical() && wanted[item.ProductID] {
				items = append(items, item)
			}
		}
	} else if order.RefundStatus == settlement.RefundFull {
		for _, item := range order.Items {
			if item.Type.Physical() {
				items = append(items, item)
			}
		}
	}
	if len(items) == 0 {
		return
	}

	if err := s.inventory.RestoreStock(ctx, order.ID, items); err != nil {
		log.Error().Err(err).Stringer("order_id", order.ID).Int("items", len(items)).Msg("reconciler: failed to restore stock")
	}
}

func (s *service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error) {
	return s.repo.ListByOrder(ctx, orderID)
}
