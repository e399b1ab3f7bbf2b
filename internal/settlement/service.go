package settlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/notify"
)

var ErrValidation = errors.New("invalid order")

// LedgerAppender records one immutable reporting row per order.
// Implemented by the ledger service; appends are idempotent on order id.
type LedgerAppender interface {
	Append(ctx context.Context, order *Order) error
}

type NewLineItem struct {
	ProductID uuid.UUID
	Type      ItemType
	PayeeID   uuid.UUID
	UnitPrice money.Pence
	Quantity  int
}

type CreateOrderInput struct {
	Customer         Customer
	Items            []NewLineItem
	Shipping         money.Pence
	ShippingAddress  string
	PaymentMethod    PaymentMethod
	PaymentReference string
	Test             bool
}

type Service interface {
	// BuildOrder settles a raw order: validates it, computes per-item
	// payment splits, persists the order with one pending obligation per
	// payee, appends the ledger row and fires notifications.
	BuildOrder(ctx context.Context, input CreateOrderInput) (*Settlement, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
}

type service struct {
	repo     Repository
	calc     *fees.Calculator
	ledger   LedgerAppender
	notifier notify.Notifier
	currency string
}

func NewService(repo Repository, calc *fees.Calculator, ledger LedgerAppender, notifier notify.Notifier, currency string) Service {
	return &service{
		repo:     repo,
		calc:     calc,
		ledger:   ledger,
		notifier: notifier,
		currency: currency,
	}
}

func (s *service) BuildOrder(ctx context.Context, input CreateOrderInput) (*Settlement, error) {
	if err := validateInput(input); err != nil {
		log.Warn().Err(err).Str("customer_email", input.Customer.Email).Msg("service: order rejected by validation")
		return nil, err
	}

	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order id: %w", err)
	}

	order := &Order{
		ID:               orderID,
		OrderNumber:      newOrderNumber(time.Now().UTC()),
		Customer:         input.Customer,
		PaymentMethod:    input.PaymentMethod,
		PaymentReference: input.PaymentReference,
		Status:           OrderCompleted,
		RefundStatus:     RefundNone,
		ShippingAddress:  input.ShippingAddress,
		Test:             input.Test,
	}
	order.Totals.Shipping = input.Shipping

	payeeLines := make([]fees.PayeeLine, 0, len(input.Items))
	for _, in := range input.Items {
		itemID, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("service: failed to generate item id: %w", err)
		}

		var split fees.Split
		switch {
		case input.PaymentMethod == PaymentFree:
			// Promo/download-code orders move no money at all.
		case in.Type == TypeGiftCard || in.PayeeID == uuid.Nil:
			// No payee behind the item; the customer pays face value and
			// the platform absorbs the processing cost.
			split.CustomerPrice = in.UnitPrice * money.Pence(in.Quantity)
		default:
			split = s.calc.CustomerPrice(in.UnitPrice, in.Quantity)
		}

		order.Items = append(order.Items, LineItem{
			ID:        itemID,
			OrderID:   orderID,
			ProductID: in.ProductID,
			Type:      in.Type,
			PayeeID:   in.PayeeID,
			UnitPrice: in.UnitPrice,
			Quantity:  in.Quantity,
			Split:     split,
		})

		order.Totals.Subtotal += split.CustomerPrice
		order.Totals.ProcessorFees += split.ProcessorFee
		order.Totals.PlatformFees += split.PlatformFee
		order.Totals.PayeePayments += split.PayeeShare

		payeeLines = append(payeeLines, fees.PayeeLine{
			PayeeID:  in.PayeeID,
			GiftCard: in.Type == TypeGiftCard,
			Share:    split.PayeeShare,
		})
	}

	obligations, err := s.buildObligations(order, input.Items, payeeLines)
	if err != nil {
		return nil, err
	}

	// Write order (incl. items) and obligations first, ledger after:
	// obligations can always be rebuilt from a persisted order, so a
	// crash between the two leaves a resumable state.
	if err := s.repo.CreateSettlement(ctx, order, obligations); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			log.Warn().Str("payment_reference", input.PaymentReference).Msg("service: duplicate settlement attempt")
			return nil, ErrDuplicateOrder
		}
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to persist settlement")
		return nil, fmt.Errorf("service: failed to persist settlement: %w", err)
	}

	if err := s.ledger.Append(ctx, order); err != nil {
		// The backfill pass recovers missing rows; settlement stands.
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to append ledger entry")
	}

	s.notifier.Notify(ctx, notify.KindOrderReceipt, map[string]any{
		"order_number": order.OrderNumber,
		"email":        order.Customer.Email,
		"total_pence":  order.Totals.Gross(),
	})
	for _, ob := range obligations {
		s.notifier.Notify(ctx, notify.KindPayeeEarnings, map[string]any{
			"payee_id":     ob.PayeeID,
			"order_number": order.OrderNumber,
			"amount_pence": ob.Amount,
		})
	}

	log.Info().
		Stringer("order_id", orderID).
		Str("order_number", order.OrderNumber).
		Int("obligations", len(obligations)).
		Msg("service: order settled")

	return &Settlement{Order: order, Obligations: obligations}, nil
}

func (s *service) buildObligations(order *Order, items []NewLineItem, lines []fees.PayeeLine) ([]PayeeObligation, error) {
	typeByPayee := make(map[uuid.UUID]PayeeType)
	for _, in := range items {
		if in.PayeeID == uuid.Nil {
			continue
		}
		// A payee selling any music item is an artist; pure physical
		// stockists are suppliers.
		if !in.Type.Physical() {
			typeByPayee[in.PayeeID] = PayeeArtist
		} else if typeByPayee[in.PayeeID] == "" {
			typeByPayee[in.PayeeID] = PayeeSupplier
		}
	}

	groups := fees.SplitByPayee(lines)
	obligations := make([]PayeeObligation, 0, len(groups))
	for _, group := range groups {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("service: failed to generate obligation id: %w", err)
		}
		obligations = append(obligations, PayeeObligation{
			ID:        id,
			PayeeID:   group.PayeeID,
			PayeeType: typeByPayee[group.PayeeID],
			OrderID:   order.ID,
			Amount:    group.TotalShare,
			Currency:  s.currency,
			Status:    ObligationPending,
		})
	}
	return obligations, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	order, err := s.repo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order")
		return nil, fmt.Errorf("service: failed to fetch order: %w", err)
	}
	return order, nil
}

func validateInput(input CreateOrderInput) error {
	if input.Customer.Email == "" {
		return fmt.Errorf("%w: customer email is required", ErrValidation)
	}
	if input.Customer.Name == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if !input.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, input.PaymentMethod)
	}
	if input.PaymentMethod != PaymentFree && input.PaymentReference == "" {
		return fmt.Errorf("%w: payment reference is required for paid orders", ErrValidation)
	}
	if len(input.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	if input.Shipping < 0 {
		return fmt.Errorf("%w: shipping must not be negative", ErrValidation)
	}

	needsShipping := false
	for _, item := range input.Items {
		if !item.Type.Valid() {
			return fmt.Errorf("%w: unknown item type %q", ErrValidation, item.Type)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for product %s must be greater than zero", ErrValidation, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: unit price for product %s must not be negative", ErrValidation, item.ProductID)
		}
		if item.ProductID == uuid.Nil {
			return fmt.Errorf("%w: product id is required on every item", ErrValidation)
		}
		if item.Type.Physical() {
			needsShipping = true
		}
	}
	if needsShipping && input.ShippingAddress == "" {
		return fmt.Errorf("%w: shipping address is required for physical items", ErrValidation)
	}
	return nil
}

// Order numbers look like FW-250829-K7M2QX: date plus a short random
// suffix from an alphabet without ambiguous characters.
const orderNumberAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

func newOrderNumber(now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; fall
		// back to a time-derived suffix rather than refuse the order.
		nano := now.UnixNano()
		for i := range buf {
			buf[i] = byte(nano >> (i * 8))
		}
	}
	for i := range buf {
		buf[i] = orderNumberAlphabet[int(buf[i])%len(orderNumberAlphabet)]
	}
	return fmt.Sprintf("FW-%s-%s", now.Format("060102"), string(buf))
}
