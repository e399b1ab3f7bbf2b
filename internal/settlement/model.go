package settlement

import (
	"time"

	"github.com/gofrs/uuid"

	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/money"
)

type ItemType string

const (
	TypeDigital  ItemType = "digital"
	TypeTrack    ItemType = "track"
	TypeVinyl    ItemType = "vinyl"
	TypeMerch    ItemType = "merch"
	TypeGiftCard ItemType = "giftcard"
)

func (t ItemType) String() string { return string(t) }

// Physical reports whether the item needs shipping.
func (t ItemType) Physical() bool {
	return t == TypeVinyl || t == TypeMerch
}

func (t ItemType) Valid() bool {
	switch t {
	case TypeDigital, TypeTrack, TypeVinyl, TypeMerch, TypeGiftCard:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentStripe PaymentMethod = "stripe"
	PaymentPayPal PaymentMethod = "paypal"
	PaymentFree   PaymentMethod = "free"
)

func (m PaymentMethod) String() string { return string(m) }

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentStripe, PaymentPayPal, PaymentFree:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) String() string { return string(s) }

type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPartial RefundStatus = "partial"
	RefundFull    RefundStatus = "full"
)

func (s RefundStatus) String() string { return string(s) }

type PayeeType string

const (
	PayeeArtist   PayeeType = "artist"
	PayeeSupplier PayeeType = "supplier"
	PayeeSeller   PayeeType = "seller"
)

func (t PayeeType) String() string { return string(t) }

// PayoutMethod is a payee's rail preference; empty means no preference.
type PayoutMethod string

const (
	PayoutStripe PayoutMethod = "stripe"
	PayoutPayPal PayoutMethod = "paypal"
	PayoutNone   PayoutMethod = ""
)

func (m PayoutMethod) String() string { return string(m) }

type ObligationStatus string

const (
	ObligationPending         ObligationStatus = "pending"
	ObligationProcessing      ObligationStatus = "processing"
	ObligationCompleted       ObligationStatus = "completed"
	ObligationRetryPending    ObligationStatus = "retry_pending"
	ObligationAwaitingConnect ObligationStatus = "awaiting_connect"
	ObligationCleared         ObligationStatus = "cleared"
)

func (s ObligationStatus) String() string { return string(s) }

// Terminal reports whether an obligation can never be dispatched again.
func (s ObligationStatus) Terminal() bool {
	return s == ObligationCompleted || s == ObligationCleared
}

type Customer struct {
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	UserID uuid.UUID `json:"user_id,omitempty"` // Nil for guest checkout
}

type LineItem struct {
	ID        uuid.UUID   `json:"id"`
	OrderID   uuid.UUID   `json:"order_id"`
	ProductID uuid.UUID   `json:"product_id"`
	Type      ItemType    `json:"type"`
	PayeeID   uuid.UUID   `json:"payee_id,omitempty"` // Nil for platform-owned stock
	UnitPrice money.Pence `json:"unit_price_pence"`   // payee's asking price
	Quantity  int         `json:"quantity"`
	Split     fees.Split  `json:"payment_split"`
	CreatedAt time.Time   `json:"created_at"`
}

type Totals struct {
	Subtotal      money.Pence `json:"subtotal_pence"`
	Shipping      money.Pence `json:"shipping_pence"`
	ProcessorFees money.Pence `json:"processor_fees_pence"`
	PlatformFees  money.Pence `json:"platform_fees_pence"`
	PayeePayments money.Pence `json:"payee_payments_pence"`
}

// Gross is the refundable cap: everything the customer actually paid.
func (t Totals) Gross() money.Pence {
	return t.Subtotal + t.Shipping
}

type Order struct {
	ID               uuid.UUID     `json:"id"`
	OrderNumber      string        `json:"order_number"`
	Customer         Customer      `json:"customer"`
	Items            []LineItem    `json:"items"`
	Totals           Totals        `json:"totals"`
	PaymentMethod    PaymentMethod `json:"payment_method"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	Status           OrderStatus   `json:"status"`
	RefundStatus     RefundStatus  `json:"refund_status"`
	RefundedAmount   money.Pence   `json:"refunded_amount_pence"`
	ShippingAddress  string        `json:"shipping_address,omitempty"`
	Test             bool          `json:"test,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// PayeeObligation is what the platform owes one payee for one order.
// Rows are never deleted, only status-transitioned, so the audit trail
// survives every retry.
type PayeeObligation struct {
	ID            uuid.UUID        `json:"id"`
	PayeeID       uuid.UUID        `json:"payee_id"`
	PayeeType     PayeeType        `json:"payee_type"`
	OrderID       uuid.UUID        `json:"order_id"`
	Amount        money.Pence      `json:"amount_pence"`
	Currency      string           `json:"currency"`
	Status        ObligationStatus `json:"status"`
	PayoutMethod  PayoutMethod     `json:"payout_method,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Settlement is the result of building one order: the persisted order
// plus its per-payee obligations.
type Settlement struct {
	Order       *Order            `json:"order"`
	Obligations []PayeeObligation `json:"obligations"`
}
