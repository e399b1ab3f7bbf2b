package payout

import (
	"time"

	"github.com/gofrs/uuid"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Payout is the historical record of one attempted money movement.
// Immutable once written; an obligation accumulates one row per attempt
// but only ever one completed row.
type Payout struct {
	ID           uuid.UUID `json:"id"`
	ObligationID uuid.UUID `json:"obligation_id"`
	PayeeID      uuid.UUID `json:"payee_id"`
	OrderID      uuid.UUID `json:"order_id"`
	// Amount is what the payee actually receives; RailFee is what the
	// batch rail deducted from the transfer on top of that.
	Amount        money.Pence             `json:"amount_pence"`
	RailFee       money.Pence             `json:"rail_fee_pence"`
	Method        settlement.PayoutMethod `json:"method"`
	ExternalRef   string                  `json:"external_ref,omitempty"`
	Status        Status                  `json:"status"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
}

// SweepResult summarizes one retry sweep over retry_pending obligations.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
