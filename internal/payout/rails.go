package payout

import (
	"context"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

// TransferRequest is a card-network transfer to a connected account.
// IdempotencyKey is the obligation id, so a rail-side retry of the same
// dispatch cannot move money twice.
type TransferRequest struct {
	DestinationAccount string
	Amount             money.Pence
	Currency           string
	IdempotencyKey     string
	TransferGroup      string
}

// BatchPayoutRequest is one item for the batch-payout rail.
type BatchPayoutRequest struct {
	Email     string
	Amount    money.Pence
	Currency  string
	Note      string
	Reference string
}

type CardTransferRail interface {
	Transfer(ctx context.Context, req TransferRequest) (externalRef string, err error)
}

type BatchPayoutRail interface {
	Payout(ctx context.Context, req BatchPayoutRequest) (batchID string, err error)
}

// RailAvailability says which rails the platform has credentials for.
type RailAvailability struct {
	Stripe bool
	PayPal bool
}

// SelectRail picks the payment rail for a payee: their explicit
// preference when its prerequisites hold, otherwise the card-transfer
// rail, otherwise the batch rail. Returns false when no rail is usable,
// which is the expected state for a payee mid-onboarding.
func SelectRail(p *payee.Payee, avail RailAvailability) (settlement.PayoutMethod, bool) {
	stripeReady := avail.Stripe && p.StripeConnectID != "" && p.StripeConnectStatus == payee.ConnectActive
	paypalReady := avail.PayPal && p.PayPalEmail != ""

	switch p.PayoutMethod {
	case settlement.PayoutStripe:
		if stripeReady {
			return settlement.PayoutStripe, true
		}
	case settlement.PayoutPayPal:
		if paypalReady {
			return settlement.PayoutPayPal, true
		}
	}

	if stripeReady {
		return settlement.PayoutStripe, true
	}
	if paypalReady {
		return settlement.PayoutPayPal, true
	}
	return settlement.PayoutNone, false
}
