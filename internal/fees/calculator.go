// Package fees is the pure calculation layer of the settlement engine:
// it turns a payee's asking price into the customer-facing charge and
// groups line items into per-payee totals. No I/O happens here.
package fees

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gofrs/uuid"

	"github.com/fadedwax/settlement-engine/internal/money"
)

var ErrInvalidRates = errors.New("fees: invalid fee configuration")

// Rates are the platform's inbound fee constants. PlatformRate applies
// to the payee share; ProcessorRate and ProcessorFixed apply to the
// total customer payment.
type Rates struct {
	PlatformRate   float64
	ProcessorRate  float64
	ProcessorFixed money.Pence
}

// Validate rejects rates under which the inverse fee solve is undefined
// or nonsensical. ProcessorRate must stay below 1 or the divisor in
// CustomerPrice goes to zero or negative.
func (r Rates) Validate() error {
	if r.ProcessorRate < 0 || r.ProcessorRate >= 1 {
		return fmt.Errorf("%w: processor rate %v must be in [0, 1)", ErrInvalidRates, r.ProcessorRate)
	}
	if r.PlatformRate < 0 || r.PlatformRate >= 1 {
		return fmt.Errorf("%w: platform rate %v must be in [0, 1)", ErrInvalidRates, r.PlatformRate)
	}
	if r.ProcessorFixed < 0 {
		return fmt.Errorf("%w: processor fixed fee %s must not be negative", ErrInvalidRates, r.ProcessorFixed)
	}
	return nil
}

// Split is the decomposition of one line item's customer payment.
// CustomerPrice ≈ ProcessorFee + PlatformFee + PayeeShare; components
// are rounded independently, so the sum is advisory within a penny.
type Split struct {
	CustomerPrice money.Pence `json:"customer_price_pence"`
	ProcessorFee  money.Pence `json:"processor_fee_pence"`
	PlatformFee   money.Pence `json:"platform_fee_pence"`
	PayeeShare    money.Pence `json:"payee_share_pence"`
}

type Calculator struct {
	rates Rates
}

func NewCalculator(rates Rates) (*Calculator, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{rates: rates}, nil
}

// CustomerPrice solves for the charge at which, after the processor
// deducts its cut, exactly payeeShare + platformFee remains. The payee
// receives their asking price in full; fees are added on top for the
// customer. Each component is rounded from the un-rounded intermediate
// values so drift does not compound across items.
func (c *Calculator) CustomerPrice(askingPrice money.Pence, quantity int) Split {
	payeeShare := float64(askingPrice) * float64(quantity)
	platformFee := payeeShare * c.rates.PlatformRate
	subtotalBeforeFee := payeeShare + platformFee
	customerPrice := (subtotalBeforeFee + float64(c.rates.ProcessorFixed)) / (1 - c.rates.ProcessorRate)
	processorFee := customerPrice - subtotalBeforeFee

	return Split{
		CustomerPrice: money.Round(customerPrice),
		ProcessorFee:  money.Round(processorFee),
		PlatformFee:   money.Round(platformFee),
		PayeeShare:    money.Round(payeeShare),
	}
}

// PayeeLine is the minimal line-item view the grouping needs.
type PayeeLine struct {
	PayeeID  uuid.UUID
	GiftCard bool
	Share    money.Pence
}

// PayeeGroup is one payee's slice of an order.
type PayeeGroup struct {
	PayeeID    uuid.UUID
	Lines      []PayeeLine
	TotalShare money.Pence
}

// SplitByPayee groups lines by payee, skipping lines with no payee
// (platform-owned stock) and gift cards (no payee share). Groups are
// materialized sorted by payee id so callers see a stable order.
func SplitByPayee(lines []PayeeLine) []PayeeGroup {
	byPayee := make(map[uuid.UUID]*PayeeGroup)
	for _, line := range lines {
		if line.PayeeID == uuid.Nil || line.GiftCard {
			continue
		}
		group, ok := byPayee[line.PayeeID]
		if !ok {
			group = &PayeeGroup{PayeeID: line.PayeeID}
			byPayee[line.PayeeID] = group
		}
		group.Lines = append(group.Lines, line)
		group.TotalShare += line.Share
	}

	groups := make([]PayeeGroup, 0, len(byPayee))
	for _, group := range byPayee {
		groups = append(groups, *group)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].PayeeID.String() < groups[j].PayeeID.String()
	})
	return groups
}
