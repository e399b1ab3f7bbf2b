// Package money holds monetary amounts as integer pence so that fee
// arithmetic never accumulates binary floating-point drift.
package money

import (
	"fmt"
	"math"
)

// Pence is an amount in minor currency units. Negative values are valid
// intermediate results (e.g. fees exceeding a payee's share).
type Pence int64

// FromPounds converts a major-unit amount to pence, rounding to the
// nearest penny.
func FromPounds(pounds float64) Pence {
	return Pence(math.Round(pounds * 100))
}

// Round converts a raw float pence value to a whole Pence amount.
func Round(rawPence float64) Pence {
	return Pence(math.Round(rawPence))
}

// Pounds returns the amount in major units.
func (p Pence) Pounds() float64 {
	return float64(p) / 100
}

func (p Pence) String() string {
	sign := ""
	v := p
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s£%d.%02d", sign, v/100, v%100)
}
