package fees_test

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/money"
)

var defaultRates = fees.Rates{
	PlatformRate:   0.01,
	ProcessorRate:  0.029,
	ProcessorFixed: 30,
}

func TestNewCalculator_RateValidation(t *testing.T) {
	tests := []struct {
		name    string
		rates   fees.Rates
		wantErr bool
	}{
		{name: "valid", rates: defaultRates, wantErr: false},
		{name: "zero_rates", rates: fees.Rates{}, wantErr: false},
		{name: "processor_rate_one", rates: fees.Rates{ProcessorRate: 1}, wantErr: true},
		{name: "processor_rate_above_one", rates: fees.Rates{ProcessorRate: 1.2}, wantErr: true},
		{name: "negative_processor_rate", rates: fees.Rates{ProcessorRate: -0.01}, wantErr: true},
		{name: "platform_rate_one", rates: fees.Rates{PlatformRate: 1}, wantErr: true},
		{name: "negative_fixed_fee", rates: fees.Rates{ProcessorFixed: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fees.NewCalculator(tt.rates)
			if tt.wantErr {
				assert.ErrorIs(t, err, fees.ErrInvalidRates)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCalculator_CustomerPrice_EightPoundExample(t *testing.T) {
	calc, err := fees.NewCalculator(defaultRates)
	require.NoError(t, err)

	// Artist asks £8.00: payee share £8.00, platform fee £0.08,
	// customer price (8.08+0.30)/0.971 = £8.63, processor fee £0.55.
	split := calc.CustomerPrice(800, 1)

	assert.Equal(t, money.Pence(800), split.PayeeShare)
	assert.Equal(t, money.Pence(8), split.PlatformFee)
	assert.Equal(t, money.Pence(863), split.CustomerPrice)
	assert.Equal(t, money.Pence(55), split.ProcessorFee)
}

func TestCalculator_CustomerPrice_Quantity(t *testing.T) {
	calc, err := fees.NewCalculator(defaultRates)
	require.NoError(t, err)

	split := calc.CustomerPrice(800, 3)
	assert.Equal(t, money.Pence(2400), split.PayeeShare)
	assert.Equal(t, money.Pence(24), split.PlatformFee)
}

func TestCalculator_CustomerPrice_FeeConservation(t *testing.T) {
	calc, err := fees.NewCalculator(defaultRates)
	require.NoError(t, err)

	prices := []money.Pence{1, 37, 99, 100, 250, 500, 800, 999, 1500, 2999, 10000, 123456}
	for _, price := range prices {
		for _, qty := range []int{1, 2, 5, 10} {
			split := calc.CustomerPrice(price, qty)
			residual := split.CustomerPrice - split.ProcessorFee - split.PlatformFee - split.PayeeShare
			assert.LessOrEqual(t, residual, money.Pence(1),
				"price=%d qty=%d split=%+v", price, qty, split)
			assert.GreaterOrEqual(t, residual, money.Pence(-1),
				"price=%d qty=%d split=%+v", price, qty, split)
			assert.Equal(t, money.Pence(int64(price)*int64(qty)), split.PayeeShare,
				"payee must receive exactly asking price * quantity")
		}
	}
}

func TestSplitByPayee(t *testing.T) {
	artistA := uuid.Must(uuid.FromString("11111111-1111-1111-1111-111111111111"))
	artistB := uuid.Must(uuid.FromString("22222222-2222-2222-2222-222222222222"))

	lines := []fees.PayeeLine{
		{PayeeID: artistB, Share: 500},
		{PayeeID: artistA, Share: 1000},
		{PayeeID: artistA, Share: 250},
		{PayeeID: uuid.Nil, Share: 300},              // platform-owned merch
		{PayeeID: artistB, GiftCard: true, Share: 0}, // gift cards carry no payee share
	}

	groups := fees.SplitByPayee(lines)

	if assert.Len(t, groups, 2) {
		assert.Equal(t, artistA, groups[0].PayeeID)
		assert.Equal(t, money.Pence(1250), groups[0].TotalShare)
		assert.Len(t, groups[0].Lines, 2)

		assert.Equal(t, artistB, groups[1].PayeeID)
		assert.Equal(t, money.Pence(500), groups[1].TotalShare)
	}
}

func TestSplitByPayee_Empty(t *testing.T) {
	assert.Empty(t, fees.SplitByPayee(nil))
	assert.Empty(t, fees.SplitByPayee([]fees.PayeeLine{{PayeeID: uuid.Nil, Share: 100}}))
}
