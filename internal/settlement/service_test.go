package settlement_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/notify"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

type mockRepository struct {
	createFunc func(ctx context.Context, order *settlement.Order, obligations []settlement.PayeeObligation) error
	getFunc    func(ctx context.Context, id uuid.UUID) (*settlement.Order, error)
	listFunc   func(ctx context.Context) ([]settlement.Order, error)
}

func (m *mockRepository) CreateSettlement(ctx context.Context, order *settlement.Order, obligations []settlement.PayeeObligation) error {
	return m.createFunc(ctx, order, obligations)
}

func (m *mockRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*settlement.Order, error) {
	return m.getFunc(ctx, id)
}

func (m *mockRepository) ListSettledOrders(ctx context.Context) ([]settlement.Order, error) {
	return m.listFunc(ctx)
}

type mockLedger struct {
	appendFunc func(ctx context.Context, order *settlement.Order) error
	calls      int
}

func (m *mockLedger) Append(ctx context.Context, order *settlement.Order) error {
	m.calls++
	if m.appendFunc != nil {
		return m.appendFunc(ctx, order)
	}
	return nil
}

type mockNotifier struct {
	kinds []notify.Kind
}

func (m *mockNotifier) Notify(_ context.Context, kind notify.Kind, _ any) {
	m.kinds = append(m.kinds, kind)
}

func newTestService(t *testing.T, repo settlement.Repository, ledger settlement.LedgerAppender, notifier notify.Notifier) settlement.Service {
	t.Helper()
	calc, err := fees.NewCalculator(fees.Rates{PlatformRate: 0.01, ProcessorRate: 0.029, ProcessorFixed: 30})
	require.NoError(t, err)
	return settlement.NewService(repo, calc, ledger, notifier, "GBP")
}

var (
	artistOne = uuid.Must(uuid.FromString("11111111-1111-1111-1111-111111111111"))
	artistTwo = uuid.Must(uuid.FromString("22222222-2222-2222-2222-222222222222"))
	productA  = uuid.Must(uuid.FromString("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"))
	productB  = uuid.Must(uuid.FromString("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"))
)

func validInput() settlement.CreateOrderInput {
	return settlement.CreateOrderInput{
		Customer:         settlement.Customer{Email: "crate.digger@example.com", Name: "Sam Vale"},
		PaymentMethod:    settlement.PaymentStripe,
		PaymentReference: "pi_3NxT2d2eZvKYlo2C",
		Items: []settlement.NewLineItem{
			{ProductID: productA, Type: settlement.TypeDigital, PayeeID: artistOne, UnitPrice: 1000, Quantity: 1},
			{ProductID: productB, Type: settlement.TypeDigital, PayeeID: artistTwo, UnitPrice: 500, Quantity: 1},
		},
	}
}

func TestBuildOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*settlement.CreateOrderInput)
	}{
		{name: "missing_email", mutate: func(in *settlement.CreateOrderInput) { in.Customer.Email = "" }},
		{name: "missing_name", mutate: func(in *settlement.CreateOrderInput) { in.Customer.Name = "" }},
		{name: "no_items", mutate: func(in *settlement.CreateOrderInput) { in.Items = nil }},
		{name: "zero_quantity", mutate: func(in *settlement.CreateOrderInput) { in.Items[0].Quantity = 0 }},
		{name: "negative_price", mutate: func(in *settlement.CreateOrderInput) { in.Items[0].UnitPrice = -1 }},
		{name: "nil_product", mutate: func(in *settlement.CreateOrderInput) { in.Items[0].ProductID = uuid.Nil }},
		{name: "bad_item_type", mutate: func(in *settlement.CreateOrderInput) { in.Items[0].Type = "cassette" }},
		{name: "bad_payment_method", mutate: func(in *settlement.CreateOrderInput) { in.PaymentMethod = "cheque" }},
		{name: "paid_without_reference", mutate: func(in *settlement.CreateOrderInput) { in.PaymentReference = "" }},
		{name: "negative_shipping", mutate: func(in *settlement.CreateOrderInput) { in.Shipping = -10 }},
		{
			name: "physical_without_address",
			mutate: func(in *settlement.CreateOrderInput) {
				in.Items[0].Type = settlement.TypeVinyl
				in.ShippingAddress = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepository{
				createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error {
					t.Fatal("repository must not be called for invalid input")
					return nil
				},
			}
			svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

			input := validInput()
			tt.mutate(&input)

			_, err := svc.BuildOrder(context.Background(), input)
			assert.ErrorIs(t, err, settlement.ErrValidation)
		})
	}
}

func TestBuildOrder_TwoArtistsTwoObligations(t *testing.T) {
	var persisted []settlement.PayeeObligation
	repo := &mockRepository{
		createFunc: func(_ context.Context, order *settlement.Order, obligations []settlement.PayeeObligation) error {
			persisted = obligations
			return nil
		},
	}
	ledger := &mockLedger{}
	notifier := &mockNotifier{}
	svc := newTestService(t, repo, ledger, notifier)

	result, err := svc.BuildOrder(context.Background(), validInput())
	require.NoError(t, err)

	require.Len(t, result.Obligations, 2)
	assert.Equal(t, persisted, result.Obligations)

	// Obligations come out sorted by payee id, amounts summing to the
	// asking prices exactly (£10 + £5).
	assert.Equal(t, artistOne, result.Obligations[0].PayeeID)
	assert.Equal(t, artistTwo, result.Obligations[1].PayeeID)
	var total money.Pence
	for _, ob := range result.Obligations {
		assert.Equal(t, settlement.ObligationPending, ob.Status)
		assert.Equal(t, settlement.PayeeArtist, ob.PayeeType)
		assert.Equal(t, "GBP", ob.Currency)
		assert.Equal(t, result.Order.ID, ob.OrderID)
		total += ob.Amount
	}
	assert.Equal(t, money.Pence(1500), total)

	assert.Equal(t, 1, ledger.calls)
	assert.Equal(t, []notify.Kind{notify.KindOrderReceipt, notify.KindPayeeEarnings, notify.KindPayeeEarnings}, notifier.kinds)
}

func TestBuildOrder_TotalsAccumulatePerItemSplits(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error { return nil },
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	input := validInput()
	input.Items = []settlement.NewLineItem{
		{ProductID: productA, Type: settlement.TypeDigital, PayeeID: artistOne, UnitPrice: 800, Quantity: 1},
	}

	result, err := svc.BuildOrder(context.Background(), input)
	require.NoError(t, err)

	want := settlement.Totals{
		Subtotal:      863,
		ProcessorFees: 55,
		PlatformFees:  8,
		PayeePayments: 800,
	}
	if diff := cmp.Diff(want, result.Order.Totals); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, result.Order.Items, 1)
	assert.Equal(t, fees.Split{CustomerPrice: 863, ProcessorFee: 55, PlatformFee: 8, PayeeShare: 800}, result.Order.Items[0].Split)
}

func TestBuildOrder_OrderNumberFormat(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error { return nil },
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	result, err := svc.BuildOrder(context.Background(), validInput())
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^FW-\d{6}-[23456789ABCDEFGHJKMNPQRSTUVWXYZ]{6}$`), result.Order.OrderNumber)
}

func TestBuildOrder_FreeOrderMovesNoMoney(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error { return nil },
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	input := validInput()
	input.PaymentMethod = settlement.PaymentFree
	input.PaymentReference = ""

	result, err := svc.BuildOrder(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, settlement.Totals{}, result.Order.Totals)
	// Zero-amount obligations still exist; dispatch clears them later.
	require.Len(t, result.Obligations, 2)
	for _, ob := range result.Obligations {
		assert.EqualValues(t, 0, ob.Amount)
	}
}

func TestBuildOrder_GiftCardAndPlatformItemsGetNoObligation(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error { return nil },
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	input := validInput()
	input.Items = []settlement.NewLineItem{
		{ProductID: productA, Type: settlement.TypeGiftCard, PayeeID: artistOne, UnitPrice: 2000, Quantity: 1},
		{ProductID: productB, Type: settlement.TypeDigital, PayeeID: uuid.Nil, UnitPrice: 500, Quantity: 2},
	}

	result, err := svc.BuildOrder(context.Background(), input)
	require.NoError(t, err)

	assert.Empty(t, result.Obligations)
	// Customer still pays face value for both.
	assert.Equal(t, money.Pence(3000), result.Order.Totals.Subtotal)
	assert.EqualValues(t, 0, result.Order.Totals.PayeePayments)
}

func TestBuildOrder_SupplierPayeeType(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error { return nil },
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	input := validInput()
	input.Items = []settlement.NewLineItem{
		{ProductID: productA, Type: settlement.TypeVinyl, PayeeID: artistOne, UnitPrice: 2500, Quantity: 1},
	}
	input.ShippingAddress = "12 Crate Lane, Bristol"
	input.Shipping = 399

	result, err := svc.BuildOrder(context.Background(), input)
	require.NoError(t, err)

	require.Len(t, result.Obligations, 1)
	assert.Equal(t, settlement.PayeeSupplier, result.Obligations[0].PayeeType)
	assert.Equal(t, money.Pence(399), result.Order.Totals.Shipping)
}

func TestBuildOrder_DuplicatePaymentReference(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error {
			return settlement.ErrDuplicateOrder
		},
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	_, err := svc.BuildOrder(context.Background(), validInput())
	assert.ErrorIs(t, err, settlement.ErrDuplicateOrder)
}

func TestBuildOrder_LedgerFailureDoesNotFailSettlement(t *testing.T) {
	repo := &mockRepository{
		createFunc: func(context.Context, *settlement.Order, []settlement.PayeeObligation) error { return nil },
	}
	ledger := &mockLedger{
		appendFunc: func(context.Context, *settlement.Order) error {
			return errors.New("ledger store unavailable")
		},
	}
	svc := newTestService(t, repo, ledger, &mockNotifier{})

	result, err := svc.BuildOrder(context.Background(), validInput())
	assert.NoError(t, err)
	assert.NotNil(t, result)
}

func TestGetOrder_NotFound(t *testing.T) {
	repo := &mockRepository{
		getFunc: func(context.Context, uuid.UUID) (*settlement.Order, error) {
			return nil, settlement.ErrOrderNotFound
		},
	}
	svc := newTestService(t, repo, &mockLedger{}, &mockNotifier{})

	_, err := svc.GetOrder(context.Background(), artistOne)
	assert.ErrorIs(t, err, settlement.ErrOrderNotFound)
}
