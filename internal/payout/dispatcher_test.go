package payout_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/notify"
	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/payout"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

// memoryRepository implements the repository over a mutex-guarded map so
// the single-flight CAS semantics can be exercised concurrently.
type memoryRepository struct {
	mu          sync.Mutex
	obligations map[uuid.UUID]*settlement.PayeeObligation
	payouts     []payout.Payout
}

func newMemoryRepository(obs ...*settlement.PayeeObligation) *memoryRepository {
	r := &memoryRepository{obligations: make(map[uuid.UUID]*settlement.PayeeObligation)}
	for _, ob := range obs {
		r.obligations[ob.ID] = ob
	}
	return r
}

func (r *memoryRepository) GetObligation(_ context.Context, id uuid.UUID) (*settlement.PayeeObligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ob, ok := r.obligations[id]
	if !ok {
		return nil, payout.ErrObligationNotFound
	}
	copied := *ob
	return &copied, nil
}

func (r *memoryRepository) ListObligationsByStatus(_ context.Context, status settlement.ObligationStatus) ([]settlement.PayeeObligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []settlement.PayeeObligation
	for _, ob := range r.obligations {
		if ob.Status == status {
			out = append(out, *ob)
		}
	}
	return out, nil
}

func (r *memoryRepository) ListObligationsByPayee(_ context.Context, payeeID uuid.UUID) ([]settlement.PayeeObligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []settlement.PayeeObligation
	for _, ob := range r.obligations {
		if ob.PayeeID == payeeID {
			out = append(out, *ob)
		}
	}
	return out, nil
}

func (r *memoryRepository) transition(id uuid.UUID, to settlement.ObligationStatus, from ...settlement.ObligationStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ob, ok := r.obligations[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if ob.Status == s {
			ob.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) BeginDispatch(_ context.Context, id uuid.UUID) (bool, error) {
	return r.transition(id, settlement.ObligationProcessing,
		settlement.ObligationPending, settlement.ObligationRetryPending, settlement.ObligationAwaitingConnect)
}

func (r *memoryRepository) MarkCleared(_ context.Context, id uuid.UUID) (bool, error) {
	return r.transition(id, settlement.ObligationCleared, settlement.ObligationPending, settlement.ObligationRetryPending)
}

func (r *memoryRepository) MarkAwaitingConnect(_ context.Context, id uuid.UUID) (bool, error) {
	return r.transition(id, settlement.ObligationAwaitingConnect,
		settlement.ObligationPending, settlement.ObligationRetryPending, settlement.ObligationAwaitingConnect)
}

func (r *memoryRepository) CompleteDispatch(_ context.Context, p *payout.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ob := r.obligations[p.ObligationID]
	if ob == nil || ob.Status != settlement.ObligationProcessing {
		return errors.New("obligation not in processing state")
	}
	ob.Status = settlement.ObligationCompleted
	ob.FailureReason = ""
	r.payouts = append(r.payouts, *p)
	return nil
}

func (r *memoryRepository) FailDispatch(_ context.Context, p *payout.Payout, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ob := r.obligations[p.ObligationID]
	if ob == nil || ob.Status != settlement.ObligationProcessing {
		return errors.New("obligation not in processing state")
	}
	ob.Status = settlement.ObligationRetryPending
	ob.FailureReason = reason
	r.payouts = append(r.payouts, *p)
	return nil
}

func (r *memoryRepository) ListPayoutsByPayee(_ context.Context, payeeID uuid.UUID) ([]payout.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []payout.Payout
	for _, p := range r.payouts {
		if p.PayeeID == payeeID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memoryRepository) completedPayouts() []payout.Payout {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []payout.Payout
	for _, p := range r.payouts {
		if p.Status == payout.StatusCompleted {
			out = append(out, p)
		}
	}
	return out
}

type mockDirectory struct {
	payees   map[uuid.UUID]*payee.Payee
	mu       sync.Mutex
	earnings map[uuid.UUID]money.Pence
}

func newMockDirectory(payees ...*payee.Payee) *mockDirectory {
	d := &mockDirectory{payees: make(map[uuid.UUID]*payee.Payee), earnings: make(map[uuid.UUID]money.Pence)}
	for _, p := range payees {
		d.payees[p.ID] = p
	}
	return d
}

func (d *mockDirectory) Get(_ context.Context, id uuid.UUID) (*payee.Payee, error) {
	p, ok := d.payees[id]
	if !ok {
		return nil, payee.ErrPayeeNotFound
	}
	return p, nil
}

func (d *mockDirectory) IncrementEarnings(_ context.Context, id uuid.UUID, amount money.Pence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.earnings[id] += amount
	return nil
}

type mockCardRail struct {
	mu       sync.Mutex
	calls    int
	requests []payout.TransferRequest
	fn       func(payout.TransferRequest) (string, error)
}

func (m *mockCardRail) Transfer(_ context.Context, req payout.TransferRequest) (string, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(req)
	}
	return "tr_" + req.IdempotencyKey[:8], nil
}

type mockBatchRail struct {
	mu       sync.Mutex
	calls    int
	requests []payout.BatchPayoutRequest
	fn       func(payout.BatchPayoutRequest) (string, error)
}

func (m *mockBatchRail) Payout(_ context.Context, req payout.BatchPayoutRequest) (string, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(req)
	}
	return "BATCH-" + req.Reference[:8], nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, notify.Kind, any) {}

var (
	testPayeeID = uuid.Must(uuid.FromString("11111111-1111-1111-1111-111111111111"))
	testOrderID = uuid.Must(uuid.FromString("33333333-3333-3333-3333-333333333333"))
)

func connectedPayee() *payee.Payee {
	return &payee.Payee{
		ID:                  testPayeeID,
		Name:                "Delta Press",
		Type:                settlement.PayeeArtist,
		StripeConnectID:     "acct_1NxT2d",
		StripeConnectStatus: payee.ConnectActive,
	}
}

func paypalPayee() *payee.Payee {
	return &payee.Payee{
		ID:           testPayeeID,
		Name:         "Delta Press",
		Type:         settlement.PayeeArtist,
		PayoutMethod: settlement.PayoutPayPal,
		PayPalEmail:  "delta@example.com",
	}
}

func pendingObligation(amount money.Pence) *settlement.PayeeObligation {
	id, _ := uuid.NewV4()
	return &settlement.PayeeObligation{
		ID:       id,
		PayeeID:  testPayeeID,
		OrderID:  testOrderID,
		Amount:   amount,
		Currency: "GBP",
		Status:   settlement.ObligationPending,
	}
}

func newDispatcher(repo payout.Repository, dir payee.Directory, card *mockCardRail, batch *mockBatchRail, avail payout.RailAvailability) payout.Service {
	return payout.NewService(repo, dir, card, batch, noopNotifier{}, payout.Config{
		BatchFeeRate: 0.02,
		Availability: avail,
	})
}

func TestDispatch_StripeSuccess(t *testing.T) {
	ob := pendingObligation(1500)
	repo := newMemoryRepository(ob)
	dir := newMockDirectory(connectedPayee())
	card := &mockCardRail{}
	svc := newDispatcher(repo, dir, card, &mockBatchRail{}, payout.RailAvailability{Stripe: true, PayPal: true})

	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, payout.StatusCompleted, record.Status)
	assert.Equal(t, settlement.PayoutStripe, record.Method)
	assert.EqualValues(t, 1500, record.Amount)
	assert.EqualValues(t, 0, record.RailFee)
	assert.NotEmpty(t, record.ExternalRef)

	stored, _ := repo.GetObligation(context.Background(), ob.ID)
	assert.Equal(t, settlement.ObligationCompleted, stored.Status)
	assert.EqualValues(t, 1500, dir.earnings[testPayeeID])
	assert.Equal(t, 1, card.calls)
	require.Len(t, card.requests, 1)
	assert.Equal(t, ob.ID.String(), card.requests[0].IdempotencyKey)
}

func TestDispatch_PayPalDeductsRailFee(t *testing.T) {
	ob := pendingObligation(1000)
	repo := newMemoryRepository(ob)
	dir := newMockDirectory(paypalPayee())
	batch := &mockBatchRail{}
	svc := newDispatcher(repo, dir, &mockCardRail{}, batch, payout.RailAvailability{Stripe: true, PayPal: true})

	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)
	require.NotNil(t, record)

	// 2% deducted from the transfer, not added on top.
	assert.EqualValues(t, 20, record.RailFee)
	assert.EqualValues(t, 980, record.Amount)
	assert.Equal(t, settlement.PayoutPayPal, record.Method)
	require.Len(t, batch.requests, 1)
	assert.EqualValues(t, 980, batch.requests[0].Amount)
}

func TestDispatch_ZeroAmountClearsWithoutRailCall(t *testing.T) {
	ob := pendingObligation(0)
	repo := newMemoryRepository(ob)
	card := &mockCardRail{}
	batch := &mockBatchRail{}
	svc := newDispatcher(repo, newMockDirectory(connectedPayee()), card, batch, payout.RailAvailability{Stripe: true, PayPal: true})

	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	stored, _ := repo.GetObligation(context.Background(), ob.ID)
	assert.Equal(t, settlement.ObligationCleared, stored.Status)
	assert.Zero(t, card.calls)
	assert.Zero(t, batch.calls)
}

func TestDispatch_NoUsableRailParksObligation(t *testing.T) {
	ob := pendingObligation(1000)
	repo := newMemoryRepository(ob)
	onboarding := &payee.Payee{ID: testPayeeID, Name: "Delta Press", StripeConnectStatus: payee.ConnectPending}
	svc := newDispatcher(repo, newMockDirectory(onboarding), &mockCardRail{}, &mockBatchRail{}, payout.RailAvailability{Stripe: true, PayPal: true})

	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	stored, _ := repo.GetObligation(context.Background(), ob.ID)
	assert.Equal(t, settlement.ObligationAwaitingConnect, stored.Status)
}

func TestDispatch_ReDispatchWhileStillAwaitingConnect(t *testing.T) {
	ob := pendingObligation(1000)
	ob.Status = settlement.ObligationAwaitingConnect
	repo := newMemoryRepository(ob)
	onboarding := &payee.Payee{ID: testPayeeID, Name: "Delta Press", StripeConnectStatus: payee.ConnectPending}
	svc := newDispatcher(repo, newMockDirectory(onboarding), &mockCardRail{}, &mockBatchRail{}, payout.RailAvailability{Stripe: true, PayPal: true})

	// The payee still has no usable rail; re-dispatching is a no-op,
	// not a conflict.
	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	stored, _ := repo.GetObligation(context.Background(), ob.ID)
	assert.Equal(t, settlement.ObligationAwaitingConnect, stored.Status)
}

func TestDispatch_RailFailureQueuesRetry(t *testing.T) {
	ob := pendingObligation(1000)
	repo := newMemoryRepository(ob)
	card := &mockCardRail{fn: func(payout.TransferRequest) (string, error) {
		return "", errors.New("insufficient platform balance")
	}}
	svc := newDispatcher(repo, newMockDirectory(connectedPayee()), card, &mockBatchRail{}, payout.RailAvailability{Stripe: true})

	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err, "rail failures are absorbed into state, not returned")
	require.NotNil(t, record)
	assert.Equal(t, payout.StatusFailed, record.Status)
	assert.Equal(t, "insufficient platform balance", record.FailureReason)

	stored, _ := repo.GetObligation(context.Background(), ob.ID)
	assert.Equal(t, settlement.ObligationRetryPending, stored.Status)
	assert.Equal(t, "insufficient platform balance", stored.FailureReason)
	assert.EqualValues(t, 1000, stored.Amount, "amount stays untouched on failure")
}

func TestDispatch_CompletedObligationRejected(t *testing.T) {
	ob := pendingObligation(1000)
	ob.Status = settlement.ObligationCompleted
	repo := newMemoryRepository(ob)
	card := &mockCardRail{}
	svc := newDispatcher(repo, newMockDirectory(connectedPayee()), card, &mockBatchRail{}, payout.RailAvailability{Stripe: true})

	_, err := svc.Dispatch(context.Background(), ob.ID)
	assert.ErrorIs(t, err, payout.ErrObligationClosed)
	assert.Zero(t, card.calls)
}

func TestDispatch_UnknownObligation(t *testing.T) {
	svc := newDispatcher(newMemoryRepository(), newMockDirectory(), &mockCardRail{}, &mockBatchRail{}, payout.RailAvailability{Stripe: true})

	id, _ := uuid.NewV4()
	_, err := svc.Dispatch(context.Background(), id)
	assert.ErrorIs(t, err, payout.ErrObligationNotFound)
}

func TestDispatch_ConcurrentDispatchesProduceOnePayout(t *testing.T) {
	ob := pendingObligation(1500)
	repo := newMemoryRepository(ob)
	card := &mockCardRail{}
	svc := newDispatcher(repo, newMockDirectory(connectedPayee()), card, &mockBatchRail{}, payout.RailAvailability{Stripe: true})

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var inFlight, succeeded int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := svc.Dispatch(context.Background(), ob.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, payout.ErrDispatchInFlight) || errors.Is(err, payout.ErrObligationClosed):
				inFlight++
			case err == nil && record != nil && record.Status == payout.StatusCompleted:
				succeeded++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one dispatch wins")
	assert.Equal(t, n-1, inFlight)
	assert.Equal(t, 1, card.calls, "rail contacted exactly once")
	assert.Len(t, repo.completedPayouts(), 1)
}

func TestDispatch_RetryAfterFailureSucceeds(t *testing.T) {
	ob := pendingObligation(1000)
	repo := newMemoryRepository(ob)
	failing := true
	card := &mockCardRail{fn: func(req payout.TransferRequest) (string, error) {
		if failing {
			return "", errors.New("rail timeout")
		}
		return "tr_retry_ok", nil
	}}
	svc := newDispatcher(repo, newMockDirectory(connectedPayee()), card, &mockBatchRail{}, payout.RailAvailability{Stripe: true})

	_, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)

	failing = false
	record, err := svc.Dispatch(context.Background(), ob.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, payout.StatusCompleted, record.Status)
	assert.Equal(t, "tr_retry_ok", record.ExternalRef)

	// Two payout rows total, exactly one completed.
	all, _ := repo.ListPayoutsByPayee(context.Background(), testPayeeID)
	assert.Len(t, all, 2)
	assert.Len(t, repo.completedPayouts(), 1)
}

func TestRetrySweep(t *testing.T) {
	obOne := pendingObligation(500)
	obOne.Status = settlement.ObligationRetryPending
	obTwo := pendingObligation(700)
	obTwo.Status = settlement.ObligationRetryPending
	obZero := pendingObligation(0) // fees consumed the share; cleared, not failed
	obZero.Status = settlement.ObligationRetryPending
	obPending := pendingObligation(900) // not in retry queue

	repo := newMemoryRepository(obOne, obTwo, obZero, obPending)
	svc := newDispatcher(repo, newMockDirectory(connectedPayee()), &mockCardRail{}, &mockBatchRail{}, payout.RailAvailability{Stripe: true})

	result, err := svc.RetrySweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)

	cleared, _ := repo.GetObligation(context.Background(), obZero.ID)
	assert.Equal(t, settlement.ObligationCleared, cleared.Status)

	stored, _ := repo.GetObligation(context.Background(), obPending.ID)
	assert.Equal(t, settlement.ObligationPending, stored.Status, "sweep only touches the retry queue")
}

func TestSelectRail(t *testing.T) {
	all := payout.RailAvailability{Stripe: true, PayPal: true}

	tests := []struct {
		name       string
		payee      *payee.Payee
		avail      payout.RailAvailability
		wantMethod settlement.PayoutMethod
		wantUsable bool
	}{
		{name: "default_prefers_stripe", payee: connectedPayee(), avail: all, wantMethod: settlement.PayoutStripe, wantUsable: true},
		{name: "explicit_paypal_preference", payee: paypalPayee(), avail: all, wantMethod: settlement.PayoutPayPal, wantUsable: true},
		{
			name: "stripe_preference_without_active_connect_falls_back",
			payee: &payee.Payee{
				ID:                  testPayeeID,
				PayoutMethod:        settlement.PayoutStripe,
				StripeConnectID:     "acct_1NxT2d",
				StripeConnectStatus: payee.ConnectPending,
				PayPalEmail:         "delta@example.com",
			},
			avail:      all,
			wantMethod: settlement.PayoutPayPal,
			wantUsable: true,
		},
		{
			name:       "stripe_unavailable_falls_back_to_paypal",
			payee:      &payee.Payee{ID: testPayeeID, StripeConnectID: "acct_1", StripeConnectStatus: payee.ConnectActive, PayPalEmail: "delta@example.com"},
			avail:      payout.RailAvailability{PayPal: true},
			wantMethod: settlement.PayoutPayPal,
			wantUsable: true,
		},
		{name: "nothing_usable", payee: &payee.Payee{ID: testPayeeID}, avail: all, wantUsable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, usable := payout.SelectRail(tt.payee, tt.avail)
			assert.Equal(t, tt.wantUsable, usable)
			if tt.wantUsable {
				assert.Equal(t, tt.wantMethod, method)
			}
		})
	}
}
