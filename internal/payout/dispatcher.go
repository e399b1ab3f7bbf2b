// Package payout turns payee obligations into actual money movements
// over one of two interchangeable payment rails.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/notify"
	"github.com/fadedwax/settlement-engine/internal/payee"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

var (
	ErrObligationClosed = errors.New("obligation already completed or cleared")
	ErrDispatchInFlight = errors.New("obligation dispatch already in flight")
)

type Service interface {
	// Dispatch moves one obligation's money. Rail failures are absorbed
	// into obligation state (retry_pending + failure reason) and come
	// back as a failed Payout record, not as an error. The returned
	// payout is nil when no rail call was made (cleared or
	// awaiting_connect).
	Dispatch(ctx context.Context, obligationID uuid.UUID) (*Payout, error)
	// RetrySweep re-dispatches every retry_pending obligation. Invoked
	// by an operator or scheduler, never automatically on failure.
	RetrySweep(ctx context.Context) (SweepResult, error)
	GetObligation(ctx context.Context, id uuid.UUID) (*settlement.PayeeObligation, error)
	ListObligations(ctx context.Context, status settlement.ObligationStatus) ([]settlement.PayeeObligation, error)
	ListPayouts(ctx context.Context, payeeID uuid.UUID) ([]Payout, error)
}

type Config struct {
	// BatchFeeRate is deducted from batch-rail transfers, absorbed from
	// the amount rather than added on top.
	BatchFeeRate float64
	RailTimeout  time.Duration
	Availability RailAvailability
}

type service struct {
	repo      Repository
	directory payee.Directory
	cardRail  CardTransferRail
	batchRail BatchPayoutRail
	notifier  notify.Notifier
	cfg       Config
}

func NewService(repo Repository, directory payee.Directory, cardRail CardTransferRail, batchRail BatchPayoutRail, notifier notify.Notifier, cfg Config) Service {
	if cfg.RailTimeout <= 0 {
		cfg.RailTimeout = 15 * time.Second
	}
	return &service{
		repo:      repo,
		directory: directory,
		cardRail:  cardRail,
		batchRail: batchRail,
		notifier:  notifier,
		cfg:       cfg,
	}
}

func (s *service) Dispatch(ctx context.Context, obligationID uuid.UUID) (*Payout, error) {
	ob, err := s.repo.GetObligation(ctx, obligationID)
	if err != nil {
		if errors.Is(err, ErrObligationNotFound) {
			return nil, ErrObligationNotFound
		}
		return nil, fmt.Errorf("dispatcher: failed to load obligation: %w", err)
	}

	if ob.Status.Terminal() {
		log.Warn().Stringer("obligation_id", obligationID).Stringer("status", ob.Status).Msg("dispatcher: rejected dispatch of closed obligation")
		return nil, ErrObligationClosed
	}
	if ob.Status == settlement.ObligationProcessing {
		return nil, ErrDispatchInFlight
	}

	// Fees can exceed a small share; close the obligation without a rail
	// call so it does not linger in the pending queue.
	if ob.Amount <= 0 {
		moved, err := s.repo.MarkCleared(ctx, obligationID)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: failed to clear obligation: %w", err)
		}
		if !moved {
			return nil, ErrDispatchInFlight
		}
		log.Info().Stringer("obligation_id", obligationID).Msg("dispatcher: zero-amount obligation cleared")
		return nil, nil
	}

	p, err := s.directory.Get(ctx, ob.PayeeID)
	if err != nil {
		if errors.Is(err, payee.ErrPayeeNotFound) {
			return nil, payee.ErrPayeeNotFound
		}
		return nil, fmt.Errorf("dispatcher: failed to load payee: %w", err)
	}

	method, usable := SelectRail(p, s.cfg.Availability)
	if !usable {
		moved, err := s.repo.MarkAwaitingConnect(ctx, obligationID)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: failed to park obligation: %w", err)
		}
		if !moved {
			return nil, ErrDispatchInFlight
		}
		log.Info().Stringer("obligation_id", obligationID).Stringer("payee_id", ob.PayeeID).Msg("dispatcher: payee has no usable rail, awaiting onboarding")
		return nil, nil
	}

	// Single-flight point: only one caller wins the move to processing.
	won, err := s.repo.BeginDispatch(ctx, obligationID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: failed to begin dispatch: %w", err)
	}
	if !won {
		return nil, ErrDispatchInFlight
	}

	return s.execute(ctx, ob, p, method)
}

// execute runs the rail call for an obligation already in processing.
// The rail call is awaited to a definite outcome; a timeout counts as
// failure, never as success.
func (s *service) execute(ctx context.Context, ob *settlement.PayeeObligation, p *payee.Payee, method settlement.PayoutMethod) (*Payout, error) {
	payoutID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: failed to generate payout id: %w", err)
	}

	record := &Payout{
		ID:           payoutID,
		ObligationID: ob.ID,
		PayeeID:      ob.PayeeID,
		OrderID:      ob.OrderID,
		Method:       method,
	}

	railCtx, cancel := context.WithTimeout(ctx, s.cfg.RailTimeout)
	defer cancel()

	var externalRef string
	var railErr error
	switch method {
	case settlement.PayoutStripe:
		record.Amount = ob.Amount
		externalRef, railErr = s.cardRail.Transfer(railCtx, TransferRequest{
			DestinationAccount: p.StripeConnectID,
			Amount:             ob.Amount,
			Currency:           ob.Currency,
			IdempotencyKey:     ob.ID.String(),
			TransferGroup:      ob.OrderID.String(),
		})
	case settlement.PayoutPayPal:
		record.RailFee = money.Pence(math.Round(float64(ob.Amount) * s.cfg.BatchFeeRate))
		record.Amount = ob.Amount - record.RailFee
		externalRef, railErr = s.batchRail.Payout(railCtx, BatchPayoutRequest{
			Email:     p.PayPalEmail,
			Amount:    record.Amount,
			Currency:  ob.Currency,
			Note:      "Faded Wax earnings for order " + ob.OrderID.String(),
			Reference: ob.ID.String(),
		})
	default:
		railErr = fmt.Errorf("dispatcher: no client for rail %q", method)
	}

	if railErr != nil {
		record.Status = StatusFailed
		record.FailureReason = railErr.Error()
		if err := s.repo.FailDispatch(ctx, record, railErr.Error()); err != nil {
			// The obligation is stuck in processing; operators see it in
			// the stuck queue, money has not moved.
			log.Error().Err(err).Stringer("obligation_id", ob.ID).Msg("dispatcher: failed to record rail failure")
			return nil, fmt.Errorf("dispatcher: failed to record rail failure: %w", err)
		}
		log.Warn().
			Stringer("obligation_id", ob.ID).
			Stringer("method", method).
			Str("failure_reason", railErr.Error()).
			Msg("dispatcher: rail call failed, obligation queued for retry")
		return record, nil
	}

	record.Status = StatusCompleted
	record.ExternalRef = externalRef
	if err := s.repo.CompleteDispatch(ctx, record); err != nil {
		// Money has moved but the record write failed. Surface loudly:
		// the external ref is in the logs for manual reconciliation.
		log.Error().Err(err).
			Stringer("obligation_id", ob.ID).
			Str("external_ref", externalRef).
			Msg("dispatcher: payout sent but completion write failed")
		return nil, fmt.Errorf("dispatcher: failed to record completed payout: %w", err)
	}

	if err := s.directory.IncrementEarnings(ctx, ob.PayeeID, ob.Amount); err != nil {
		log.Error().Err(err).Stringer("payee_id", ob.PayeeID).Msg("dispatcher: failed to increment lifetime earnings")
	}

	s.notifier.Notify(ctx, notify.KindPayoutCompleted, map[string]any{
		"payee_id":     ob.PayeeID,
		"order_id":     ob.OrderID,
		"amount_pence": record.Amount,
		"method":       method,
	})

	log.Info().
		Stringer("obligation_id", ob.ID).
		Stringer("payee_id", ob.PayeeID).
		Stringer("method", method).
		Str("external_ref", externalRef).
		Msg("dispatcher: payout completed")

	return record, nil
}

func (s *service) RetrySweep(ctx context.Context) (SweepResult, error) {
	pending, err := s.repo.ListObligationsByStatus(ctx, settlement.ObligationRetryPending)
	if err != nil {
		return SweepResult{}, fmt.Errorf("dispatcher: failed to list retry queue: %w", err)
	}

	result := SweepResult{Scanned: len(pending)}
	for _, ob := range pending {
		record, err := s.Dispatch(ctx, ob.ID)
		switch {
		case errors.Is(err, ErrDispatchInFlight) || errors.Is(err, ErrObligationClosed):
			result.Skipped++
		case err != nil:
			log.Error().Err(err).Stringer("obligation_id", ob.ID).Msg("dispatcher: sweep dispatch failed")
			result.Failed++
		case record == nil:
			// Cleared or parked awaiting onboarding during the sweep; no
			// money moved and nothing failed.
			result.Skipped++
		case record.Status == StatusCompleted:
			result.Completed++
		default:
			result.Failed++
		}
	}

	log.Info().
		Int("scanned", result.Scanned).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("dispatcher: retry sweep finished")
	return result, nil
}

func (s *service) GetObligation(ctx context.Context, id uuid.UUID) (*settlement.PayeeObligation, error) {
	return s.repo.GetObligation(ctx, id)
}

func (s *service) ListObligations(ctx context.Context, status settlement.ObligationStatus) ([]settlement.PayeeObligation, error) {
	return s.repo.ListObligationsByStatus(ctx, status)
}

func (s *service) ListPayouts(ctx context.Context, payeeID uuid.UUID) ([]Payout, error) {
	return s.repo.ListPayoutsByPayee(ctx, payeeID)
}
