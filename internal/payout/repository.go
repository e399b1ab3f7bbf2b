package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fadedwax/settlement-engine/internal/settlement"
)

var ErrObligationNotFound = errors.New("obligation not found")

type Repository interface {
	GetObligation(ctx context.Context, id uuid.UUID) (*settlement.PayeeObligation, error)
	ListObligationsByStatus(ctx context.Context, status settlement.ObligationStatus) ([]settlement.PayeeObligation, error)
	ListObligationsByPayee(ctx context.Context, payeeID uuid.UUID) ([]settlement.PayeeObligation, error)

	// BeginDispatch atomically moves a dispatchable obligation into
	// processing. Returns false when the obligation was not in a
	// dispatchable state, which is the single-flight guard.
	BeginDispatch(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkCleared closes a zero-amount obligation straight from pending.
	MarkCleared(ctx context.Context, id uuid.UUID) (bool, error)
	MarkAwaitingConnect(ctx context.Context, id uuid.UUID) (bool, error)
	// CompleteDispatch writes the payout record and moves the obligation
	// processing → completed in one transaction.
	CompleteDispatch(ctx context.Context, p *Payout) error
	// FailDispatch writes the failed payout record and moves the
	// obligation processing → retry_pending with the failure reason.
	FailDispatch(ctx context.Context, p *Payout, reason string) error

	ListPayoutsByPayee(ctx context.Context, payeeID uuid.UUID) ([]Payout, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const obligationColumns = `id, payee_id, payee_type, order_id, amount_pence, currency, status,
	payout_method, failure_reason, created_at, updated_at`

func scanObligation(row pgx.Row, ob *settlement.PayeeObligation) error {
	return row.Scan(
		&ob.ID,
		&ob.PayeeID,
		&ob.PayeeType,
		&ob.OrderID,
		&ob.Amount,
		&ob.Currency,
		&ob.Status,
		&ob.PayoutMethod,
		&ob.FailureReason,
		&ob.CreatedAt,
		&ob.UpdatedAt,
	)
}

func (r *postgresRepository) GetObligation(ctx context.Context, id uuid.UUID) (*settlement.PayeeObligation, error) {
	var ob settlement.PayeeObligation
	err := scanObligation(r.db.QueryRow(ctx, `SELECT `+obligationColumns+` FROM payee_obligations WHERE id = $1`, id), &ob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrObligationNotFound
		}
		return nil, fmt.Errorf("repository: failed to select obligation %s: %w", id, err)
	}
	return &ob, nil
}

func (r *postgresRepository) listObligations(ctx context.Context, query string, arg any) ([]settlement.PayeeObligation, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query obligations: %w", err)
	}
	defer rows.Close()

	obligations := make([]settlement.PayeeObligation, 0)
	for rows.Next() {
		var ob settlement.PayeeObligation
		if err := scanObligation(rows, &ob); err != nil {
			return nil, fmt.Errorf("repository: failed to scan obligation: %w", err)
		}
		obligations = append(obligations, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating obligations: %w", err)
	}
	return obligations, nil
}

func (r *postgresRepository) ListObligationsByStatus(ctx context.Context, status settlement.ObligationStatus) ([]settlement.PayeeObligation, error) {
	return r.listObligations(ctx,
		`SELECT `+obligationColumns+` FROM payee_obligations WHERE status = $1 ORDER BY created_at ASC`,
		string(status))
}

func (r *postgresRepository) ListObligationsByPayee(ctx context.Context, payeeID uuid.UUID) ([]settlement.PayeeObligation, error) {
	return r.listObligations(ctx,
		`SELECT `+obligationColumns+` FROM payee_obligations WHERE payee_id = $1 ORDER BY created_at DESC`,
		payeeID)
}

func (r *postgresRepository) transition(ctx context.Context, id uuid.UUID, to settlement.ObligationStatus, from ...settlement.ObligationStatus) (bool, error) {
	fromStates := make([]string, 0, len(from))
	for _, s := range from {
		fromStates = append(fromStates, string(s))
	}
	query := `
		UPDATE payee_obligations
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`
	cmdTag, err := r.db.Exec(ctx, query, id, string(to), time.Now().UTC(), fromStates)
	if err != nil {
		return false, fmt.Errorf("repository: failed to transition obligation %s to %s: %w", id, to, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *postgresRepository) BeginDispatch(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transition(ctx, id, settlement.ObligationProcessing,
		settlement.ObligationPending, settlement.ObligationRetryPending, settlement.ObligationAwaitingConnect)
}

func (r *postgresRepository) MarkCleared(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transition(ctx, id, settlement.ObligationCleared,
		settlement.ObligationPending, settlement.ObligationRetryPending)
}

func (r *postgresRepository) MarkAwaitingConnect(ctx context.Context, id uuid.UUID) (bool, error) {
	// The self-transition keeps re-dispatching a still-unonboarded payee
	// a benign no-op instead of a false CAS conflict.
	return r.transition(ctx, id, settlement.ObligationAwaitingConnect,
		settlement.ObligationPending, settlement.ObligationRetryPending, settlement.ObligationAwaitingConnect)
}

func (r *postgresRepository) insertPayout(ctx context.Context, tx pgx.Tx, p *Payout) error {
	query := `
		INSERT INTO payouts (id, obligation_id, payee_id, order_id, amount_pence, rail_fee_pence,
			method, external_ref, status, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, query,
		p.ID,
		p.ObligationID,
		p.PayeeID,
		p.OrderID,
		p.Amount,
		p.RailFee,
		string(p.Method),
		p.ExternalRef,
		string(p.Status),
		p.FailureReason,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to insert payout for obligation %s: %w", p.ObligationID, err)
	}
	return nil
}

func (r *postgresRepository) completeTx(ctx context.Context, p *Payout, obligationStatus settlement.ObligationStatus, failureReason string) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("obligation_id", p.ObligationID).Msg("Failed to rollback payout transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit payout transaction: %w", commitErr)
		}
	}()

	p.CreatedAt = time.Now().UTC()
	if err = r.insertPayout(ctx, tx, p); err != nil {
		return err
	}

	query := `
		UPDATE payee_obligations
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`
	cmdTag, execErr := tx.Exec(ctx, query, p.ObligationID, string(obligationStatus), failureReason, time.Now().UTC())
	if execErr != nil {
		err = fmt.Errorf("repository: failed to update obligation %s: %w", p.ObligationID, execErr)
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		err = fmt.Errorf("repository: obligation %s was not in processing state", p.ObligationID)
		return err
	}
	return nil
}

func (r *postgresRepository) CompleteDispatch(ctx context.Context, p *Payout) error {
	return r.completeTx(ctx, p, settlement.ObligationCompleted, "")
}

func (r *postgresRepository) FailDispatch(ctx context.Context, p *Payout, reason string) error {
	return r.completeTx(ctx, p, settlement.ObligationRetryPending, reason)
}

func (r *postgresRepository) ListPayoutsByPayee(ctx context.Context, payeeID uuid.UUID) ([]Payout, error) {
	query := `
		SELECT id, obligation_id, payee_id, order_id, amount_pence, rail_fee_pence,
			method, external_ref, status, failure_reason, created_at
		FROM payouts
		WHERE payee_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, payeeID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query payouts for payee %s: %w", payeeID, err)
	}
	defer rows.Close()

	payouts := make([]Payout, 0)
	for rows.Next() {
		var p Payout
		err := rows.Scan(
			&p.ID,
			&p.ObligationID,
			&p.PayeeID,
			&p.OrderID,
			&p.Amount,
			&p.RailFee,
			&p.Method,
			&p.ExternalRef,
			&p.Status,
			&p.FailureReason,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating payouts: %w", err)
	}
	return payouts, nil
}
