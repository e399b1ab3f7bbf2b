// Package payee is the directory of artists, stockists and suppliers
// the platform owes money to: payout preferences, rail credentials and
// lifetime earnings.
package payee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/settlement"
)

var ErrPayeeNotFound = errors.New("payee not found")

type ConnectStatus string

const (
	ConnectNone    ConnectStatus = "none"
	ConnectPending ConnectStatus = "pending"
	ConnectActive  ConnectStatus = "active"
)

func (s ConnectStatus) String() string { return string(s) }

type Payee struct {
	ID                  uuid.UUID               `json:"id"`
	Name                string                  `json:"name"`
	Type                settlement.PayeeType    `json:"type"`
	PayoutMethod        settlement.PayoutMethod `json:"payout_method,omitempty"`
	StripeConnectID     string                  `json:"stripe_connect_id,omitempty"`
	StripeConnectStatus ConnectStatus           `json:"stripe_connect_status"`
	PayPalEmail         string                  `json:"paypal_email,omitempty"`
	LifetimeEarnings    money.Pence             `json:"lifetime_earnings_pence"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*Payee, error)
	IncrementEarnings(ctx context.Context, id uuid.UUID, amount money.Pence) error
}

type postgresDirectory struct {
	db *pgxpool.Pool
}

func NewDirectory(db *pgxpool.Pool) Directory {
	return &postgresDirectory{db: db}
}

func (d *postgresDirectory) Get(ctx context.Context, id uuid.UUID) (*Payee, error) {
	query := `
		SELECT id, name, payee_type, payout_method, stripe_connect_id, stripe_connect_status,
			paypal_email, lifetime_earnings_pence, created_at, updated_at
		FROM payees
		WHERE id = $1
	`
	var p Payee
	err := d.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Type,
		&p.PayoutMethod,
		&p.StripeConnectID,
		&p.StripeConnectStatus,
		&p.PayPalEmail,
		&p.LifetimeEarnings,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayeeNotFound
		}
		return nil, fmt.Errorf("directory: failed to select payee %s: %w", id, err)
	}
	return &p, nil
}

func (d *postgresDirectory) IncrementEarnings(ctx context.Context, id uuid.UUID, amount money.Pence) error {
	query := `
		UPDATE payees
		SET lifetime_earnings_pence = lifetime_earnings_pence + $2, updated_at = $3
		WHERE id = $1
	`
	cmdTag, err := d.db.Exec(ctx, query, id, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("directory: failed to increment earnings for payee %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPayeeNotFound
	}
	return nil
}
