// Package rail holds the HTTP clients for the external payment rails.
// Rail calls are the only place money actually moves; everything above
// this package treats their outcomes as plain success or failure.
package rail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/payout"
)

var ErrRailDeclined = errors.New("rail declined the request")

const stripeBaseURL = "https://api.stripe.com"

// StripeClient talks to the Stripe API for transfers to connected
// accounts and for refunds of charges.
type StripeClient struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

func NewStripeClient(secretKey string, timeout time.Duration) *StripeClient {
	return &StripeClient{
		secretKey:  secretKey,
		baseURL:    stripeBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type stripeObject struct {
	ID    string `json:"id"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Transfer moves funds to a connected account. The idempotency key
// makes retried calls safe on Stripe's side.
func (c *StripeClient) Transfer(ctx context.Context, req payout.TransferRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(req.Amount), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.DestinationAccount)
	if req.TransferGroup != "" {
		form.Set("transfer_group", req.TransferGroup)
	}

	obj, err := c.do(ctx, "/v1/transfers", form, req.IdempotencyKey)
	if err != nil {
		return "", fmt.Errorf("stripe: transfer failed: %w", err)
	}
	return obj.ID, nil
}

// RefundCharge refunds part or all of a charge.
func (c *StripeClient) RefundCharge(ctx context.Context, paymentRef string, amount money.Pence) (string, error) {
	form := url.Values{}
	form.Set("charge", paymentRef)
	form.Set("amount", strconv.FormatInt(int64(amount), 10))

	obj, err := c.do(ctx, "/v1/refunds", form, "")
	if err != nil {
		return "", fmt.Errorf("stripe: refund failed: %w", err)
	}
	return obj.ID, nil
}

func (c *StripeClient) do(ctx context.Context, path string, form url.Values, idempotencyKey string) (*stripeObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var obj stripeObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		if obj.Error != nil {
			return nil, fmt.Errorf("%w: %s (%s)", ErrRailDeclined, obj.Error.Message, obj.Error.Code)
		}
		return nil, fmt.Errorf("%w: status %d", ErrRailDeclined, resp.StatusCode)
	}
	return &obj, nil
}
