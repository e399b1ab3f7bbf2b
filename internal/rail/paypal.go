package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fadedwax/settlement-engine/internal/money"
	"github.com/fadedwax/settlement-engine/internal/payout"
)

// PayPalClient talks to the PayPal REST API for batch payouts and
// capture refunds. Access tokens from the client-credentials grant are
// cached until shortly before they expire.
type PayPalClient struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPayPalClient(clientID, clientSecret, baseURL string, timeout time.Duration) *PayPalClient {
	return &PayPalClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
	}
}

func (c *PayPalClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal: failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal: token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal: token request failed: status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("paypal: failed to decode token response: %w", err)
	}

	c.accessToken = tok.AccessToken
	// Refresh a minute early so in-flight calls never carry a stale token.
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

type paypalAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency_code"`
}

func paypalValue(amount money.Pence) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

// Payout submits a single-item payout batch. The reference is the
// obligation id, which PayPal uses to de-duplicate resubmitted batches.
func (c *PayPalClient) Payout(ctx context.Context, req payout.BatchPayoutRequest) (string, error) {
	payload := map[string]any{
		"sender_batch_header": map[string]any{
			"sender_batch_id": req.Reference,
			"email_subject":   "You have a payout",
		},
		"items": []map[string]any{{
			"recipient_type": "EMAIL",
			"receiver":       req.Email,
			"note":           req.Note,
			"sender_item_id": req.Reference,
			"amount": map[string]string{
				"value":    paypalValue(req.Amount),
				"currency": req.Currency,
			},
		}},
	}

	var out struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
		} `json:"batch_header"`
	}
	if err := c.do(ctx, "/v1/payments/payouts", payload, &out); err != nil {
		return "", fmt.Errorf("paypal: payout failed: %w", err)
	}
	return out.BatchHeader.PayoutBatchID, nil
}

// RefundCapture refunds part or all of a captured payment.
func (c *PayPalClient) RefundCapture(ctx context.Context, captureRef string, amount money.Pence) (string, error) {
	payload := map[string]any{
		"amount": paypalAmount{Value: paypalValue(amount), Currency: "GBP"},
	}

	var out struct {
		ID string `json:"id"`
	}
	path := "/v2/payments/captures/" + url.PathEscape(captureRef) + "/refund"
	if err := c.do(ctx, path, payload, &out); err != nil {
		return "", fmt.Errorf("paypal: refund failed: %w", err)
	}
	return out.ID, nil
}

func (c *PayPalClient) do(ctx context.Context, path string, payload, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrRailDeclined, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
