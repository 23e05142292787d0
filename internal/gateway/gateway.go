package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"piano-wallet-api/internal/models"
)

// Gateway is one external payment rail. Adapters translate between our
// transaction model and the rail's wire protocol; they never touch balances.
type Gateway interface {
	Name() string
	Fee(amount decimal.Decimal) decimal.Decimal
	SubmitPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error)
	SubmitCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error)
	VerifyWebhook(req *http.Request) (*WebhookEvent, error)
}

// PayoutRequest asks the rail to move funds out. The transaction ID doubles
// as the idempotency key: resubmitting the same payout is safe.
type PayoutRequest struct {
	TransactionID string                 `json:"transaction_id"`
	UserID        string                 `json:"user_id"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency"`
	Destination   string                 `json:"destination"`
	Description   string                 `json:"description"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type PayoutResponse struct {
	GatewayTransactionID string          `json:"gateway_transaction_id"`
	Status               string          `json:"status"`
	Fee                  decimal.Decimal `json:"fee"`
}

// ChargeRequest asks the rail to collect funds from the user.
type ChargeRequest struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
}

type ChargeResponse struct {
	GatewayTransactionID string          `json:"gateway_transaction_id"`
	Status               string          `json:"status"`
	PaymentURL           string          `json:"payment_url,omitempty"`
	Fee                  decimal.Decimal `json:"fee"`
}

// WebhookEvent is a rail's settlement notification after signature checks.
type WebhookEvent struct {
	EventID              string          `json:"event_id"`
	Gateway              string          `json:"gateway"`
	GatewayTransactionID string          `json:"gateway_transaction_id"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
}

// Registry resolves gateways by name. Unknown names are a client error, not
// a panic: the set of rails is fixed at startup.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownGateway, name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// NormalizeStatus maps a rail's status vocabulary onto ours. Anything
// unrecognized stays processing so the reconciliation sweep can pick it up.
func NormalizeStatus(gatewayStatus string) string {
	switch gatewayStatus {
	case "pending", "processing", "submitted", "in_transit":
		return models.StatusProcessing
	case "completed", "success", "succeeded", "confirmed", "settled":
		return models.StatusCompleted
	case "failed", "declined", "rejected", "error":
		return models.StatusFailed
	case "cancelled", "canceled":
		return models.StatusCancelled
	default:
		return models.StatusProcessing
	}
}

// client is the shared HTTP plumbing all rails use: bearer auth, HMAC request
// signing, bounded retries on 5xx, HMAC webhook verification.
type client struct {
	name          string
	baseURL       string
	apiKey        string
	webhookSecret string
	retryAttempts int
	httpClient    *http.Client
}

func newClient(name, baseURL, apiKey, webhookSecret string, timeout time.Duration, retryAttempts int) *client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if retryAttempts == 0 {
		retryAttempts = 3
	}
	return &client{
		name:          name,
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		retryAttempts: retryAttempts,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (c *client) makeRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	var body io.Reader
	var jsonData []byte

	if payload != nil {
		var err error
		jsonData, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if jsonData != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", c.signRequest(method, endpoint, jsonData))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "Piano-Wallet-API/1.0")

	var resp *http.Response
	var respErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		resp, respErr = c.httpClient.Do(req)
		if respErr == nil && resp.StatusCode < 500 {
			break
		}
		if respErr == nil {
			resp.Body.Close()
		}

		if attempt < c.retryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}

	if respErr != nil {
		return nil, fmt.Errorf("%s request failed after %d attempts: %w", c.name, c.retryAttempts, respErr)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errorResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(responseBody, &errorResp) == nil && errorResp.Error != "" {
			return nil, fmt.Errorf("%s API error %d: %s - %s", c.name, resp.StatusCode, errorResp.Error, errorResp.Message)
		}
		return nil, fmt.Errorf("%s API error %d: %s", c.name, resp.StatusCode, string(responseBody))
	}

	return responseBody, nil
}

func (c *client) signRequest(method, endpoint string, jsonData []byte) string {
	data := method + endpoint + string(jsonData) + strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiKey))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *client) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// parseWebhook reads and verifies the common webhook envelope all rails share.
func (c *client) parseWebhook(req *http.Request) (*WebhookEvent, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewBuffer(body))

	signature := req.Header.Get("X-Webhook-Signature")
	if !c.verifySignature(body, signature) {
		return nil, fmt.Errorf("%s webhook signature verification failed", c.name)
	}

	var event struct {
		ID            string `json:"id"`
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Amount        string `json:"amount"`
		Currency      string `json:"currency"`
		FailureReason string `json:"failure_reason"`
		Timestamp     string `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}

	amount, _ := decimal.NewFromString(event.Amount)
	timestamp, _ := time.Parse(time.RFC3339, event.Timestamp)

	return &WebhookEvent{
		EventID:              event.ID,
		Gateway:              c.name,
		GatewayTransactionID: event.TransactionID,
		Status:               event.Status,
		Amount:               amount,
		Currency:             event.Currency,
		FailureReason:        event.FailureReason,
		Timestamp:            timestamp,
	}, nil
}

// feeWithFloor applies a percentage fee with a fixed minimum.
func feeWithFloor(amount decimal.Decimal, rate, floor decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(rate).Round(2)
	if fee.LessThan(floor) {
		return floor
	}
	return fee
}
