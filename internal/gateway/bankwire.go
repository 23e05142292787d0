package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"piano-wallet-api/internal/config"
)

// BankWire settles over domestic bank transfer. Fees are 2.5% with a 5 coin
// minimum; transfers take hours, so payouts come back submitted, not settled.
type BankWire struct {
	*client
}

var (
	bankWireRate  = decimal.NewFromFloat(0.025)
	bankWireFloor = decimal.NewFromInt(5)
)

func NewBankWire(cfg config.GatewayConfig, timeout time.Duration, retryAttempts int) *BankWire {
	return &BankWire{
		client: newClient("bankwire", cfg.BaseURL, cfg.APIKey, cfg.WebhookSecret, timeout, retryAttempts),
	}
}

func (g *BankWire) Name() string { return "bankwire" }

func (g *BankWire) Fee(amount decimal.Decimal) decimal.Decimal {
	return feeWithFloor(amount, bankWireRate, bankWireFloor)
}

func (g *BankWire) SubmitPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	payload := map[string]interface{}{
		"reference":      req.TransactionID,
		"customer_id":    req.UserID,
		"amount":         req.Amount.String(),
		"currency":       req.Currency,
		"account_number": req.Destination,
		"description":    req.Description,
		"metadata":       req.Metadata,
	}

	response, err := g.makeRequest(ctx, "POST", "/transfers", payload)
	if err != nil {
		return nil, fmt.Errorf("bankwire transfer failed: %w", err)
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Fee    string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse bankwire transfer response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &PayoutResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		Fee:                  fee,
	}, nil
}

func (g *BankWire) SubmitCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	payload := map[string]interface{}{
		"reference":   req.TransactionID,
		"customer_id": req.UserID,
		"amount":      req.Amount.String(),
		"currency":    req.Currency,
		"description": req.Description,
	}

	response, err := g.makeRequest(ctx, "POST", "/collections", payload)
	if err != nil {
		return nil, fmt.Errorf("bankwire collection failed: %w", err)
	}

	var result struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Instructions string `json:"payment_instructions_url"`
		Fee          string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse bankwire collection response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &ChargeResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		PaymentURL:           result.Instructions,
		Fee:                  fee,
	}, nil
}

func (g *BankWire) VerifyWebhook(req *http.Request) (*WebhookEvent, error) {
	return g.parseWebhook(req)
}
