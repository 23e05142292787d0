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

// CardPay settles to debit and credit cards. Fees are 2.9% with a 5 coin
// minimum.
type CardPay struct {
	*client
}

var (
	cardPayRate  = decimal.NewFromFloat(0.029)
	cardPayFloor = decimal.NewFromInt(5)
)

func NewCardPay(cfg config.GatewayConfig, timeout time.Duration, retryAttempts int) *CardPay {
	return &CardPay{
		client: newClient("cardpay", cfg.BaseURL, cfg.APIKey, cfg.WebhookSecret, timeout, retryAttempts),
	}
}

func (g *CardPay) Name() string { return "cardpay" }

func (g *CardPay) Fee(amount decimal.Decimal) decimal.Decimal {
	return feeWithFloor(amount, cardPayRate, cardPayFloor)
}

func (g *CardPay) SubmitPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	payload := map[string]interface{}{
		"reference":   req.TransactionID,
		"customer_id": req.UserID,
		"amount":      req.Amount.String(),
		"currency":    req.Currency,
		"card_token":  req.Destination,
		"description": req.Description,
		"metadata":    req.Metadata,
	}

	response, err := g.makeRequest(ctx, "POST", "/payouts", payload)
	if err != nil {
		return nil, fmt.Errorf("cardpay payout failed: %w", err)
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Fee    string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse cardpay payout response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &PayoutResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		Fee:                  fee,
	}, nil
}

func (g *CardPay) SubmitCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	payload := map[string]interface{}{
		"reference":      req.TransactionID,
		"customer_id":    req.UserID,
		"amount":         req.Amount.String(),
		"currency":       req.Currency,
		"payment_method": req.PaymentMethod,
		"description":    req.Description,
	}

	response, err := g.makeRequest(ctx, "POST", "/charges", payload)
	if err != nil {
		return nil, fmt.Errorf("cardpay charge failed: %w", err)
	}

	var result struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		PaymentURL string `json:"payment_url"`
		Fee        string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse cardpay charge response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &ChargeResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		PaymentURL:           result.PaymentURL,
		Fee:                  fee,
	}, nil
}

func (g *CardPay) VerifyWebhook(req *http.Request) (*WebhookEvent, error) {
	return g.parseWebhook(req)
}
