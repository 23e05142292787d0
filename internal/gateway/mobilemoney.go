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

// MobileMoney settles to carrier wallets. Fees are 3.5% with a 2 coin minimum.
type MobileMoney struct {
	*client
}

var (
	mobileMoneyRate  = decimal.NewFromFloat(0.035)
	mobileMoneyFloor = decimal.NewFromInt(2)
)

func NewMobileMoney(cfg config.GatewayConfig, timeout time.Duration, retryAttempts int) *MobileMoney {
	return &MobileMoney{
		client: newClient("mobilemoney", cfg.BaseURL, cfg.APIKey, cfg.WebhookSecret, timeout, retryAttempts),
	}
}

func (g *MobileMoney) Name() string { return "mobilemoney" }

func (g *MobileMoney) Fee(amount decimal.Decimal) decimal.Decimal {
	return feeWithFloor(amount, mobileMoneyRate, mobileMoneyFloor)
}

func (g *MobileMoney) SubmitPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	payload := map[string]interface{}{
		"reference":    req.TransactionID,
		"customer_id":  req.UserID,
		"amount":       req.Amount.String(),
		"currency":     req.Currency,
		"phone_number": req.Destination,
		"description":  req.Description,
		"metadata":     req.Metadata,
	}

	response, err := g.makeRequest(ctx, "POST", "/disbursements", payload)
	if err != nil {
		return nil, fmt.Errorf("mobilemoney disbursement failed: %w", err)
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Fee    string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse mobilemoney disbursement response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &PayoutResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		Fee:                  fee,
	}, nil
}

func (g *MobileMoney) SubmitCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	payload := map[string]interface{}{
		"reference":    req.TransactionID,
		"customer_id":  req.UserID,
		"amount":       req.Amount.String(),
		"currency":     req.Currency,
		"phone_number": req.PaymentMethod,
		"description":  req.Description,
	}

	response, err := g.makeRequest(ctx, "POST", "/collections", payload)
	if err != nil {
		return nil, fmt.Errorf("mobilemoney collection failed: %w", err)
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Fee    string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse mobilemoney collection response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &ChargeResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		Fee:                  fee,
	}, nil
}

func (g *MobileMoney) VerifyWebhook(req *http.Request) (*WebhookEvent, error) {
	return g.parseWebhook(req)
}
