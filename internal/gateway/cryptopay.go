package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/config"
)

// CryptoPay settles to on-chain wallets. Fees are 1% with a 1 coin minimum.
// Exchange rates come from the rail's quote endpoint and are cached in Redis
// so a burst of payouts does not hammer it.
type CryptoPay struct {
	*client
	redis *redis.Client
}

var (
	cryptoPayRate  = decimal.NewFromFloat(0.01)
	cryptoPayFloor = decimal.NewFromInt(1)
)

const rateCacheTTL = 5 * time.Minute

func NewCryptoPay(cfg config.GatewayConfig, redisClient *redis.Client, timeout time.Duration, retryAttempts int) *CryptoPay {
	return &CryptoPay{
		client: newClient("cryptopay", cfg.BaseURL, cfg.APIKey, cfg.WebhookSecret, timeout, retryAttempts),
		redis:  redisClient,
	}
}

func (g *CryptoPay) Name() string { return "cryptopay" }

func (g *CryptoPay) Fee(amount decimal.Decimal) decimal.Decimal {
	return feeWithFloor(amount, cryptoPayRate, cryptoPayFloor)
}

// exchangeRate returns the fiat-to-crypto quote, preferring the Redis cache.
// A stale-but-cached rate beats a failed payout, so cache errors only log.
func (g *CryptoPay) exchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	cacheKey := "rate:cryptopay:" + currency

	cached, err := g.redis.Get(ctx, cacheKey).Result()
	if err == nil {
		if rate, parseErr := decimal.NewFromString(cached); parseErr == nil {
			return rate, nil
		}
	} else if err != redis.Nil {
		logrus.WithError(err).Warn("Rate cache read failed, quoting directly")
	}

	response, err := g.makeRequest(ctx, "GET", "/rates/"+currency, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cryptopay rate quote failed: %w", err)
	}

	var result struct {
		Rate string `json:"rate"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse cryptopay rate: %w", err)
	}

	rate, err := decimal.NewFromString(result.Rate)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("cryptopay returned unusable rate %q", result.Rate)
	}

	if err := g.redis.Set(ctx, cacheKey, rate.String(), rateCacheTTL).Err(); err != nil {
		logrus.WithError(err).Warn("Rate cache write failed")
	}

	return rate, nil
}

func (g *CryptoPay) SubmitPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	rate, err := g.exchangeRate(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"reference":     req.TransactionID,
		"customer_id":   req.UserID,
		"amount":        req.Amount.String(),
		"crypto_amount": req.Amount.Mul(rate).String(),
		"currency":      req.Currency,
		"wallet":        req.Destination,
		"description":   req.Description,
		"metadata":      req.Metadata,
	}

	response, err := g.makeRequest(ctx, "POST", "/payouts", payload)
	if err != nil {
		return nil, fmt.Errorf("cryptopay payout failed: %w", err)
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Fee    string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse cryptopay payout response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &PayoutResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		Fee:                  fee,
	}, nil
}

func (g *CryptoPay) SubmitCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	payload := map[string]interface{}{
		"reference":   req.TransactionID,
		"customer_id": req.UserID,
		"amount":      req.Amount.String(),
		"currency":    req.Currency,
		"description": req.Description,
	}

	response, err := g.makeRequest(ctx, "POST", "/invoices", payload)
	if err != nil {
		return nil, fmt.Errorf("cryptopay invoice failed: %w", err)
	}

	var result struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		InvoiceURL string `json:"invoice_url"`
		Fee        string `json:"fee"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to parse cryptopay invoice response: %w", err)
	}

	fee, _ := decimal.NewFromString(result.Fee)
	return &ChargeResponse{
		GatewayTransactionID: result.ID,
		Status:               result.Status,
		PaymentURL:           result.InvoiceURL,
		Fee:                  fee,
	}, nil
}

func (g *CryptoPay) VerifyWebhook(req *http.Request) (*WebhookEvent, error) {
	return g.parseWebhook(req)
}
