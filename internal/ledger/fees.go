package ledger

import (
	"github.com/shopspring/decimal"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/models"
)

// FeeCalculator computes the platform-side fee components of a transaction.
// The payment component is quoted by the gateway adapter and passed in; the
// breakdown total is recomputed by the transaction itself when applied.
type FeeCalculator struct {
	withdrawalRate decimal.Decimal
	platformRate   decimal.Decimal
}

func NewFeeCalculator(cfg config.FeesConfig) *FeeCalculator {
	return &FeeCalculator{
		withdrawalRate: decimal.NewFromFloat(cfg.WithdrawalRate),
		platformRate:   decimal.NewFromFloat(cfg.PlatformRate),
	}
}

// WithdrawalFees builds the fee breakdown for a withdrawal of the given gross
// amount, folding in the gateway's quoted payment fee.
func (c *FeeCalculator) WithdrawalFees(amount, paymentFee decimal.Decimal) models.FeeBreakdown {
	return models.FeeBreakdown{
		Platform:   amount.Mul(c.platformRate).Round(2),
		Payment:    paymentFee.Round(2),
		Withdrawal: amount.Mul(c.withdrawalRate).Round(2),
	}
}

// DepositFees builds the fee breakdown for a deposit. Deposits carry only the
// gateway's payment fee.
func (c *FeeCalculator) DepositFees(paymentFee decimal.Decimal) models.FeeBreakdown {
	return models.FeeBreakdown{
		Payment: paymentFee.Round(2),
	}
}
