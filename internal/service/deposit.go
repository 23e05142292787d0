package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/gateway"
	"piano-wallet-api/internal/models"
)

// DepositRequest is a user's ask to bring funds in through a payment rail.
type DepositRequest struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Gateway        string
	PaymentMethod  string
	IdempotencyKey string
}

// DepositResult carries the transaction plus the gateway's payment URL, which
// the client needs to finish the charge.
type DepositResult struct {
	Transaction *models.Transaction `json:"transaction"`
	PaymentURL  string              `json:"payment_url,omitempty"`
}

// RequestDeposit creates the deposit and submits the charge. The balance is
// credited only when the gateway confirms settlement over the webhook.
func (s *WalletService) RequestDeposit(ctx context.Context, req *DepositRequest) (*DepositResult, error) {
	if !req.Amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}
	if !models.IsSupportedCurrency(req.Currency) {
		return nil, models.ErrUnsupportedCurrency
	}

	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if existingID, found, err := s.idempotency.GetIdempotencyResponse(ctx, req.IdempotencyKey); err == nil && found {
			tx, err := s.txRepo.GetByTransactionID(ctx, existingID)
			if err != nil {
				return nil, err
			}
			return &DepositResult{Transaction: tx}, nil
		}
	}

	lock, err := s.locks.LockUser(ctx, req.UserID, "deposit", s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("another operation is in progress: %w", err)
	}
	defer s.releaseLock(ctx, lock)

	if _, err := s.userRepo.GetByUserID(ctx, req.UserID); err != nil {
		return nil, err
	}

	tx := models.NewTransaction(req.UserID, models.TypeDeposit, req.Amount, req.Currency)
	tx.Description = fmt.Sprintf("Deposit via %s", req.Gateway)
	tx.Payment.Gateway = req.Gateway
	tx.ApplyFees(s.fees.DepositFees(gw.Fee(req.Amount)))

	if err := s.txRepo.Create(ctx, tx); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if err := s.idempotency.SetIdempotencyKey(ctx, req.IdempotencyKey, tx.TransactionID, s.idempotencyTTL); err != nil {
			logrus.WithError(err).Warn("Failed to store idempotency key")
		}
	}

	s.auditTransaction(tx, "Deposit requested")
	s.publishTransactionEvent(ctx, EventTransactionCreated, tx)

	if err := tx.Transition(models.StatusProcessing, "charge submitted", "engine"); err != nil {
		return nil, err
	}
	if err := s.txRepo.Update(ctx, tx); err != nil {
		return nil, err
	}

	resp, err := gw.SubmitCharge(ctx, &gateway.ChargeRequest{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PaymentMethod: req.PaymentMethod,
		Description:   tx.Description,
	})
	if err != nil {
		if failErr := s.failDeposit(ctx, tx, fmt.Sprintf("gateway error: %v", err)); failErr != nil {
			logrus.WithError(failErr).Error("Failed to mark deposit failed")
		}
		return &DepositResult{Transaction: tx}, nil
	}

	tx.Payment.GatewayTransactionID = resp.GatewayTransactionID

	switch gateway.NormalizeStatus(resp.Status) {
	case models.StatusCompleted:
		if err := s.completeDeposit(ctx, tx); err != nil {
			return nil, err
		}
	case models.StatusFailed:
		if err := s.failDeposit(ctx, tx, "gateway declined charge"); err != nil {
			return nil, err
		}
	default:
		tx.AppendLog("charge accepted, awaiting settlement")
		if err := s.txRepo.Update(ctx, tx); err != nil {
			return nil, err
		}
	}

	return &DepositResult{Transaction: tx, PaymentURL: resp.PaymentURL}, nil
}

// completeDeposit credits the net amount once the charge settles.
func (s *WalletService) completeDeposit(ctx context.Context, tx *models.Transaction) error {
	if err := tx.Transition(models.StatusCompleted, "gateway confirmed settlement", "engine"); err != nil {
		return err
	}
	if err := s.txRepo.Update(ctx, tx); err != nil {
		return err
	}

	if err := s.userRepo.CreditCoins(ctx, tx.UserID, tx.NetAmount); err != nil {
		return fmt.Errorf("deposit settled but credit failed for %s: %w", tx.TransactionID, err)
	}

	s.auditTransaction(tx, "Deposit completed")
	s.publishTransactionEvent(ctx, EventTransactionCompleted, tx)
	s.metrics.RecordTransaction(tx.Type, tx.Status)
	net, _ := tx.NetAmount.Float64()
	s.metrics.RecordVolume(tx.Type, tx.Currency, net)
	return nil
}

func (s *WalletService) failDeposit(ctx context.Context, tx *models.Transaction, reason string) error {
	if err := tx.Transition(models.StatusFailed, reason, "engine"); err != nil {
		return err
	}
	if err := s.txRepo.Update(ctx, tx); err != nil {
		return err
	}

	s.auditTransaction(tx, "Deposit failed")
	s.publishTransactionEvent(ctx, EventTransactionFailed, tx)
	s.metrics.RecordTransaction(tx.Type, tx.Status)
	return nil
}
