package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/gateway"
	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
)

// WithdrawalRequest is a user's ask to move coins out through a payment rail.
type WithdrawalRequest struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Gateway        string
	Destination    string
	Country        string
	IdempotencyKey string
}

// RequestWithdrawal validates, risk-scores and reserves a withdrawal, then
// submits it to the gateway unless the risk gate holds it for review. The
// returned transaction reflects whatever state the request landed in.
func (s *WalletService) RequestWithdrawal(ctx context.Context, req *WithdrawalRequest) (*models.Transaction, error) {
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
			return s.txRepo.GetByTransactionID(ctx, existingID)
		}
	}

	lock, err := s.locks.LockUser(ctx, req.UserID, "withdraw", s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("another operation is in progress: %w", err)
	}
	defer s.releaseLock(ctx, lock)

	user, err := s.userRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if err := s.risk.CheckKYC(ctx, user, req.Amount); err != nil {
		return nil, err
	}

	if err := s.velocity.RecordWithdrawalAttempt(ctx, req.UserID, time.Now(), s.velocityWindow); err != nil {
		logrus.WithError(err).Warn("Failed to record withdrawal attempt")
	}

	tx := models.NewTransaction(req.UserID, models.TypeWithdrawal, req.Amount, req.Currency)
	tx.Description = fmt.Sprintf("Withdrawal via %s", req.Gateway)
	tx.Payment.Gateway = req.Gateway
	tx.Payment.Destination = req.Destination
	tx.ApplyFees(s.fees.WithdrawalFees(req.Amount, gw.Fee(req.Amount)))

	assessment, err := s.risk.Assess(ctx, user, tx, req.Country)
	if err != nil {
		return nil, err
	}
	tx.Verification.RiskScore = assessment.Score
	tx.Verification.KYCLevel = user.KYCLevel
	if assessment.RequiresVerification || assessment.RequiresApproval {
		tx.Verification.Required = true
	}
	if assessment.RequiresReview {
		tx.Flag(assessment.Score, "held for manual review")
	}
	for _, factor := range assessment.Factors {
		tx.AppendLog("risk: " + factor)
	}

	if err := s.userRepo.ReserveFunds(ctx, req.UserID, tx.Amount); err != nil {
		return nil, err
	}

	if err := s.txRepo.Create(ctx, tx); err != nil {
		if releaseErr := s.userRepo.ReleaseReserved(ctx, req.UserID, tx.Amount); releaseErr != nil {
			logrus.WithError(releaseErr).Error("Failed to release reservation after create failure")
		}
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if err := s.idempotency.SetIdempotencyKey(ctx, req.IdempotencyKey, tx.TransactionID, s.idempotencyTTL); err != nil {
			logrus.WithError(err).Warn("Failed to store idempotency key")
		}
	}

	s.auditTransaction(tx, "Withdrawal requested")
	s.publishTransactionEvent(ctx, EventTransactionCreated, tx)

	if !tx.CanBeProcessed() {
		s.metrics.RecordReviewHold()
		tx.AppendLog("awaiting admin review")
		if err := s.txRepo.Update(ctx, tx); err != nil {
			logrus.WithError(err).Error("Failed to persist review hold")
		}
		s.publishTransactionEvent(ctx, EventTransactionFlagged, tx)
		return tx, nil
	}

	if err := s.submitWithdrawal(ctx, tx, gw, "engine"); err != nil {
		logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
			Warn("Withdrawal submission failed, retry scheduled")
	}

	return tx, nil
}

// submitWithdrawal moves a pending or retried withdrawal through the gateway.
// The caller must hold the user lock.
func (s *WalletService) submitWithdrawal(ctx context.Context, tx *models.Transaction, gw gateway.Gateway, changedBy string) error {
	if err := tx.Transition(models.StatusProcessing, "submitted to gateway", changedBy); err != nil {
		return err
	}
	if err := s.txRepo.Update(ctx, tx); err != nil {
		return err
	}

	resp, err := gw.SubmitPayout(ctx, &gateway.PayoutRequest{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        tx.NetAmount,
		Currency:      tx.Currency,
		Destination:   tx.Payment.Destination,
		Description:   tx.Description,
	})
	if err != nil {
		return s.failWithdrawal(ctx, tx, fmt.Sprintf("gateway error: %v", err))
	}

	tx.Payment.GatewayTransactionID = resp.GatewayTransactionID

	switch gateway.NormalizeStatus(resp.Status) {
	case models.StatusCompleted:
		return s.completeWithdrawal(ctx, tx)
	case models.StatusFailed:
		return s.failWithdrawal(ctx, tx, "gateway declined payout")
	default:
		tx.AppendLog("payout accepted, awaiting settlement")
		return s.txRepo.Update(ctx, tx)
	}
}

// completeWithdrawal burns the reservation and settles the row.
func (s *WalletService) completeWithdrawal(ctx context.Context, tx *models.Transaction) error {
	if err := s.userRepo.ConfirmReserved(ctx, tx.UserID, tx.Amount); err != nil {
		return fmt.Errorf("failed to confirm reservation for %s: %w", tx.TransactionID, err)
	}

	if err := tx.Transition(models.StatusCompleted, "gateway confirmed settlement", "engine"); err != nil {
		return err
	}
	if err := s.txRepo.Update(ctx, tx); err != nil {
		return err
	}

	s.auditTransaction(tx, "Withdrawal completed")
	s.publishTransactionEvent(ctx, EventTransactionCompleted, tx)
	s.metrics.RecordTransaction(tx.Type, tx.Status)
	net, _ := tx.NetAmount.Float64()
	s.metrics.RecordVolume(tx.Type, tx.Currency, net)
	return nil
}

// failWithdrawal marks the attempt failed and returns the reservation to the
// user immediately. A retry re-reserves before resubmitting, so the funds are
// spendable between attempts.
func (s *WalletService) failWithdrawal(ctx context.Context, tx *models.Transaction, reason string) error {
	if err := tx.Transition(models.StatusFailed, reason, "engine"); err != nil {
		return err
	}

	if err := s.userRepo.ReleaseReserved(ctx, tx.UserID, tx.Amount); err != nil {
		logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
			Error("Failed to release reservation after failure")
	} else {
		tx.AppendLog("reservation released")
	}

	if tx.CanRetry() {
		tx.ScheduleRetry()
		tx.AppendLog(fmt.Sprintf("retry %d/%d scheduled", tx.Payment.RetryCount, tx.Payment.MaxRetries))
	} else {
		tx.AppendLog("retries exhausted")
	}

	if err := s.txRepo.Update(ctx, tx); err != nil {
		return err
	}

	s.auditTransaction(tx, "Withdrawal failed")
	s.publishTransactionEvent(ctx, EventTransactionFailed, tx)
	s.metrics.RecordTransaction(tx.Type, tx.Status)
	return nil
}

// ProcessDueRetries resubmits failed withdrawals whose backoff has elapsed.
// Called by the scheduler.
func (s *WalletService) ProcessDueRetries(ctx context.Context, limit int) (int, error) {
	due, err := s.txRepo.GetRetryDue(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, tx := range due {
		if err := s.retryWithdrawal(ctx, tx); err != nil {
			logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
				Warn("Retry attempt failed")
			continue
		}
		processed++
	}

	return processed, nil
}

func (s *WalletService) retryWithdrawal(ctx context.Context, tx *models.Transaction) error {
	gw, err := s.gateways.Get(tx.Payment.Gateway)
	if err != nil {
		return err
	}

	lock, err := s.locks.LockUser(ctx, tx.UserID, "withdraw", s.lockTTL)
	if err != nil {
		return fmt.Errorf("user busy, retry deferred: %w", err)
	}
	defer s.releaseLock(ctx, lock)

	// The reservation was released when the attempt failed, so the retry has
	// to win the funds back before resubmitting.
	if err := s.userRepo.ReserveFunds(ctx, tx.UserID, tx.Amount); err != nil {
		if tx.CanRetry() {
			tx.ScheduleRetry()
		}
		tx.AppendLog("retry deferred: " + err.Error())
		if updateErr := s.txRepo.Update(ctx, tx); updateErr != nil {
			logrus.WithError(updateErr).WithField("transaction_id", tx.TransactionID).
				Error("Failed to persist deferred retry")
		}
		return fmt.Errorf("failed to re-reserve funds for retry: %w", err)
	}

	return s.submitWithdrawal(ctx, tx, gw, "scheduler")
}

// ExpireStalePending expires pending transactions older than maxAge and
// returns their reservations. Called by the scheduler.
func (s *WalletService) ExpireStalePending(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	stale, err := s.txRepo.GetPendingOlderThan(ctx, time.Now().Add(-maxAge), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, tx := range stale {
		if err := tx.Transition(models.StatusExpired, "pending past expiry window", "scheduler"); err != nil {
			continue
		}

		if tx.IsDebit() {
			if err := s.userRepo.ReleaseReserved(ctx, tx.UserID, tx.Amount); err != nil {
				logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
					Error("Failed to release reservation on expiry")
			}
		}

		if err := s.txRepo.Update(ctx, tx); err != nil {
			logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
				Error("Failed to persist expiry")
			continue
		}

		s.auditTransaction(tx, "Transaction expired")
		expired++
	}

	return expired, nil
}

func (s *WalletService) releaseLock(ctx context.Context, lock *repository.DistributedLock) {
	if err := s.locks.ReleaseLock(ctx, lock); err != nil {
		logrus.WithError(err).Warn("Failed to release user lock")
	}
}
