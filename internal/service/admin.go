package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/models"
)

// ListReviewQueue returns flagged transactions awaiting an admin decision.
func (s *WalletService) ListReviewQueue(ctx context.Context, limit, offset int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.txRepo.GetFlagged(ctx, limit, offset)
}

// ApproveTransaction clears the risk hold and pushes the withdrawal into the
// gateway. Only pending transactions can be approved.
func (s *WalletService) ApproveTransaction(ctx context.Context, transactionID, adminID string) (*models.Transaction, error) {
	tx, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusPending {
		return nil, models.ErrNotPending
	}

	lock, err := s.locks.LockUser(ctx, tx.UserID, "withdraw", s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("user busy, approval deferred: %w", err)
	}
	defer s.releaseLock(ctx, lock)

	tx.Verification.Flagged = false
	tx.Verification.Verified = true
	tx.AppendLog("approved by " + adminID)

	s.audit.WithFields(logrus.Fields{
		"transaction_id": tx.TransactionID,
		"user_id":        tx.UserID,
		"admin_id":       adminID,
		"risk_score":     tx.Verification.RiskScore,
	}).Info("Transaction approved")

	gw, err := s.gateways.Get(tx.Payment.Gateway)
	if err != nil {
		return nil, err
	}

	if err := s.submitWithdrawal(ctx, tx, gw, adminID); err != nil {
		logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
			Warn("Submission after approval failed, retry scheduled")
	}

	return tx, nil
}

// RejectTransaction cancels a held transaction and returns the reservation.
func (s *WalletService) RejectTransaction(ctx context.Context, transactionID, adminID, reason string) (*models.Transaction, error) {
	tx, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusPending && tx.Status != models.StatusFailed {
		return nil, models.ErrNotPending
	}

	lock, err := s.locks.LockUser(ctx, tx.UserID, "withdraw", s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("user busy, rejection deferred: %w", err)
	}
	defer s.releaseLock(ctx, lock)

	if reason == "" {
		reason = "rejected by admin"
	}

	// A failed withdrawal already had its reservation returned when it failed;
	// only a pending debit still holds funds.
	holdsReservation := tx.Status == models.StatusPending && tx.IsDebit()

	if err := tx.Transition(models.StatusCancelled, reason, adminID); err != nil {
		return nil, err
	}

	if holdsReservation {
		if err := s.userRepo.ReleaseReserved(ctx, tx.UserID, tx.Amount); err != nil {
			logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
				Error("Failed to release reservation on rejection")
		}
	}

	if err := s.txRepo.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.audit.WithFields(logrus.Fields{
		"transaction_id": tx.TransactionID,
		"user_id":        tx.UserID,
		"admin_id":       adminID,
		"reason":         reason,
	}).Info("Transaction rejected")
	s.publishTransactionEvent(ctx, EventTransactionCancelled, tx)

	return tx, nil
}

// BatchResult is the per-transaction outcome of a batch approval.
type BatchResult struct {
	TransactionID string `json:"transaction_id"`
	Approved      bool   `json:"approved"`
	Error         string `json:"error,omitempty"`
}

// BatchApprove approves a list of transactions independently: one failure
// never rolls back the others.
func (s *WalletService) BatchApprove(ctx context.Context, transactionIDs []string, adminID string) []BatchResult {
	results := make([]BatchResult, 0, len(transactionIDs))

	for _, id := range transactionIDs {
		result := BatchResult{TransactionID: id}
		if _, err := s.ApproveTransaction(ctx, id, adminID); err != nil {
			result.Error = err.Error()
		} else {
			result.Approved = true
		}
		results = append(results, result)
	}

	return results
}
